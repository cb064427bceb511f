package testutil

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	qt "github.com/frankban/quicktest"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/agrotrace/trace-deployer/config"
)

// WriteArtifact writes a Hardhat artifact for name under dir, with a
// constructor taking deps addresses and the given creation bytecode.
func WriteArtifact(t testing.TB, dir, name string, deps int, bytecode string) {
	t.Helper()
	writeArtifact(t, dir, name, deps, bytecode, "0x00")
}

// WriteArtifactWithSource is WriteArtifact with a solc metadata trailer
// appended to the runtime code. The trailer points at the IPFS hash of
// metadata, which is returned.
func WriteArtifactWithSource(t testing.TB, dir, name string, deps int, bytecode, metadata string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(metadata), multihash.SHA2_256, -1)
	qt.Assert(t, err, qt.IsNil)
	trailer, err := cbor.Marshal(map[string]any{
		"ipfs": []byte(mh),
		"solc": []byte{0, 8, 28},
	})
	qt.Assert(t, err, qt.IsNil)
	runtime := append([]byte{0x00}, trailer...)
	runtime = binary.BigEndian.AppendUint16(runtime, uint16(len(trailer)))
	writeArtifact(t, dir, name, deps, bytecode, hexutil.Encode(runtime))
	return cid.NewCidV0(mh)
}

func writeArtifact(t testing.TB, dir, name string, deps int, bytecode, runtime string) {
	t.Helper()
	inputs := make([]map[string]string, deps)
	for i := range inputs {
		inputs[i] = map[string]string{
			"name":         fmt.Sprintf("dep%d", i),
			"type":         "address",
			"internalType": "address",
		}
	}
	abi := []map[string]any{{
		"type":            "constructor",
		"inputs":          inputs,
		"stateMutability": "nonpayable",
	}}
	data, err := json.MarshalIndent(map[string]any{
		"_format":                "hh-sol-artifact-1",
		"contractName":           name,
		"sourceName":             "contracts/" + name + ".sol",
		"abi":                    abi,
		"bytecode":               bytecode,
		"deployedBytecode":       runtime,
		"linkReferences":         map[string]any{},
		"deployedLinkReferences": map[string]any{},
	}, "", "  ")
	qt.Assert(t, err, qt.IsNil)
	sub := filepath.Join(dir, "contracts", name+".sol")
	qt.Assert(t, os.MkdirAll(sub, 0o755), qt.IsNil)
	qt.Assert(t, os.WriteFile(filepath.Join(sub, name+".json"), data, 0o644), qt.IsNil)
}

// WriteTraceabilityArtifacts writes an artifact for every contract of
// config.TraceabilityPlan, all created with InitCode, and returns dir.
func WriteTraceabilityArtifacts(t testing.TB, dir string) string {
	t.Helper()
	for _, spec := range config.TraceabilityPlan {
		WriteArtifact(t, dir, spec.Name, len(spec.Dependencies), InitCode)
	}
	return dir
}
