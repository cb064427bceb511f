// Package artifacts loads compiled contracts from Hardhat build output and
// checks they can be deployed by the traceability plan.
package artifacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/agrotrace/trace-deployer/log"
)

const (
	hardhatFormat   = "hh-sol-artifact-1"
	buildInfoDir    = "build-info"
	linkPlaceholder = "__$"
)

var (
	ErrNotFound            = errors.New("artifact not found")
	ErrAmbiguous           = errors.New("ambiguous artifact")
	ErrMalformed           = errors.New("malformed artifact")
	ErrUnlinked            = errors.New("bytecode has unlinked libraries")
	ErrConstructorMismatch = errors.New("constructor does not match plan")
	ErrCompilerMismatch    = errors.New("compiler version mismatch")
)

// Artifact is a compiled contract ready to be deployed.
type Artifact struct {
	Name       string
	SourceName string
	ABI        abi.ABI
	Bytecode   []byte
	// Metadata is nil when the compiler appended no metadata trailer.
	Metadata *Metadata
}

type hardhatArtifact struct {
	Format           string          `json:"_format"`
	ContractName     string          `json:"contractName"`
	SourceName       string          `json:"sourceName"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         string          `json:"bytecode"`
	DeployedBytecode string          `json:"deployedBytecode"`
	LinkReferences   map[string]any  `json:"linkReferences"`
}

// Find returns the path of the artifact of the named contract under dir.
// Hardhat writes it to <dir>/contracts/<File>.sol/<Name>.json.
func Find(dir, name string) (string, error) {
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == buildInfoDir {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == name+".json" {
			matches = append(matches, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s (%v)", ErrNotFound, name, err)
	}
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s matches %s", ErrAmbiguous, name, strings.Join(matches, ", "))
	}
}

// Load reads and parses the artifact of the named contract under dir.
func Load(dir, name string) (*Artifact, error) {
	path, err := Find(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if a.Name != name {
		return nil, fmt.Errorf("%w: %s holds contract %q, want %q", ErrMalformed, path, a.Name, name)
	}
	sourceCID := ""
	if a.Metadata != nil {
		if a.Metadata.Source.Defined() {
			sourceCID = a.Metadata.Source.String()
		}
		if a.Metadata.Experimental {
			log.Warnw("artifact built with experimental compiler features", "contract", a.Name, "path", path)
		}
	}
	log.Debugw("artifact loaded",
		"contract", a.Name,
		"source", a.SourceName,
		"sourceCID", sourceCID,
		"path", path,
		"size", len(a.Bytecode))
	return a, nil
}

// Parse decodes a Hardhat artifact.
func Parse(data []byte) (*Artifact, error) {
	var hh hardhatArtifact
	if err := json.Unmarshal(data, &hh); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if hh.Format != hardhatFormat {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformed, hh.Format)
	}
	if hh.ContractName == "" {
		return nil, fmt.Errorf("%w: missing contract name", ErrMalformed)
	}
	if len(hh.LinkReferences) > 0 || strings.Contains(hh.Bytecode, linkPlaceholder) {
		return nil, fmt.Errorf("%w: %s", ErrUnlinked, hh.ContractName)
	}
	parsedABI, err := abi.JSON(bytes.NewReader(hh.ABI))
	if err != nil {
		return nil, fmt.Errorf("%w: abi: %w", ErrMalformed, err)
	}
	code, err := hexutil.Decode(hh.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: bytecode: %w", ErrMalformed, err)
	}
	if len(code) == 0 {
		// abstract contracts and interfaces compile to empty bytecode
		return nil, fmt.Errorf("%w: %s has no bytecode", ErrMalformed, hh.ContractName)
	}
	a := &Artifact{
		Name:       hh.ContractName,
		SourceName: hh.SourceName,
		ABI:        parsedABI,
		Bytecode:   code,
	}
	runtime := code
	if hh.DeployedBytecode != "" {
		if runtime, err = hexutil.Decode(hh.DeployedBytecode); err != nil {
			return nil, fmt.Errorf("%w: deployed bytecode: %w", ErrMalformed, err)
		}
	}
	if a.Metadata, err = ParseMetadata(runtime); err != nil && !errors.Is(err, ErrNoMetadata) {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return a, nil
}

// CheckConstructor verifies the constructor takes exactly deps addresses.
func (a *Artifact) CheckConstructor(deps int) error {
	inputs := a.ABI.Constructor.Inputs
	if len(inputs) != deps {
		return fmt.Errorf("%w: %s constructor takes %d arguments, plan passes %d",
			ErrConstructorMismatch, a.Name, len(inputs), deps)
	}
	for i, in := range inputs {
		if in.Type.T != abi.AddressTy {
			return fmt.Errorf("%w: %s constructor argument %d (%s) is %s, want address",
				ErrConstructorMismatch, a.Name, i, in.Name, in.Type)
		}
	}
	return nil
}

// CheckCompiler verifies the artifact was built by a compiler with the same
// major and minor version as want. A different patch version is logged.
func (a *Artifact) CheckCompiler(want string) error {
	if a.Metadata == nil {
		log.Debugw("artifact has no compiler metadata, skipping version check", "contract", a.Name)
		return nil
	}
	return checkVersion(a.Name, a.Metadata.Solc, want)
}

// DeployData returns the contract creation input: bytecode followed by the
// ABI-encoded constructor arguments.
func (a *Artifact) DeployData(args ...common.Address) ([]byte, error) {
	packArgs := make([]any, len(args))
	for i, arg := range args {
		packArgs[i] = arg
	}
	input, err := a.ABI.Pack("", packArgs...)
	if err != nil {
		return nil, fmt.Errorf("pack %s constructor: %w", a.Name, err)
	}
	data := make([]byte, 0, len(a.Bytecode)+len(input))
	data = append(data, a.Bytecode...)
	return append(data, input...), nil
}
