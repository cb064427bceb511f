package artifacts

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/mod/semver"

	"github.com/agrotrace/trace-deployer/log"
)

// ErrNoMetadata is returned when bytecode carries no metadata trailer.
var ErrNoMetadata = errors.New("no compiler metadata")

// Metadata is what solc appends to runtime bytecode: a CBOR map followed by
// its length as a big endian uint16.
type Metadata struct {
	// Solc is the compiler version, e.g. "0.8.28".
	Solc string
	// Source is the IPFS CID of the contract metadata JSON, undefined if the
	// contract was compiled with bytecodeHash "none" or "bzzr1".
	Source       cid.Cid
	Experimental bool
}

type rawMetadata struct {
	IPFS         []byte `cbor:"ipfs,omitempty"`
	Solc         any    `cbor:"solc,omitempty"`
	Experimental bool   `cbor:"experimental,omitempty"`
}

// ParseMetadata decodes the metadata trailer of runtime bytecode.
func ParseMetadata(code []byte) (*Metadata, error) {
	if len(code) < 2 {
		return nil, ErrNoMetadata
	}
	size := int(binary.BigEndian.Uint16(code[len(code)-2:]))
	if size == 0 || size > len(code)-2 {
		return nil, ErrNoMetadata
	}
	trailer := code[len(code)-2-size : len(code)-2]

	var raw rawMetadata
	if err := cbor.Unmarshal(trailer, &raw); err != nil {
		// trailing bytes that merely look like a length
		return nil, ErrNoMetadata
	}
	md := &Metadata{Experimental: raw.Experimental}
	switch v := raw.Solc.(type) {
	case []byte:
		// release builds: three bytes, major minor patch
		if len(v) != 3 {
			return nil, fmt.Errorf("invalid solc version bytes %x", v)
		}
		md.Solc = fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
	case string:
		// prerelease builds carry the full version string
		md.Solc = v
	case nil:
		return nil, ErrNoMetadata
	default:
		return nil, fmt.Errorf("invalid solc version type %T", v)
	}
	if len(raw.IPFS) > 0 {
		mh, err := multihash.Cast(raw.IPFS)
		if err != nil {
			return nil, fmt.Errorf("invalid ipfs multihash: %w", err)
		}
		md.Source = cid.NewCidV0(mh)
	}
	return md, nil
}

// checkVersion compares the compiler that built contract with want.
func checkVersion(contract, got, want string) error {
	vGot, vWant := "v"+got, "v"+want
	if !semver.IsValid(vGot) {
		return fmt.Errorf("%w: %s built with unparsable solc version %q", ErrCompilerMismatch, contract, got)
	}
	if !semver.IsValid(vWant) {
		return fmt.Errorf("%w: invalid expected solc version %q", ErrCompilerMismatch, want)
	}
	if semver.MajorMinor(vGot) != semver.MajorMinor(vWant) {
		return fmt.Errorf("%w: %s built with solc %s, want %s", ErrCompilerMismatch, contract, got, want)
	}
	if semver.Compare(vGot, vWant) != 0 {
		log.Warnw("solc patch version differs", "contract", contract, "built", got, "expected", want)
	}
	return nil
}
