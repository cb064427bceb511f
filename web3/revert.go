package web3

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/agrotrace/trace-deployer/artifacts"
	"github.com/agrotrace/trace-deployer/web3/rpc"
)

// revertReason decodes the revert data carried by err, using the custom
// errors declared in the artifact ABI. It returns an empty string when err
// carries no revert data.
func revertReason(art *artifacts.Artifact, err error) string {
	rpcErr := rpc.ParseError(err)
	if rpcErr == nil || len(rpcErr.Data) < 4 {
		return ""
	}
	return decodeRevert(art.ABI, rpcErr.Data)
}

// decodeRevert renders revert data as Error(string), Panic(uint256) or one of
// the custom errors of contractABI. Unknown selectors are returned in hex.
func decodeRevert(contractABI abi.ABI, data []byte) string {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	selector := data[:4]
	for name, abiErr := range contractABI.Errors {
		if !bytes.Equal(abiErr.ID[:4], selector) {
			continue
		}
		values, err := abiErr.Inputs.Unpack(data[4:])
		if err != nil {
			return name
		}
		args := make([]string, len(values))
		for i, v := range values {
			args[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s(%s)", name, strings.Join(args, ", "))
	}
	return fmt.Sprintf("unknown error 0x%x", selector)
}
