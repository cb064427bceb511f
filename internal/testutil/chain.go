package testutil

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
)

// SimulatedChainID is the chain ID of the go-ethereum simulated backend.
var SimulatedChainID = params.AllDevChainProtocolChanges.ChainID.Uint64()

// InitCode is contract creation code whose runtime is a single STOP byte:
//
//	PUSH1 1 PUSH1 12 PUSH1 0 CODECOPY PUSH1 1 PUSH1 0 RETURN | STOP
const InitCode = "0x6001600c60003960016000f300"

// RevertingInitCode is creation code that always reverts: PUSH1 0 DUP1 REVERT.
const RevertingInitCode = "0x600080fd"

// RevertingInitCodeWithReason returns creation code that reverts with
// Error(reason). The 100 byte ABI payload follows the code and is copied out
// before reverting:
//
//	PUSH1 100 PUSH1 12 PUSH1 0 CODECOPY PUSH1 100 PUSH1 0 REVERT | payload
//
// reason must fit in 32 bytes.
func RevertingInitCodeWithReason(reason string) string {
	if len(reason) > 32 {
		panic(fmt.Sprintf("revert reason too long: %d bytes", len(reason)))
	}
	payload := []byte{0x08, 0xc3, 0x79, 0xa0}
	payload = append(payload, common.LeftPadBytes([]byte{0x20}, 32)...)
	payload = append(payload, common.LeftPadBytes([]byte{byte(len(reason))}, 32)...)
	payload = append(payload, common.RightPadBytes([]byte(reason), 32)...)
	return fmt.Sprintf("0x6064600c60003960646000fd%x", payload)
}

// Ether returns n ether in wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

// SimulatedChain starts an in-process chain where each funded account holds
// 100 ether. With a non-zero blockTime a block is sealed at that interval;
// otherwise the caller seals with Commit. The chain is closed when the test
// ends.
func SimulatedChain(t testing.TB, blockTime time.Duration, funded ...common.Address) *simulated.Backend {
	t.Helper()
	alloc := types.GenesisAlloc{}
	for _, addr := range funded {
		alloc[addr] = types.Account{Balance: Ether(100)}
	}
	backend := simulated.NewBackend(alloc)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if blockTime == 0 {
			return
		}
		ticker := time.NewTicker(blockTime)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				backend.Commit()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
		_ = backend.Close()
	})
	return backend
}
