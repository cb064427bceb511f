// Package testutil provides fakes shared by the package tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"

	"github.com/agrotrace/trace-deployer/deployment"
)

// ErrMockDeploy is the default error returned by a failing MockNetwork step.
var ErrMockDeploy = errors.New("mock network: deployment transaction failed")

// DeterministicAddresses returns 0xAAAA…, 0xBBBB…, 0xCCCC…, 0xDDDD….
func DeterministicAddresses() []common.Address {
	addrs := make([]common.Address, 0, 4)
	for _, b := range []byte{0xaa, 0xbb, 0xcc, 0xdd} {
		addrs = append(addrs, common.BytesToAddress(bytes.Repeat([]byte{b}, common.AddressLength)))
	}
	return addrs
}

// DeployCall records one call made to a MockNetwork.
type DeployCall struct {
	Contract string
	Args     []common.Address
}

// MockNetwork is a deployment.Deployer that hands out a fixed sequence of
// addresses, one per call, and can be told to fail at a given call.
type MockNetwork struct {
	mu        sync.Mutex
	addresses []common.Address
	calls     []DeployCall
	// FailAt is the 1-based call that fails; zero never fails.
	FailAt int
	// FailErr is returned by the failing call, ErrMockDeploy if nil.
	FailErr error
	// Source is put in every receipt.
	Source cid.Cid
}

var _ deployment.Deployer = (*MockNetwork)(nil)

// NewMockNetwork returns a network handing out addrs in order.
func NewMockNetwork(addrs ...common.Address) *MockNetwork {
	return &MockNetwork{addresses: slices.Clone(addrs)}
}

// Deploy implements deployment.Deployer.
func (m *MockNetwork) Deploy(ctx context.Context, contract string, args ...common.Address) (*deployment.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, DeployCall{Contract: contract, Args: slices.Clone(args)})
	n := len(m.calls)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.FailAt == n {
		if m.FailErr != nil {
			return nil, m.FailErr
		}
		return nil, ErrMockDeploy
	}
	if n > len(m.addresses) {
		return nil, fmt.Errorf("mock network: no address for call %d", n)
	}
	addr := m.addresses[n-1]
	return &deployment.Receipt{
		Address:     addr,
		TxHash:      ethcrypto.Keccak256Hash(addr.Bytes()),
		BlockNumber: uint64(n),
		GasUsed:     21_000,
		Source:      m.Source,
	}, nil
}

// Calls returns a copy of the calls received so far.
func (m *MockNetwork) Calls() []DeployCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}
