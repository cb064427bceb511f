package rpc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agrotrace/trace-deployer/log"
)

// Pool groups RPC endpoints by chain ID.
type Pool struct {
	mtx       sync.RWMutex
	endpoints map[uint64]*Rotation
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{endpoints: make(map[uint64]*Rotation)}
}

// AddEndpoint dials uri, asks it for its chain ID and registers it under that
// chain. It returns the chain ID.
func (p *Pool) AddEndpoint(ctx context.Context, uri string) (uint64, error) {
	client, err := ethclient.DialContext(ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", uri, err)
	}
	idCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	bChainID, err := client.ChainID(idCtx)
	if err != nil {
		client.Close()
		return 0, fmt.Errorf("get chain ID from %s: %w", uri, err)
	}
	chainID := bChainID.Uint64()

	p.mtx.Lock()
	defer p.mtx.Unlock()
	rot, ok := p.endpoints[chainID]
	if !ok {
		rot = NewRotation()
		p.endpoints[chainID] = rot
	}
	if rot.Contains(uri) {
		client.Close()
		return chainID, nil
	}
	rot.Add(&Endpoint{ChainID: chainID, URI: uri, client: client})
	log.Debugw("rpc endpoint added", "chainID", chainID, "uri", uri)
	return chainID, nil
}

// Client returns a Client bound to chainID.
func (p *Pool) Client(chainID uint64) (*Client, error) {
	if p.NumberOfEndpoints(chainID, false) == 0 {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrNoEndpoints)
	}
	return &Client{pool: p, chainID: chainID}, nil
}

// Endpoint returns the next endpoint for chainID.
func (p *Pool) Endpoint(chainID uint64) (*Endpoint, error) {
	p.mtx.RLock()
	rot, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrNoEndpoints)
	}
	return rot.Next()
}

// NumberOfEndpoints returns how many endpoints chainID has. With
// onlyAvailable, parked endpoints are not counted.
func (p *Pool) NumberOfEndpoints(chainID uint64, onlyAvailable bool) int {
	p.mtx.RLock()
	rot, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return 0
	}
	if onlyAvailable {
		return rot.Available()
	}
	return rot.Available() + rot.Disabled()
}

// DisableEndpoint parks uri for chainID.
func (p *Pool) DisableEndpoint(chainID uint64, uri string) {
	p.mtx.RLock()
	rot, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if ok {
		rot.Disable(uri)
	}
}

// Close closes every endpoint connection.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, rot := range p.endpoints {
		rot.mtx.Lock()
		for _, e := range slices.Concat(rot.active, rot.disabled) {
			if e.client != nil {
				e.client.Close()
			}
		}
		rot.mtx.Unlock()
	}
	p.endpoints = make(map[uint64]*Rotation)
}
