package rpc

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// endpointCooldown is how long a failing endpoint stays out of rotation.
const endpointCooldown = 5 * time.Minute

// ErrNoEndpoints is returned when no endpoint is registered for a chain.
var ErrNoEndpoints = errors.New("no registered endpoints")

// Endpoint is a JSON-RPC provider for a single chain.
type Endpoint struct {
	ChainID    uint64
	URI        string
	client     *ethclient.Client
	disabledAt time.Time
}

// Rotation hands out the endpoints of a chain in round-robin order. Endpoints
// that fail are parked for endpointCooldown; if every endpoint gets parked,
// all of them go back into rotation.
type Rotation struct {
	mtx      sync.Mutex
	next     int
	active   []*Endpoint
	disabled []*Endpoint
	now      func() time.Time
}

// NewRotation creates a Rotation over the given endpoints.
func NewRotation(endpoints ...*Endpoint) *Rotation {
	return &Rotation{
		active: slices.Clone(endpoints),
		now:    time.Now,
	}
}

// Add appends endpoints to the rotation.
func (r *Rotation) Add(endpoints ...*Endpoint) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.active = append(r.active, endpoints...)
}

// Available returns the number of endpoints in rotation.
func (r *Rotation) Available() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.active)
}

// Disabled returns the number of parked endpoints.
func (r *Rotation) Disabled() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.disabled)
}

// Contains reports whether uri is registered, active or parked.
func (r *Rotation) Contains(uri string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	match := func(e *Endpoint) bool { return e.URI == uri }
	return slices.ContainsFunc(r.active, match) || slices.ContainsFunc(r.disabled, match)
}

// Next returns the next endpoint in rotation.
func (r *Rotation) Next() (*Endpoint, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.reviveLocked()
	if len(r.active) == 0 {
		return nil, ErrNoEndpoints
	}
	if r.next >= len(r.active) {
		r.next = 0
	}
	e := r.active[r.next]
	r.next = (r.next + 1) % len(r.active)
	return e, nil
}

// Disable parks the endpoint with the given uri. Unknown or already parked
// endpoints are ignored.
func (r *Rotation) Disable(uri string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	idx := slices.IndexFunc(r.active, func(e *Endpoint) bool { return e.URI == uri })
	if idx < 0 {
		return
	}
	e := r.active[idx]
	e.disabledAt = r.now()
	r.active = slices.Delete(r.active, idx, idx+1)
	r.disabled = append(r.disabled, e)

	// keep pointing at the endpoint that followed the removed one
	if r.next > idx {
		r.next--
	}
	if len(r.active) == 0 {
		for _, d := range r.disabled {
			d.disabledAt = time.Time{}
		}
		r.active, r.disabled, r.next = r.disabled, nil, 0
		return
	}
	if r.next >= len(r.active) {
		r.next = 0
	}
}

// reviveLocked must be called with r.mtx held.
func (r *Rotation) reviveLocked() {
	if len(r.disabled) == 0 {
		return
	}
	now := r.now()
	parked := r.disabled[:0]
	for _, e := range r.disabled {
		if now.Sub(e.disabledAt) >= endpointCooldown {
			e.disabledAt = time.Time{}
			r.active = append(r.active, e)
			continue
		}
		parked = append(parked, e)
	}
	r.disabled = parked
}
