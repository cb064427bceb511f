package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	qt "github.com/frankban/quicktest"
)

// fakeEth serves the few eth_ methods the tests need.
type fakeEth struct {
	chainID uint64
	block   uint64
}

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(f.chainID))
}

func (f *fakeEth) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(f.block)
}

func newFakeNode(t *testing.T, chainID, block uint64) *httptest.Server {
	t.Helper()
	srv := gethrpc.NewServer()
	if err := srv.RegisterName("eth", &fakeEth{chainID: chainID, block: block}); err != nil {
		t.Fatal(err)
	}
	node := httptest.NewServer(srv)
	t.Cleanup(func() {
		node.Close()
		srv.Stop()
	})
	return node
}

func poolWith(chainID uint64, uris ...string) *Pool {
	p := NewPool()
	eps := testEndpoints(uris...)
	for _, e := range eps {
		e.ChainID = chainID
	}
	p.endpoints[chainID] = NewRotation(eps...)
	return p
}

func TestPoolEndpoints(t *testing.T) {
	c := qt.New(t)
	p := poolWith(1, "a", "b", "c")

	c.Assert(p.NumberOfEndpoints(1, true), qt.Equals, 3)
	p.DisableEndpoint(1, "a")
	c.Assert(p.NumberOfEndpoints(1, true), qt.Equals, 2)
	c.Assert(p.NumberOfEndpoints(1, false), qt.Equals, 3)
	p.DisableEndpoint(999, "b")
	c.Assert(p.NumberOfEndpoints(1, true), qt.Equals, 2)
	c.Assert(p.NumberOfEndpoints(999, false), qt.Equals, 0)

	_, err := p.Client(999)
	c.Assert(err, qt.ErrorIs, ErrNoEndpoints)
	_, err = p.Endpoint(999)
	c.Assert(err, qt.ErrorIs, ErrNoEndpoints)
}

func TestAddEndpoint(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	node := newFakeNode(t, 31337, 5)

	p := NewPool()
	defer p.Close()
	chainID, err := p.AddEndpoint(ctx, node.URL)
	c.Assert(err, qt.IsNil)
	c.Assert(chainID, qt.Equals, uint64(31337))

	// adding the same uri twice is a no-op
	_, err = p.AddEndpoint(ctx, node.URL)
	c.Assert(err, qt.IsNil)
	c.Assert(p.NumberOfEndpoints(31337, false), qt.Equals, 1)

	client, err := p.Client(chainID)
	c.Assert(err, qt.IsNil)
	n, err := client.BlockNumber(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(5))
	id, err := client.ChainID(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(id.Uint64(), qt.Equals, uint64(31337))
}

func TestClientFailsOver(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	dead := newFakeNode(t, 31337, 1)
	alive := newFakeNode(t, 31337, 9)

	p := NewPool()
	defer p.Close()
	_, err := p.AddEndpoint(ctx, dead.URL)
	c.Assert(err, qt.IsNil)
	_, err = p.AddEndpoint(ctx, alive.URL)
	c.Assert(err, qt.IsNil)
	dead.Close()

	client, err := p.Client(31337)
	c.Assert(err, qt.IsNil)
	n, err := client.BlockNumber(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(9))
	c.Assert(p.NumberOfEndpoints(31337, true), qt.Equals, 1)
}

func TestRetryAndCheckErr(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	testErr := errors.New("connection reset")

	c.Run("switches endpoint", func(c *qt.C) {
		client := &Client{pool: poolWith(1, "a", "b"), chainID: 1}
		var seen []string
		err := client.retryAndCheckErr(ctx, func(e *Endpoint) error {
			seen = append(seen, e.URI)
			if e.URI == "a" {
				return testErr
			}
			return nil
		})
		c.Assert(err, qt.IsNil)
		c.Assert(seen, qt.DeepEquals, []string{"a", "a", "b"})
	})

	c.Run("all endpoints fail", func(c *qt.C) {
		p := poolWith(1, "a", "b")
		client := &Client{pool: p, chainID: 1}
		calls := 0
		err := client.retryAndCheckErr(ctx, func(*Endpoint) error {
			calls++
			return testErr
		})
		c.Assert(err, qt.ErrorIs, testErr)
		c.Assert(calls, qt.Equals, 2*defaultRetries)
		// everything was parked, so everything came back
		c.Assert(p.NumberOfEndpoints(1, true), qt.Equals, 2)
	})

	c.Run("permanent error is not retried", func(c *qt.C) {
		client := &Client{pool: poolWith(1, "a", "b"), chainID: 1}
		calls := 0
		err := client.retryAndCheckErr(ctx, func(*Endpoint) error {
			calls++
			return fmt.Errorf("wrapped: %w", ethereum.NotFound)
		})
		c.Assert(err, qt.ErrorIs, ethereum.NotFound)
		c.Assert(calls, qt.Equals, 1)
	})

	c.Run("canceled context", func(c *qt.C) {
		client := &Client{pool: poolWith(1, "a"), chainID: 1}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := client.retryAndCheckErr(cctx, func(*Endpoint) error { return testErr })
		c.Assert(err, qt.ErrorIs, context.Canceled)
	})

	c.Run("no endpoints", func(c *qt.C) {
		client := &Client{pool: NewPool(), chainID: 999}
		err := client.retryAndCheckErr(ctx, func(*Endpoint) error { return nil })
		c.Assert(err, qt.ErrorIs, ErrNoEndpoints)
	})
}

func TestIsPermanentError(t *testing.T) {
	c := qt.New(t)
	c.Assert(IsPermanentError(nil), qt.IsFalse)
	c.Assert(IsPermanentError(errors.New("i/o timeout")), qt.IsFalse)
	c.Assert(IsPermanentError(errors.New("execution reverted: not owner")), qt.IsTrue)
	c.Assert(IsPermanentError(errors.New("Insufficient funds for gas * price + value")), qt.IsTrue)
	c.Assert(IsPermanentError(errors.New("nonce too low: next nonce 4, tx nonce 3")), qt.IsTrue)
	c.Assert(IsPermanentError(ethereum.NotFound), qt.IsTrue)
}

func TestParseError(t *testing.T) {
	c := qt.New(t)
	c.Assert(ParseError(nil), qt.IsNil)

	plain := ParseError(errors.New("boom"))
	c.Assert(plain.Message, qt.Equals, "boom")
	c.Assert(plain.Code, qt.Equals, 0)

	orig := &RPCError{Code: 3, Message: "execution reverted", Data: []byte{0x08, 0xc3}}
	got := ParseError(fmt.Errorf("call: %w", orig))
	c.Assert(got, qt.Equals, orig)
	c.Assert(got.Error(), qt.Equals, "execution reverted (code: 3, data: 0x08c3)")
}
