// Package chainlist discovers public JSON-RPC endpoints from chainlist.org.
package chainlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/agrotrace/trace-deployer/log"
)

var (
	// ChainListURL is where the chain metadata is fetched from.
	ChainListURL = "https://chainlist.org/rpcs.json"
	// randShuffle is replaced by tests for a stable order.
	randShuffle = rand.Shuffle
	// healthTimeout bounds a single endpoint health check.
	healthTimeout = 3 * time.Second
	// maxConcurrentChecks bounds the health checks in flight.
	maxConcurrentChecks = 8
)

var (
	ErrUnknownChain = errors.New("chain not found in chain list")
	errEnough       = errors.New("enough healthy endpoints")
)

var (
	cacheMtx sync.Mutex
	cached   *List
)

// Chain is the subset of chainlist.org metadata used here.
type Chain struct {
	Name           string         `json:"name"`
	ShortName      string         `json:"shortName"`
	ChainID        uint64         `json:"chainId"`
	RPC            []RPCEntry     `json:"rpc"`
	NativeCurrency NativeCurrency `json:"nativeCurrency"`
}

// RPCEntry is one advertised RPC endpoint.
type RPCEntry struct {
	URL      string `json:"url"`
	Tracking string `json:"tracking,omitempty"`
}

// NativeCurrency describes the chain's native currency.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// List indexes chains by ID and short name.
type List struct {
	byID        map[uint64]*Chain
	byShortName map[string]*Chain
}

// Fetch downloads and indexes the chain list at url.
func Fetch(ctx context.Context, url string) (*List, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chain list: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnw("failed to close chain list body", "error", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chain list: %s", resp.Status)
	}
	var chains []Chain
	if err := json.NewDecoder(resp.Body).Decode(&chains); err != nil {
		return nil, fmt.Errorf("decode chain list: %w", err)
	}
	l := &List{
		byID:        make(map[uint64]*Chain, len(chains)),
		byShortName: make(map[string]*Chain, len(chains)),
	}
	for i := range chains {
		chain := &chains[i]
		l.byID[chain.ChainID] = chain
		l.byShortName[chain.ShortName] = chain
	}
	return l, nil
}

// Chain returns the chain with the given ID, or the given short name when
// chainID is zero.
func (l *List) Chain(chainID uint64, shortName string) (*Chain, error) {
	var (
		chain *Chain
		ok    bool
	)
	switch {
	case chainID != 0:
		chain, ok = l.byID[chainID]
	case shortName != "":
		chain, ok = l.byShortName[shortName]
	default:
		return nil, fmt.Errorf("either chainID or shortName must be provided")
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d, short name %q", ErrUnknownChain, chainID, shortName)
	}
	return chain, nil
}

// ChainIDs maps every short name to its chain ID.
func (l *List) ChainIDs() map[string]uint64 {
	out := make(map[string]uint64, len(l.byShortName))
	for name, chain := range l.byShortName {
		out[name] = chain.ChainID
	}
	return out
}

// Endpoints returns up to n healthy HTTP endpoints of the chain, in random
// order. An endpoint is healthy if it answers with the expected chain ID and
// a non-zero block number. With n <= 0 every healthy endpoint is returned.
func (l *List) Endpoints(ctx context.Context, chainID uint64, shortName string, n int) ([]string, error) {
	chain, err := l.Chain(chainID, shortName)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(chain.RPC))
	for _, entry := range chain.RPC {
		if usableURL(entry.URL) {
			urls = append(urls, entry.URL)
		}
	}
	randShuffle(len(urls), func(i, j int) {
		urls[i], urls[j] = urls[j], urls[i]
	})

	var (
		mtx     sync.Mutex
		healthy = make([]string, 0, max(n, 0))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for _, url := range urls {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if !isHealthyEndpoint(gctx, url, healthTimeout, chain.ChainID) {
				log.Debugw("skipping unhealthy endpoint", "chainID", chain.ChainID, "url", url)
				return nil
			}
			mtx.Lock()
			defer mtx.Unlock()
			if n > 0 && len(healthy) >= n {
				return errEnough
			}
			healthy = append(healthy, url)
			if n > 0 && len(healthy) >= n {
				return errEnough
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errEnough) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return healthy, nil
}

// EndpointList is Endpoints over the chain list at ChainListURL, fetched once
// per process.
func EndpointList(ctx context.Context, chainID uint64, shortName string, n int) ([]string, error) {
	l, err := load(ctx)
	if err != nil {
		return nil, err
	}
	return l.Endpoints(ctx, chainID, shortName, n)
}

func load(ctx context.Context) (*List, error) {
	cacheMtx.Lock()
	defer cacheMtx.Unlock()
	if cached != nil {
		return cached, nil
	}
	l, err := Fetch(ctx, ChainListURL)
	if err != nil {
		return nil, err
	}
	cached = l
	return l, nil
}

// usableURL drops websocket endpoints and templates that need an API key.
func usableURL(url string) bool {
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return false
	}
	return !strings.Contains(url, "${")
}

type healthCheckFunc func(ctx context.Context, endpoint string, timeout time.Duration, chainID uint64) bool

var isHealthyEndpoint healthCheckFunc = func(ctx context.Context, endpoint string, timeout time.Duration, chainID uint64) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := gethrpc.DialOptions(ctx, endpoint, gethrpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return false
	}
	defer client.Close()

	var (
		id    hexutil.Big
		block hexutil.Uint64
	)
	batch := []gethrpc.BatchElem{
		{Method: "eth_chainId", Result: &id},
		{Method: "eth_blockNumber", Result: &block},
	}
	if err := client.BatchCallContext(ctx, batch); err != nil {
		return false
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return false
		}
	}
	return (*big.Int)(&id).Cmp(new(big.Int).SetUint64(chainID)) == 0 && block > 0
}
