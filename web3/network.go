package web3

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/log"
	"github.com/agrotrace/trace-deployer/web3/rpc"
	"github.com/agrotrace/trace-deployer/web3/rpc/chainlist"
)

const (
	// web3QueryTimeout bounds single queries made outside the tx manager.
	web3QueryTimeout = 10 * time.Second
	// readyRetryInterval is the polling interval of WaitReadyRPC.
	readyRetryInterval = 500 * time.Millisecond
	// discoveredEndpoints is how many public endpoints are added on top of
	// the configured ones.
	discoveredEndpoints = 3
)

// Connect builds an RPC pool over rpcs. Endpoints that cannot be reached are
// skipped; the remaining ones must all serve expectedChainID.
func Connect(ctx context.Context, rpcs []string, expectedChainID uint64) (*rpc.Pool, *rpc.Client, error) {
	pool := rpc.NewPool()
	added := 0
	for _, uri := range rpcs {
		chainID, err := pool.AddEndpoint(ctx, uri)
		if err != nil {
			log.Warnw("skipping web3 endpoint", "rpc", uri, "error", err)
			continue
		}
		if chainID != expectedChainID {
			pool.Close()
			return nil, nil, fmt.Errorf("%w: endpoint %s serves chain %d, expected %d",
				deployment.ErrInvalidConfig, uri, chainID, expectedChainID)
		}
		added++
	}
	if added == 0 {
		pool.Close()
		return nil, nil, fmt.Errorf("%w: no usable web3 endpoint among %d configured", deployment.ErrInvalidConfig, len(rpcs))
	}
	cli, err := pool.Client(expectedChainID)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, web3QueryTimeout)
	defer cancel()
	head, err := cli.BlockNumber(qctx)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("get block number: %w", err)
	}
	log.Infow("web3 client initialized",
		"chainID", expectedChainID,
		"endpoints", added,
		"lastBlock", head)
	return pool, cli, nil
}

// DiscoverEndpoints returns healthy public endpoints of the chain listed on
// chainlist.org.
func DiscoverEndpoints(ctx context.Context, chainID uint64, shortName string) ([]string, error) {
	uris, err := chainlist.EndpointList(ctx, chainID, shortName, discoveredEndpoints)
	if err != nil {
		return nil, fmt.Errorf("discover endpoints: %w", err)
	}
	log.Debugw("public endpoints discovered", "chainID", chainID, "endpoints", uris)
	return uris, nil
}

// WaitReadyRPC polls rpcURL until it answers eth_blockNumber or ctx is done.
// A fresh development node answers with block zero, which counts as ready.
func WaitReadyRPC(ctx context.Context, rpcURL string) error {
	log.Debugw("waiting for RPC to be ready", "url", rpcURL)
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("connect to RPC endpoint: %w", err)
	}
	defer client.Close()

	ticker := time.NewTicker(readyRetryInterval)
	defer ticker.Stop()
	for {
		blockNumber, err := client.BlockNumber(ctx)
		if err == nil {
			log.Infow("RPC is ready", "url", rpcURL, "blockNumber", blockNumber)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for RPC %s: %w (last error: %v)", rpcURL, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
