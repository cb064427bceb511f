package rpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agrotrace/trace-deployer/log"
)

const (
	// defaultRetries is the number of attempts on one endpoint before moving
	// to the next.
	defaultRetries = 2
	// defaultRetrySleep is the pause between attempts on the same endpoint.
	defaultRetrySleep = 200 * time.Millisecond
)

var defaultTimeout = 5 * time.Second

// Client talks to one chain through the endpoints registered in a Pool. Every
// call is retried and fails over to the next endpoint, so callers see a
// single reliable backend.
type Client struct {
	pool    *Pool
	chainID uint64
}

// ChainID returns the chain ID the client is bound to. It is answered
// locally; the endpoints were checked when they joined the pool.
func (c *Client) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(c.chainID), nil
}

// BlockNumber returns the most recent block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.BlockNumber(ctx)
	})
}

// HeaderByNumber returns a block header, the latest one if number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (*gethtypes.Header, error) {
		return cli.HeaderByNumber(ctx, number)
	})
}

// BalanceAt returns the wei balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.BalanceAt(ctx, account, blockNumber)
	})
}

// NonceAt returns the nonce of account at the given block.
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.NonceAt(ctx, account, blockNumber)
	})
}

// PendingNonceAt returns the nonce of account including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.PendingNonceAt(ctx, account)
	})
}

// CodeAt returns the contract code at account.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.CodeAt(ctx, account, blockNumber)
	})
}

// CallContract executes a message call without creating a transaction.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.CallContract(ctx, msg, blockNumber)
	})
}

// EstimateGas estimates the gas needed by msg.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.EstimateGas(ctx, msg)
	})
}

// SuggestGasTipCap returns a priority fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.SuggestGasTipCap(ctx)
	})
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (struct{}, error) {
		return struct{}{}, cli.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns the receipt of a mined transaction, or an error
// wrapping ethereum.NotFound while it is pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	return call(ctx, c, func(ctx context.Context, cli *ethclient.Client) (*gethtypes.Receipt, error) {
		return cli.TransactionReceipt(ctx, hash)
	})
}

// call runs fn against the pool endpoints with a per attempt timeout.
func call[T any](ctx context.Context, c *Client, fn func(context.Context, *ethclient.Client) (T, error)) (T, error) {
	var out T
	err := c.retryAndCheckErr(ctx, func(e *Endpoint) error {
		attemptCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		res, err := fn(attemptCtx, e.client)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// retryAndCheckErr tries fn up to defaultRetries times on an endpoint, then
// parks that endpoint and moves to the next one, until every endpoint of
// the chain has been tried. Permanent errors and context cancellation stop it
// right away.
func (c *Client) retryAndCheckErr(ctx context.Context, fn func(*Endpoint) error) error {
	total := c.pool.NumberOfEndpoints(c.chainID, false)
	if total == 0 {
		return fmt.Errorf("chain %d: %w", c.chainID, ErrNoEndpoints)
	}

	tried := make(map[string]bool, total)
	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		endpoint, err := c.pool.Endpoint(c.chainID)
		if err != nil {
			return fmt.Errorf("get endpoint for chain %d: %w", c.chainID, err)
		}
		if tried[endpoint.URI] {
			// rotation came back around early: parked endpoints were revived
			break
		}
		tried[endpoint.URI] = true

		for retry := range defaultRetries {
			err := fn(endpoint)
			if err == nil {
				if attempt > 0 {
					log.Infow("rpc call succeeded after endpoint switch",
						"chainID", c.chainID,
						"uri", endpoint.URI,
						"endpointAttempts", attempt+1)
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("rpc call canceled: %w", ctxErr)
			}
			if IsPermanentError(err) {
				return err
			}
			lastErr = err
			if rpcErr := ParseError(err); rpcErr.Code != 0 {
				lastErr = fmt.Errorf("%w (code: %d, data: %s)", err, rpcErr.Code, rpcErr.Data)
			}
			if retry < defaultRetries-1 {
				select {
				case <-ctx.Done():
					return fmt.Errorf("rpc call canceled: %w", ctx.Err())
				case <-time.After(defaultRetrySleep):
				}
			}
		}

		log.Warnw("rpc endpoint failed, switching to next",
			"chainID", c.chainID,
			"uri", endpoint.URI,
			"error", lastErr,
			"retries", defaultRetries)
		c.pool.DisableEndpoint(c.chainID, endpoint.URI)
	}
	return fmt.Errorf("all endpoints failed for chain %d after trying %d: %w", c.chainID, len(tried), lastErr)
}
