// Package txmanager sends EIP-1559 transactions from a single account and
// follows them until they are confirmed. Transactions that stay pending for
// too long are replaced with higher fees.
package txmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	ethSigner "github.com/agrotrace/trace-deployer/crypto/ethereum"
	"github.com/agrotrace/trace-deployer/log"
)

const (
	defaultMaxPendingTime  = 2 * time.Minute
	defaultMaxRetries      = 5
	defaultMaxGasPriceGwei = 300
	defaultPollInterval    = time.Second
	defaultConfirmations   = 1
)

// Config holds the transaction policy.
type Config struct {
	ChainID *big.Int
	// Confirmations is how many blocks, the inclusion block included, must
	// exist before a transaction counts as confirmed.
	Confirmations uint64
	// MaxPendingTime is how long a transaction may stay pending before it
	// is replaced with higher fees.
	MaxPendingTime time.Duration
	// MaxRetries bounds the replacements of a single transaction.
	MaxRetries int
	// MaxGasPrice caps the fee per gas, in wei.
	MaxGasPrice  *big.Int
	PollInterval time.Duration
}

// DefaultConfig returns the default policy for chainID.
func DefaultConfig(chainID uint64) Config {
	return Config{
		ChainID:        new(big.Int).SetUint64(chainID),
		Confirmations:  defaultConfirmations,
		MaxPendingTime: defaultMaxPendingTime,
		MaxRetries:     defaultMaxRetries,
		MaxGasPrice:    gwei(defaultMaxGasPriceGwei),
		PollInterval:   defaultPollInterval,
	}
}

// withDefaults fills the zero values of c.
func (c Config) withDefaults() Config {
	d := DefaultConfig(0)
	if c.Confirmations == 0 {
		c.Confirmations = d.Confirmations
	}
	if c.MaxPendingTime == 0 {
		c.MaxPendingTime = d.MaxPendingTime
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxGasPrice == nil {
		c.MaxGasPrice = d.MaxGasPrice
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Backend is the chain access the manager needs. rpc.Client and the
// go-ethereum simulated backend client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error)
}

// TxManager sends transactions signed by one key. Sends are serialized so
// nonces are handed out in order.
type TxManager struct {
	cli    Backend
	signer *ethSigner.Signer
	config Config
	mu     sync.Mutex
}

// New creates a transaction manager. It checks that the backend serves the
// configured chain.
func New(ctx context.Context, cli Backend, signer *ethSigner.Signer, config Config) (*TxManager, error) {
	if cli == nil || signer == nil {
		return nil, errors.New("txmanager: backend and signer are required")
	}
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, errors.New("txmanager: chain ID is required")
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	if chainID.Cmp(config.ChainID) != 0 {
		return nil, fmt.Errorf("%w: node serves %s, expected %s", ErrChainMismatch, chainID, config.ChainID)
	}
	nonce, err := cli.NonceAt(ctx, signer.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("get on-chain nonce: %w", err)
	}
	tm := &TxManager{
		cli:    cli,
		signer: signer,
		config: config.withDefaults(),
	}
	log.Debugw("transaction manager ready",
		"chainID", config.ChainID,
		"account", signer.Address().Hex(),
		"nonce", nonce,
		"confirmations", tm.config.Confirmations)
	return tm, nil
}

// Address returns the sending account.
func (tm *TxManager) Address() common.Address {
	return tm.signer.Address()
}

// Backend returns the chain backend.
func (tm *TxManager) Backend() Backend {
	return tm.cli
}

// SendAndWait sends req and waits until it is confirmed.
func (tm *TxManager) SendAndWait(ctx context.Context, req Request) (*gtypes.Receipt, error) {
	ptx, err := tm.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return tm.Wait(ctx, ptx)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
