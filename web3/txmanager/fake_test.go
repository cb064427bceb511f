package txmanager

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	ethSigner "github.com/agrotrace/trace-deployer/crypto/ethereum"
)

const fakeChainID = 31337

// fakeBackend is a scripted chain. Transactions are mined only when onSend
// says so.
type fakeBackend struct {
	mu       sync.Mutex
	baseFee  *big.Int
	tip      *big.Int
	head     uint64
	nonce    uint64
	sent     []*gtypes.Transaction
	receipts map[common.Hash]*gtypes.Receipt
	estimate uint64
	estErr   error
	// onSend decides what happens to a broadcast transaction. By default it
	// is mined successfully in the next block.
	onSend func(b *fakeBackend, tx *gtypes.Transaction) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		baseFee:  gwei(10),
		tip:      gwei(1),
		head:     100,
		receipts: make(map[common.Hash]*gtypes.Receipt),
		estimate: 100_000,
		onSend: func(b *fakeBackend, tx *gtypes.Transaction) error {
			b.mineLocked(tx, gtypes.ReceiptStatusSuccessful)
			return nil
		},
	}
}

// mineLocked must be called with b.mu held.
func (b *fakeBackend) mineLocked(tx *gtypes.Transaction, status uint64) {
	b.head++
	b.nonce = tx.Nonce() + 1
	b.receipts[tx.Hash()] = &gtypes.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.head),
		GasUsed:     tx.Gas() / 2,
	}
}

func (b *fakeBackend) sentTxs() []*gtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*gtypes.Transaction(nil), b.sent...)
}

func (b *fakeBackend) advance(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head += n
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(fakeChainID), nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &gtypes.Header{Number: new(big.Int).SetUint64(b.head), BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x00}, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Gas < b.estimate {
		return nil, errOutOfGas
	}
	return nil, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimate, b.estErr
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.tip), nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return b.onSend(b, tx)
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type constErr string

func (e constErr) Error() string { return string(e) }

const errOutOfGas = constErr("out of gas")

func testSigner(t testing.TB) *ethSigner.Signer {
	t.Helper()
	s, err := ethSigner.NewSignerFromSeed([]byte("txmanager test key"))
	qt.Assert(t, err, qt.IsNil)
	return s
}

func newTestManager(t testing.TB, b Backend, mutate ...func(*Config)) *TxManager {
	t.Helper()
	cfg := DefaultConfig(fakeChainID)
	cfg.PollInterval = 5 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	tm, err := New(context.Background(), b, testSigner(t), cfg)
	qt.Assert(t, err, qt.IsNil)
	return tm
}
