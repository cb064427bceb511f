package txmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/agrotrace/trace-deployer/log"
)

// Wait blocks until ptx, or one of its replacements, is mined and has the
// configured confirmations. A transaction pending for longer than
// MaxPendingTime is replaced with bumped fees, at most MaxRetries times. A
// mined transaction with failed status returns its receipt and ErrReverted.
// The caller bounds the wait through ctx.
func (tm *TxManager) Wait(ctx context.Context, ptx *PendingTx) (*gtypes.Receipt, error) {
	ticker := time.NewTicker(tm.config.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := tm.findReceipt(ctx, ptx)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			if receipt.Status != gtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: tx %s in block %s", ErrReverted, receipt.TxHash.Hex(), receipt.BlockNumber)
			}
			if err := tm.waitConfirmations(ctx, receipt); err != nil {
				return receipt, err
			}
			return receipt, nil
		}
		if time.Since(ptx.SentAt) >= tm.config.MaxPendingTime {
			if err := tm.speedUp(ctx, ptx); err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("wait for tx %s: %w", ptx.Hash.Hex(), ctx.Err())
				}
				log.Warnw("failed to replace stuck transaction", "hash", ptx.Hash.Hex(), "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for tx %s: %w", ptx.Hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// findReceipt looks for a receipt of any version of ptx, newest first. It
// returns nil while none is mined.
func (tm *TxManager) findReceipt(ctx context.Context, ptx *PendingTx) (*gtypes.Receipt, error) {
	for i := len(ptx.Hashes) - 1; i >= 0; i-- {
		hash := ptx.Hashes[i]
		receipt, err := tm.cli.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if hash != ptx.Hash {
				log.Infow("earlier version of transaction was mined", "hash", hash.Hex(), "latest", ptx.Hash.Hex())
			}
			return receipt, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
			return nil, fmt.Errorf("wait for tx %s: %w", ptx.Hash.Hex(), ctx.Err())
		default:
			log.Debugw("transaction receipt lookup failed", "hash", hash.Hex(), "error", err)
		}
	}
	return nil, nil
}

// speedUp rebroadcasts ptx with the same nonce and bumped fees.
func (tm *TxManager) speedUp(ctx context.Context, ptx *PendingTx) error {
	if ptx.Replacements >= tm.config.MaxRetries {
		return nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// wait another period before trying again, whatever happens below
	defer func() { ptx.SentAt = time.Now() }()

	fees, err := tm.bumpFees(ctx, ptx.Fees)
	if errors.Is(err, errFeeCapReached) {
		log.Warnw("transaction stuck at maximum gas price", "hash", ptx.Hash.Hex(), "feeCap", ptx.Fees.FeeCap)
		return nil
	}
	if err != nil {
		return err
	}
	tx, err := tm.signTx(ptx.Nonce, fees, ptx.req)
	if err != nil {
		return err
	}
	err = tm.cli.SendTransaction(ctx, tx)
	switch {
	case err == nil, isAlreadyKnown(err):
	case isNonceTooLow(err):
		// an earlier version got mined, its receipt will show up
		return nil
	case isUnderpriced(err):
		ptx.Fees = fees
		return nil
	default:
		return fmt.Errorf("send replacement: %w", err)
	}
	ptx.Replacements++
	ptx.Fees = fees
	ptx.Hash = tx.Hash()
	ptx.Hashes = append(ptx.Hashes, tx.Hash())
	log.Warnw("replaced stuck transaction",
		"nonce", ptx.Nonce,
		"hash", tx.Hash().Hex(),
		"replacement", ptx.Replacements,
		"feeCap", fees.FeeCap,
		"tipCap", fees.TipCap)
	return nil
}

// waitConfirmations blocks until head >= receiptBlock + confirmations - 1.
func (tm *TxManager) waitConfirmations(ctx context.Context, receipt *gtypes.Receipt) error {
	if tm.config.Confirmations <= 1 {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + tm.config.Confirmations - 1
	for {
		head, err := tm.cli.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		if err != nil {
			log.Debugw("block number lookup failed", "error", err)
		}
		if err := sleep(ctx, tm.config.PollInterval); err != nil {
			return fmt.Errorf("wait for %d confirmations of %s: %w", tm.config.Confirmations, receipt.TxHash.Hex(), err)
		}
	}
}
