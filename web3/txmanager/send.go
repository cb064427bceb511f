package txmanager

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/agrotrace/trace-deployer/log"
)

const (
	sendMaxAttempts     = 10
	cancelGasLimit      = 21_000
	retryBackoff        = 300 * time.Millisecond
	cancelBackoff       = 200 * time.Millisecond
	replacementWaitHint = 400 * time.Millisecond
)

// Request describes a transaction to send.
type Request struct {
	// To is nil for contract creation.
	To    *common.Address
	Data  []byte
	Value *big.Int
	// Gas is estimated when zero.
	Gas uint64
}

// PendingTx is a broadcast transaction that has not been confirmed yet. Every
// replacement keeps the nonce and gets a new hash.
type PendingTx struct {
	Nonce        uint64
	Hash         common.Hash
	Hashes       []common.Hash
	Fees         FeeCaps
	Gas          uint64
	SentAt       time.Time
	Replacements int
	req          Request
}

// Send estimates gas if needed, then signs and broadcasts req with the next
// nonce of the account.
func (tm *TxManager) Send(ctx context.Context, req Request) (*PendingTx, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if req.Gas == 0 {
		gas, err := tm.EstimateGas(ctx, tm.callMsg(req), nil)
		if err != nil {
			return nil, err
		}
		req.Gas = gas
	}
	tx, fees, err := tm.SendTxWithReplacement(ctx, func(nonce uint64, fees FeeCaps) (*gtypes.Transaction, error) {
		tx, err := tm.signTx(nonce, fees, req)
		if err != nil {
			return nil, err
		}
		return tx, tm.cli.SendTransaction(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	log.Infow("transaction sent",
		"hash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"gas", req.Gas,
		"feeCap", fees.FeeCap,
		"tipCap", fees.TipCap,
		"create", req.To == nil)
	return &PendingTx{
		Nonce:  tx.Nonce(),
		Hash:   tx.Hash(),
		Hashes: []common.Hash{tx.Hash()},
		Fees:   fees,
		Gas:    req.Gas,
		SentAt: time.Now(),
		req:    req,
	}, nil
}

// SendTxWithReplacement sends a transaction built by buildAndSend, reconciling
// the nonce with the node and reacting to the usual rejections:
//   - nonce too high: the gap is filled with cancel transactions.
//   - nonce too low: the nonce is fetched again.
//   - underpriced: fees are bumped and the send is retried.
//
// buildAndSend must build, sign and SEND a transaction with the given nonce
// and fees, and return it even when sending failed.
func (tm *TxManager) SendTxWithReplacement(
	ctx context.Context,
	buildAndSend func(nonce uint64, fees FeeCaps) (*gtypes.Transaction, error),
) (*gtypes.Transaction, FeeCaps, error) {
	fees, err := tm.suggestInitialFees(ctx)
	if err != nil {
		return nil, fees, fmt.Errorf("initial fees: %w", err)
	}

	for range sendMaxAttempts {
		nonce, err := tm.nextPendingNonce(ctx)
		if err != nil {
			return nil, fees, fmt.Errorf("pending nonce: %w", err)
		}
		tx, sendErr := buildAndSend(nonce, fees)
		if tx == nil {
			return nil, fees, fmt.Errorf("build tx: %w", sendErr)
		}
		if sendErr == nil || isAlreadyKnown(sendErr) {
			return tx, fees, nil
		}

		switch {
		case isNonceTooHigh(sendErr):
			expected, err := tm.nextPendingNonce(ctx)
			if err != nil {
				return nil, fees, fmt.Errorf("re-fetch pending nonce: %w", err)
			}
			if expected > nonce {
				break
			}
			for n := expected; n < nonce; n++ {
				if fees, err = tm.cancelNonce(ctx, n, fees); err != nil {
					return nil, fees, err
				}
				if err := sleep(ctx, cancelBackoff); err != nil {
					return nil, fees, err
				}
			}
		case isNonceTooLow(sendErr):
			if err := sleep(ctx, retryBackoff); err != nil {
				return nil, fees, err
			}
		case isUnderpriced(sendErr) || isFeeTooLow(sendErr):
			bumped, err := tm.bumpFees(ctx, fees)
			if err != nil {
				return nil, fees, fmt.Errorf("bump fees after %w: %w", sendErr, err)
			}
			fees = bumped
			if err := sleep(ctx, replacementWaitHint); err != nil {
				return nil, fees, err
			}
		default:
			return nil, fees, fmt.Errorf("send tx: %w", sendErr)
		}
	}
	return nil, fees, fmt.Errorf("exhausted attempts (%d) to send tx", sendMaxAttempts)
}

// cancelNonce replaces whatever sits at nonce with an empty self transfer,
// bumping fees once if the node asks for it.
func (tm *TxManager) cancelNonce(ctx context.Context, nonce uint64, fees FeeCaps) (FeeCaps, error) {
	err := tm.sendCancelTx(ctx, nonce, fees)
	if err == nil || isBenignSendErr(err) {
		return fees, nil
	}
	if !isUnderpriced(err) && !isFeeTooLow(err) {
		return fees, fmt.Errorf("cancel nonce %d: %w", nonce, err)
	}
	bumped, bumpErr := tm.bumpFees(ctx, fees)
	if bumpErr != nil {
		return fees, fmt.Errorf("bump fees for cancel: %w", bumpErr)
	}
	if err := tm.sendCancelTx(ctx, nonce, bumped); err != nil && !isBenignSendErr(err) {
		return bumped, fmt.Errorf("cancel nonce %d: %w", nonce, err)
	}
	return bumped, nil
}

func (tm *TxManager) sendCancelTx(ctx context.Context, nonce uint64, fees FeeCaps) error {
	to := tm.signer.Address()
	tx, err := tm.signTx(nonce, fees, Request{To: &to, Gas: cancelGasLimit})
	if err != nil {
		return err
	}
	log.Warnw("canceling nonce gap", "nonce", nonce, "hash", tx.Hash().Hex())
	return tm.cli.SendTransaction(ctx, tx)
}

func (tm *TxManager) nextPendingNonce(ctx context.Context) (uint64, error) {
	return tm.cli.PendingNonceAt(ctx, tm.signer.Address())
}

// signTx builds and signs a dynamic fee transaction.
func (tm *TxManager) signTx(nonce uint64, fees FeeCaps, req Request) (*gtypes.Transaction, error) {
	if req.Gas == 0 {
		return nil, errors.New("gas limit not set")
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx, err := gtypes.SignNewTx(
		(*ecdsa.PrivateKey)(tm.signer),
		gtypes.LatestSignerForChainID(tm.config.ChainID),
		&gtypes.DynamicFeeTx{
			ChainID:   tm.config.ChainID,
			Nonce:     nonce,
			GasTipCap: fees.TipCap,
			GasFeeCap: fees.FeeCap,
			Gas:       req.Gas,
			To:        req.To,
			Value:     value,
			Data:      req.Data,
		})
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return tx, nil
}

func (tm *TxManager) callMsg(req Request) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:  tm.signer.Address(),
		To:    req.To,
		Value: req.Value,
		Data:  req.Data,
	}
}
