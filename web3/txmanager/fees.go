package txmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// FeeCaps are the EIP-1559 fee parameters of a transaction.
type FeeCaps struct {
	TipCap *big.Int // maxPriorityFeePerGas
	FeeCap *big.Int // maxFeePerGas
}

const (
	minTipBumpGwei    = int64(2)
	minFeeCapBumpGwei = int64(5)

	// +12.5%, the minimum geth accepts for a replacement
	bumpFactorNum = int64(1125)
	bumpFactorDen = int64(1000)
)

// suggestInitialFees returns feeCap = 2*baseFee + tip, capped.
func (tm *TxManager) suggestInitialFees(ctx context.Context) (FeeCaps, error) {
	tip, err := tm.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeCaps{}, fmt.Errorf("suggest tip: %w", err)
	}
	baseFee, err := tm.baseFee(ctx)
	if err != nil {
		return FeeCaps{}, err
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tm.capFees(FeeCaps{TipCap: tip, FeeCap: feeCap}), nil
}

// bumpFees raises fees enough for a replacement to be accepted:
//
//	tip'    = max(tip*1.125, tip+2gwei, suggestedTip)
//	feeCap' = max(feeCap*1.125, feeCap+5gwei, 2*baseFee+tip')
//
// It returns errFeeCapReached if the cap leaves no room to bump.
func (tm *TxManager) bumpFees(ctx context.Context, fees FeeCaps) (FeeCaps, error) {
	suggestedTip, err := tm.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, fmt.Errorf("suggest tip: %w", err)
	}
	tip := maxBig(
		mulFrac(fees.TipCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.TipCap, gwei(minTipBumpGwei)),
		suggestedTip,
	)
	baseFee, err := tm.baseFee(ctx)
	if err != nil {
		return fees, err
	}
	target := new(big.Int).Mul(baseFee, big.NewInt(2))
	target.Add(target, tip)
	bumped := tm.capFees(FeeCaps{
		TipCap: tip,
		FeeCap: maxBig(
			mulFrac(fees.FeeCap, bumpFactorNum, bumpFactorDen),
			new(big.Int).Add(fees.FeeCap, gwei(minFeeCapBumpGwei)),
			target,
		),
	})
	// a replacement needs both fields raised by at least 10%
	if bumped.FeeCap.Cmp(mulFrac(fees.FeeCap, 11, 10)) < 0 ||
		bumped.TipCap.Cmp(mulFrac(fees.TipCap, 11, 10)) < 0 {
		return fees, errFeeCapReached
	}
	return bumped, nil
}

// capFees limits the fee cap to MaxGasPrice and the tip to the fee cap.
func (tm *TxManager) capFees(fees FeeCaps) FeeCaps {
	if limit := tm.config.MaxGasPrice; limit != nil && fees.FeeCap.Cmp(limit) > 0 {
		fees.FeeCap = new(big.Int).Set(limit)
	}
	fees.TipCap = minBig(fees.TipCap, fees.FeeCap)
	return fees
}

func (tm *TxManager) baseFee(ctx context.Context) (*big.Int, error) {
	h, err := tm.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("header by number: %w", err)
	}
	if h.BaseFee == nil {
		return nil, errors.New("no base fee in latest header (pre-london chain)")
	}
	return h.BaseFee, nil
}
