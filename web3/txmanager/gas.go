package txmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/agrotrace/trace-deployer/log"
)

// DefaultEstimateGasTimeout bounds a whole gas estimation.
const DefaultEstimateGasTimeout = 20 * time.Second

// GasEstimateOpts tunes EstimateGas.
type GasEstimateOpts struct {
	MinGas    uint64        // lowest gas limit returned
	MaxGas    uint64        // highest gas limit returned
	SafetyBps int           // margin added to the estimate, in basis points
	Retries   int           // extra eth_estimateGas attempts
	Backoff   time.Duration // pause between attempts
	Timeout   time.Duration // bound for the whole estimation
}

// DefaultGasEstimateOpts leaves room for contract creation: a 20% margin
// and up to 15M gas.
var DefaultGasEstimateOpts = GasEstimateOpts{
	MinGas:    21_000,
	MaxGas:    15_000_000,
	SafetyBps: 2000,
	Retries:   3,
	Backoff:   250 * time.Millisecond,
	Timeout:   DefaultEstimateGasTimeout,
}

func (o GasEstimateOpts) withDefaults() GasEstimateOpts {
	d := DefaultGasEstimateOpts
	if o.MinGas == 0 {
		o.MinGas = d.MinGas
	}
	if o.MaxGas == 0 {
		o.MaxGas = d.MaxGas
	}
	if o.SafetyBps == 0 {
		o.SafetyBps = d.SafetyBps
	}
	if o.Retries == 0 {
		o.Retries = d.Retries
	}
	if o.Backoff == 0 {
		o.Backoff = d.Backoff
	}
	if o.Timeout == 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// EstimateGas returns a gas limit for msg. It asks the node with
// eth_estimateGas, retrying on failure, and falls back to a binary search
// over eth_call. A revert is returned as ErrReverted since no gas limit can
// fix it.
func (tm *TxManager) EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts *GasEstimateOpts) (uint64, error) {
	o := DefaultGasEstimateOpts
	if opts != nil {
		o = opts.withDefaults()
	}
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= o.Retries; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, o.Backoff); serr != nil {
				return 0, fmt.Errorf("estimate gas: %w (last error: %v)", serr, err)
			}
		}
		var gas uint64
		gas, err = tm.cli.EstimateGas(ctx, msg)
		if err == nil {
			return applySafetyMargin(gas, o), nil
		}
		if isRevert(err) {
			return 0, fmt.Errorf("%w: estimate gas: %w", ErrReverted, err)
		}
	}
	log.Warnw("eth_estimateGas failed, falling back to binary search", "error", err)

	low, high := o.MinGas, o.MaxGas
	succeeds := func(limit uint64) (bool, error) {
		msg.Gas = limit
		_, callErr := tm.cli.CallContract(ctx, msg, nil)
		if callErr == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	if ok, err := succeeds(high); err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	} else if !ok {
		return 0, fmt.Errorf("%w: call fails with %d gas", ErrReverted, high)
	}
	if ok, err := succeeds(low); err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	} else if ok {
		return applySafetyMargin(low, o), nil
	}
	for low+1000 < high {
		mid := low + (high-low)/2
		ok, err := succeeds(mid)
		if err != nil {
			return 0, fmt.Errorf("estimate gas: %w", err)
		}
		if ok {
			high = mid
		} else {
			low = mid + 1
		}
	}
	return applySafetyMargin(high, o), nil
}

// applySafetyMargin adds the safety buffer and clamps to the limits.
func applySafetyMargin(gas uint64, o GasEstimateOpts) uint64 {
	gas += gas * uint64(o.SafetyBps) / 10_000
	return min(max(gas, o.MinGas), o.MaxGas)
}
