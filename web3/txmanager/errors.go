package txmanager

import (
	"errors"
	"strings"
)

var (
	// ErrReverted is returned when a transaction, or its gas estimation,
	// reverts.
	ErrReverted = errors.New("transaction reverted")
	// ErrChainMismatch is returned when the backend serves another chain.
	ErrChainMismatch = errors.New("chain ID mismatch")

	errFeeCapReached = errors.New("fee cap reached")
)

func isNonceTooHigh(err error) bool {
	return containsErr(err, "nonce too high")
}

func isNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low")
}

func isUnderpriced(err error) bool {
	return containsErr(err, "replacement transaction underpriced") ||
		containsErr(err, "transaction underpriced") ||
		containsErr(err, "tip too low")
}

func isFeeTooLow(err error) bool {
	return containsErr(err, "fee cap too low") ||
		containsErr(err, "max priority fee per gas higher than max fee per gas") ||
		containsErr(err, "max fee per gas less than block base fee")
}

func isAlreadyKnown(err error) bool {
	return containsErr(err, "already known")
}

func isBenignSendErr(err error) bool {
	return isAlreadyKnown(err) || isNonceTooLow(err)
}

func isRevert(err error) bool {
	return errors.Is(err, ErrReverted) || containsErr(err, "execution reverted")
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), sub)
}
