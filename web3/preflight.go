package web3

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/agrotrace/trace-deployer/deployment"
	"github.com/agrotrace/trace-deployer/log"
	"github.com/agrotrace/trace-deployer/web3/txmanager"
)

var weiPerEther = uint256.NewInt(1_000_000_000_000_000_000)

// CheckBalance returns the balance of account, failing with
// deployment.ErrInvalidConfig when it is zero.
func CheckBalance(ctx context.Context, cli txmanager.Backend, account common.Address) (*uint256.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, web3QueryTimeout)
	defer cancel()
	wei, err := cli.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("get balance of %s: %w", account.Hex(), err)
	}
	balance, overflow := uint256.FromBig(wei)
	if overflow {
		return nil, fmt.Errorf("balance of %s overflows 256 bits", account.Hex())
	}
	if balance.IsZero() {
		return nil, fmt.Errorf("%w: account %s has no funds", deployment.ErrInvalidConfig, account.Hex())
	}
	log.Infow("deployer account", "address", account.Hex(), "balance", FormatEther(balance)+" ETH")
	return balance, nil
}

// FormatEther renders a wei amount in ether, without trailing zeros.
func FormatEther(wei *uint256.Int) string {
	whole, frac := new(uint256.Int).DivMod(wei, weiPerEther, new(uint256.Int))
	if frac.IsZero() {
		return whole.Dec()
	}
	digits := frac.Dec()
	digits = strings.Repeat("0", 18-len(digits)) + digits
	decimals := strings.TrimRight(digits, "0")
	return whole.Dec() + "." + decimals
}
