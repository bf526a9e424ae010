package adapters

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/swapguard"
)

var ErrSwapOutputTooLow = nativecommon.NewError(nativecommon.ClassEconomicSafety, "router: output below minimum")

// Router executes swaps for a trader account.
type Router interface {
	Address() common.Address
	Swap(ctx context.Context, trader common.Address, tokenIn, tokenOut string, amountIn, minOut *uint256.Int) (*uint256.Int, error)
}

// ReserveRouter settles swaps against reserves held at its own account, at the
// oracle rate less a fixed fee.
type ReserveRouter struct {
	address common.Address
	state   *state.Manager
	bank    *bank.Bank
	oracle  swapguard.PriceOracle
	feeBps  uint16
}

func NewReserveRouter(name string, st *state.Manager, b *bank.Bank, oracle swapguard.PriceOracle, feeBps uint16) *ReserveRouter {
	if feeBps > 10_000 {
		feeBps = 10_000
	}
	return &ReserveRouter{
		address: access.ModuleAddress("router/" + name),
		state:   st,
		bank:    b,
		oracle:  oracle,
		feeBps:  feeBps,
	}
}

func (r *ReserveRouter) Address() common.Address { return r.address }

func (r *ReserveRouter) Swap(ctx context.Context, trader common.Address, tokenIn, tokenOut string, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	quote, err := r.oracle.GetRate(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	out := new(big.Rat).Mul(new(big.Rat).SetInt(amountIn.ToBig()), quote.Rate)
	out.Mul(out, big.NewRat(int64(10_000-int(r.feeBps)), 10_000))
	amountOut, overflow := uint256.FromBig(new(big.Int).Quo(out.Num(), out.Denom()))
	if overflow {
		return nil, fmt.Errorf("router: output overflow")
	}
	if minOut != nil && amountOut.Lt(minOut) {
		return nil, fmt.Errorf("%w: %s < %s", ErrSwapOutputTooLow, amountOut.Dec(), minOut.Dec())
	}
	err = r.state.Execute(ctx, func(ctx context.Context) error {
		if err := r.bank.Transfer(ctx, tokenIn, trader, r.address, amountIn); err != nil {
			return err
		}
		return r.bank.Transfer(ctx, tokenOut, r.address, trader, amountOut)
	})
	if err != nil {
		return nil, fmt.Errorf("router: settle: %w", err)
	}
	return amountOut, nil
}
