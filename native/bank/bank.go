// Package bank is the multi-asset balance ledger every engine settles against.
// Balances live in the shared journaled state, so a transfer made inside a
// larger execution is reverted together with it.
package bank

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/state"
	nativecommon "yieldvault/native/common"
)

var (
	ErrInsufficientBalance = nativecommon.NewError(nativecommon.ClassMisuse, "bank: insufficient balance")
	ErrInvalidAsset        = nativecommon.NewError(nativecommon.ClassConfiguration, "bank: asset symbol required")
	ErrSupplyOverflow      = nativecommon.NewError(nativecommon.ClassInternal, "bank: supply overflow")
)

// Bank stores balances keyed by asset symbol and account.
type Bank struct {
	state *state.Manager
}

func New(st *state.Manager) *Bank {
	return &Bank{state: st}
}

func balanceKey(asset string, addr common.Address) []byte {
	return []byte("bank/balance/" + asset + "/" + strings.ToLower(addr.Hex()))
}

func supplyKey(asset string) []byte {
	return []byte("bank/supply/" + asset)
}

func normaliseAsset(asset string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" {
		return "", ErrInvalidAsset
	}
	return trimmed, nil
}

func (b *Bank) load(key []byte) (*uint256.Int, error) {
	out := new(uint256.Int)
	ok, err := b.state.KVGet(key, out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return out, nil
}

func (b *Bank) store(key []byte, value *uint256.Int) error {
	if value.IsZero() {
		return b.state.KVDelete(key)
	}
	return b.state.KVPut(key, value)
}

// BalanceOf returns the account balance for asset. Outside an execution only
// committed state is visible.
func (b *Bank) BalanceOf(ctx context.Context, asset string, addr common.Address) (*uint256.Int, error) {
	sym, err := normaliseAsset(asset)
	if err != nil {
		return nil, err
	}
	return b.read(ctx, balanceKey(sym, addr))
}

// Supply returns the total minted amount of asset.
func (b *Bank) Supply(ctx context.Context, asset string) (*uint256.Int, error) {
	sym, err := normaliseAsset(asset)
	if err != nil {
		return nil, err
	}
	return b.read(ctx, supplyKey(sym))
}

func (b *Bank) read(ctx context.Context, key []byte) (out *uint256.Int, err error) {
	err = b.state.View(ctx, func(context.Context) error {
		out, err = b.load(key)
		return err
	})
	return out, err
}

// Transfer moves amount of asset between accounts. A zero amount is a no-op.
func (b *Bank) Transfer(ctx context.Context, asset string, from, to common.Address, amount *uint256.Int) error {
	sym, err := normaliseAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() || from == to {
		return nil
	}
	return b.state.Execute(ctx, func(context.Context) error {
		fromBal, err := b.load(balanceKey(sym, from))
		if err != nil {
			return err
		}
		if fromBal.Lt(amount) {
			return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal.Dec(), sym, amount.Dec())
		}
		toBal, err := b.load(balanceKey(sym, to))
		if err != nil {
			return err
		}
		fromBal.Sub(fromBal, amount)
		toBal.Add(toBal, amount)
		if err := b.store(balanceKey(sym, from), fromBal); err != nil {
			return err
		}
		return b.store(balanceKey(sym, to), toBal)
	})
}

// Mint credits new units of asset to an account.
func (b *Bank) Mint(ctx context.Context, asset string, to common.Address, amount *uint256.Int) error {
	sym, err := normaliseAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	return b.state.Execute(ctx, func(context.Context) error {
		supply, err := b.load(supplyKey(sym))
		if err != nil {
			return err
		}
		if _, overflow := supply.AddOverflow(supply, amount); overflow {
			return ErrSupplyOverflow
		}
		bal, err := b.load(balanceKey(sym, to))
		if err != nil {
			return err
		}
		bal.Add(bal, amount)
		if err := b.store(supplyKey(sym), supply); err != nil {
			return err
		}
		return b.store(balanceKey(sym, to), bal)
	})
}

// Burn destroys units of asset held by an account.
func (b *Bank) Burn(ctx context.Context, asset string, from common.Address, amount *uint256.Int) error {
	sym, err := normaliseAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	return b.state.Execute(ctx, func(context.Context) error {
		bal, err := b.load(balanceKey(sym, from))
		if err != nil {
			return err
		}
		if bal.Lt(amount) {
			return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount.Dec(), from.Hex())
		}
		supply, err := b.load(supplyKey(sym))
		if err != nil {
			return err
		}
		bal.Sub(bal, amount)
		if supply.Lt(amount) {
			supply.Clear()
		} else {
			supply.Sub(supply, amount)
		}
		if err := b.store(supplyKey(sym), supply); err != nil {
			return err
		}
		return b.store(balanceKey(sym, from), bal)
	})
}
