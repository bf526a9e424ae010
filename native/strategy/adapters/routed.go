package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/fixedpoint"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	"yieldvault/native/swapguard"
)

// Routed converts deployed capital into a different held asset through a
// guarded router. Its value is the held balance priced at the fresh oracle
// rate, so a stale oracle makes the vault's NAV unavailable rather than wrong.
type Routed struct {
	name      string
	asset     string
	held      string
	address   common.Address
	endpoints Endpoints
	state     *state.Manager
	bank      *bank.Bank
	router    Router
	guard     *swapguard.Guard
	principal principalBook
}

func NewRouted(name, asset, held string, endpoints Endpoints, st *state.Manager, b *bank.Bank, router Router, guard *swapguard.Guard) *Routed {
	key := strings.ToLower(strings.TrimSpace(name))
	return &Routed{
		name:      key,
		asset:     strings.ToUpper(strings.TrimSpace(asset)),
		held:      strings.ToUpper(strings.TrimSpace(held)),
		address:   access.ModuleAddress("strategy/" + key),
		endpoints: endpoints,
		state:     st,
		bank:      b,
		router:    router,
		guard:     guard,
		principal: newPrincipalBook(st, key),
	}
}

func (r *Routed) Name() string             { return r.name }
func (r *Routed) PrimaryHeldAsset() string { return r.held }
func (r *Routed) Address() common.Address  { return r.address }

func (r *Routed) swap(ctx context.Context, tokenIn, tokenOut string, amountIn *uint256.Int) (*uint256.Int, error) {
	minOut, err := r.guard.QuoteMinOut(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	req := swapguard.Request{
		Router:   r.router.Address(),
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
		AmountIn: amountIn,
		MinOut:   minOut,
	}
	if err := r.guard.Validate(ctx, req); err != nil {
		return nil, err
	}
	return r.router.Swap(ctx, r.address, tokenIn, tokenOut, amountIn, minOut)
}

// Deploy swaps amount into the held asset and reports the asset-unit value of
// what was received.
func (r *Routed) Deploy(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	var value *uint256.Int
	err := r.state.Execute(ctx, func(ctx context.Context) error {
		out, err := r.swap(ctx, r.asset, r.held, amount)
		if err != nil {
			return err
		}
		if value, err = r.guard.Valuate(r.held, r.asset, out); err != nil {
			return err
		}
		return r.principal.add(amount)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: deploy: %w", r.name, err)
	}
	return value, nil
}

func (r *Routed) ReportedValue(ctx context.Context) (*uint256.Int, error) {
	held, err := r.bank.BalanceOf(ctx, r.held, r.address)
	if err != nil {
		return nil, err
	}
	value := new(uint256.Int)
	if !held.IsZero() {
		if value, err = r.guard.Valuate(r.held, r.asset, held); err != nil {
			return nil, err
		}
	}
	idle, err := r.bank.BalanceOf(ctx, r.asset, r.address)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(value, idle)
}

// Harvest sells the held balance in excess of principal and sends the
// proceeds to the collector.
func (r *Routed) Harvest(ctx context.Context) (*uint256.Int, error) {
	proceeds := new(uint256.Int)
	err := r.state.Execute(ctx, func(ctx context.Context) error {
		value, err := r.ReportedValue(ctx)
		if err != nil {
			return err
		}
		principal, err := r.principal.load()
		if err != nil {
			return err
		}
		surplus := fixedpoint.SaturatingSub(value, principal)
		if surplus.IsZero() {
			return nil
		}
		sell, err := r.guard.Valuate(r.asset, r.held, surplus)
		if err != nil {
			return err
		}
		held, err := r.bank.BalanceOf(ctx, r.held, r.address)
		if err != nil {
			return err
		}
		sell = fixedpoint.Min(sell, held)
		if sell.IsZero() {
			return nil
		}
		if proceeds, err = r.swap(ctx, r.held, r.asset, sell); err != nil {
			return err
		}
		return r.bank.Transfer(ctx, r.asset, r.address, r.endpoints.Collector, proceeds)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: harvest: %w", r.name, err)
	}
	return proceeds, nil
}

// EmergencyUnwind sells the whole held balance and returns every asset unit
// at the strategy account to the vault.
func (r *Routed) EmergencyUnwind(ctx context.Context) (*uint256.Int, error) {
	var returned *uint256.Int
	err := r.state.Execute(ctx, func(ctx context.Context) error {
		held, err := r.bank.BalanceOf(ctx, r.held, r.address)
		if err != nil {
			return err
		}
		if !held.IsZero() {
			if _, err := r.swap(ctx, r.held, r.asset, held); err != nil {
				return err
			}
		}
		if returned, err = r.bank.BalanceOf(ctx, r.asset, r.address); err != nil {
			return err
		}
		if err := r.bank.Transfer(ctx, r.asset, r.address, r.endpoints.Vault, returned); err != nil {
			return err
		}
		return r.principal.store(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: unwind: %w", r.name, err)
	}
	return returned, nil
}
