// Package adapters holds reference strategy implementations. They keep their
// bookkeeping in the shared state so a reverted ledger call also reverts the
// adapter's view of its own principal.
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
)

// Endpoints are the accounts an adapter settles with.
type Endpoints struct {
	Vault     common.Address
	Collector common.Address
}

type principalBook struct {
	state *state.Manager
	key   []byte
}

func newPrincipalBook(st *state.Manager, name string) principalBook {
	return principalBook{state: st, key: []byte("adapter/" + name + "/principal")}
}

func (p principalBook) load() (*uint256.Int, error) {
	out := new(uint256.Int)
	if _, err := p.state.KVGet(p.key, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p principalBook) store(v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return p.state.KVDelete(p.key)
	}
	return p.state.KVPut(p.key, v)
}

func (p principalBook) add(v *uint256.Int) error {
	cur, err := p.load()
	if err != nil {
		return err
	}
	next, err := fixedpoint.Add(cur, v)
	if err != nil {
		return err
	}
	return p.store(next)
}

// Passive keeps deployed capital in the vault asset at its own account. Any
// balance above principal is treated as yield and swept to the collector on
// harvest.
type Passive struct {
	name      string
	asset     string
	address   common.Address
	endpoints Endpoints
	state     *state.Manager
	bank      *bank.Bank
	principal principalBook
}

func NewPassive(name, asset string, endpoints Endpoints, st *state.Manager, b *bank.Bank) *Passive {
	key := strings.ToLower(strings.TrimSpace(name))
	return &Passive{
		name:      key,
		asset:     strings.ToUpper(strings.TrimSpace(asset)),
		address:   access.ModuleAddress("strategy/" + key),
		endpoints: endpoints,
		state:     st,
		bank:      b,
		principal: newPrincipalBook(st, key),
	}
}

func (p *Passive) Name() string             { return p.name }
func (p *Passive) PrimaryHeldAsset() string { return p.asset }
func (p *Passive) Address() common.Address  { return p.address }

// Principal returns capital deployed and not yet unwound.
func (p *Passive) Principal(ctx context.Context) (principal *uint256.Int, err error) {
	err = p.state.View(ctx, func(context.Context) error {
		principal, err = p.principal.load()
		return err
	})
	return principal, err
}

func (p *Passive) Deploy(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	err := p.state.Execute(ctx, func(context.Context) error {
		return p.principal.add(amount)
	})
	if err != nil {
		return nil, err
	}
	return fixedpoint.Clone(amount), nil
}

func (p *Passive) ReportedValue(ctx context.Context) (*uint256.Int, error) {
	return p.bank.BalanceOf(ctx, p.asset, p.address)
}

func (p *Passive) Harvest(ctx context.Context) (*uint256.Int, error) {
	var surplus *uint256.Int
	err := p.state.Execute(ctx, func(ctx context.Context) error {
		balance, err := p.bank.BalanceOf(ctx, p.asset, p.address)
		if err != nil {
			return err
		}
		principal, err := p.principal.load()
		if err != nil {
			return err
		}
		surplus = fixedpoint.SaturatingSub(balance, principal)
		return p.bank.Transfer(ctx, p.asset, p.address, p.endpoints.Collector, surplus)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: harvest: %w", p.name, err)
	}
	return surplus, nil
}

func (p *Passive) EmergencyUnwind(ctx context.Context) (*uint256.Int, error) {
	var balance *uint256.Int
	err := p.state.Execute(ctx, func(ctx context.Context) error {
		var err error
		if balance, err = p.bank.BalanceOf(ctx, p.asset, p.address); err != nil {
			return err
		}
		if err := p.bank.Transfer(ctx, p.asset, p.address, p.endpoints.Vault, balance); err != nil {
			return err
		}
		return p.principal.store(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: unwind: %w", p.name, err)
	}
	return balance, nil
}
