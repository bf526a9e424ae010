// Package vault implements the share ledger: it holds idle capital, prices
// deposits against net asset value and deploys capital across the registered
// strategies.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"yieldvault/core/events"
	"yieldvault/core/fixedpoint"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	nativecommon "yieldvault/native/common"
	"yieldvault/observability"
	"yieldvault/observability/logging"
)

// Vault is the share ledger engine. Every mutating entry point runs inside a
// single state execution and holds the vault's re-entrancy guard.
type Vault struct {
	cfg   Config
	scale fixedpoint.Scale

	state      *state.Manager
	bank       *bank.Bank
	strategies strategySource
	policy     *access.Policy
	pauses     Pauser
	guard      *nativecommon.ReentrancyGuard

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.VaultMetrics
}

// New validates cfg and wires the vault to its collaborators.
func New(cfg Config, st *state.Manager, b *bank.Bank, strategies strategySource, policy *access.Policy) (*Vault, error) {
	cfg = cfg.withDefaults()
	if cfg.Asset == "" {
		return nil, fmt.Errorf("%w: asset symbol required", ErrInvalidConfig)
	}
	if cfg.MinDeploymentEfficiencyBps > fixedpoint.BasisPoints {
		return nil, fmt.Errorf("%w: min deployment efficiency %d bps", ErrInvalidConfig, cfg.MinDeploymentEfficiencyBps)
	}
	scale, err := fixedpoint.NewScale(cfg.AssetDecimals)
	if err != nil {
		return nil, err
	}
	if st == nil || b == nil || strategies == nil || policy == nil {
		return nil, fmt.Errorf("%w: missing collaborator", ErrInvalidConfig)
	}
	return &Vault{
		cfg:        cfg,
		scale:      scale,
		state:      st,
		bank:       b,
		strategies: strategies,
		policy:     policy,
		guard:      nativecommon.NewReentrancyGuard(ModuleName),
		logger:     logging.Component(nil, "vault"),
		tracer:     otel.Tracer("yieldvault/vault"),
		metrics:    observability.Vault(),
	}, nil
}

// SetLogger replaces the component logger.
func (v *Vault) SetLogger(logger *slog.Logger) {
	if v == nil || logger == nil {
		return
	}
	v.logger = logger.With("component", "vault")
}

// SetPauses wires the pause table consulted by user-facing entry points.
func (v *Vault) SetPauses(p Pauser) {
	if v == nil {
		return
	}
	v.pauses = p
}

func (v *Vault) Address() common.Address { return v.cfg.Address }

func (v *Vault) Asset() string { return v.cfg.Asset }

func (v *Vault) Scale() fixedpoint.Scale { return v.scale }

// IdleValue returns asset units held by the vault and not yet deployed.
func (v *Vault) IdleValue(ctx context.Context) (*uint256.Int, error) {
	return v.readAmount(ctx, idleKey)
}

// TotalSupply returns the outstanding receipt shares.
func (v *Vault) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	return v.readAmount(ctx, supplyKey)
}

// SharesOf returns the share balance of holder.
func (v *Vault) SharesOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	return v.readAmount(ctx, sharesKey(holder))
}

// readAmount loads key under View so callers outside an execution only see
// committed state.
func (v *Vault) readAmount(ctx context.Context, key []byte) (out *uint256.Int, err error) {
	err = v.state.View(ctx, func(context.Context) error {
		out, err = v.loadAmount(key)
		return err
	})
	return out, err
}

func (v *Vault) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := v.tracer.Start(ctx, "vault."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		observability.EndSpan(span, *errp)
		v.metrics.Observe("vault."+op, time.Since(start), *errp)
	}
}

// TotalAssets returns idle value plus the reported value of every active
// strategy. A strategy that cannot report fails the whole query.
func (v *Vault) TotalAssets(ctx context.Context) (*uint256.Int, error) {
	var total *uint256.Int
	err := v.state.View(ctx, func(ctx context.Context) error {
		var err error
		total, err = v.totalAssets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

func (v *Vault) totalAssets(ctx context.Context) (*uint256.Int, error) {
	total, err := v.loadAmount(idleKey)
	if err != nil {
		return nil, err
	}
	ids, err := v.strategies.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		value, err := v.strategyValue(ctx, id)
		if err != nil {
			return nil, err
		}
		if total, err = fixedpoint.Add(total, value); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func (v *Vault) strategyValue(ctx context.Context, id string) (*uint256.Int, error) {
	impl, err := v.strategies.Impl(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStrategyValueUnavailable, id, err)
	}
	value, err := impl.ReportedValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStrategyValueUnavailable, id, err)
	}
	return fixedpoint.Clone(value), nil
}

// exclusive runs fn in an execution with the vault's busy flag held. The flag
// is taken under the execution lock, so concurrent callers queue on the lock
// and only re-entry from the same call stack fails with ErrReentrantCall.
func (v *Vault) exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return v.state.Execute(ctx, func(ctx context.Context) error {
		release, err := v.guard.Enter()
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx)
	})
}

// Deposit moves assets from payer into the vault and mints shares to
// receiver, priced against the totals observed before the transfer.
func (v *Vault) Deposit(ctx context.Context, payer common.Address, assets *uint256.Int, receiver common.Address) (shares *uint256.Int, err error) {
	ctx, done := v.begin(ctx, "deposit",
		attribute.String("payer", payer.Hex()),
		attribute.String("receiver", receiver.Hex()),
	)
	defer done(&err)

	if receiver == (common.Address{}) || payer == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := nativecommon.Guard(v.pauses, ModuleName); err != nil {
		return nil, err
	}
	var totalBefore, supply, idle *uint256.Int
	err = v.exclusive(ctx, func(ctx context.Context) error {
		var err error
		if totalBefore, err = v.totalAssets(ctx); err != nil {
			return err
		}
		if supply, err = v.loadAmount(supplyKey); err != nil {
			return err
		}
		minted, err := fixedpoint.ConvertToShares(v.scale, assets, totalBefore, supply)
		if err != nil {
			return err
		}
		if minted.IsZero() {
			return fmt.Errorf("%w: deposit of %s mints no shares", ErrZeroAmount, assets.Dec())
		}
		if err := v.bank.Transfer(ctx, v.cfg.Asset, payer, v.cfg.Address, assets); err != nil {
			return err
		}
		if idle, err = v.loadAmount(idleKey); err != nil {
			return err
		}
		if idle, err = fixedpoint.Add(idle, assets); err != nil {
			return err
		}
		if supply, err = fixedpoint.Add(supply, minted); err != nil {
			return err
		}
		balance, err := v.loadAmount(sharesKey(receiver))
		if err != nil {
			return err
		}
		balance.Add(balance, minted)
		if err := v.storeAmount(idleKey, idle); err != nil {
			return err
		}
		if err := v.storeAmount(supplyKey, supply); err != nil {
			return err
		}
		if err := v.storeAmount(sharesKey(receiver), balance); err != nil {
			return err
		}
		shares = minted
		v.state.Emit(events.VaultDeposited{Caller: payer, Receiver: receiver, AssetsIn: fixedpoint.Clone(assets), SharesOut: fixedpoint.Clone(minted)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.metrics.RecordDeposit(assets, shares)
	nav := new(uint256.Int).Add(totalBefore, assets)
	v.metrics.SetVaultState(idle, nav, supply)
	return shares, nil
}

// TransferShares moves receipt shares between holders. Shares are never
// redeemed for assets; transfer is the only way to exit a position.
func (v *Vault) TransferShares(ctx context.Context, from, to common.Address, amount *uint256.Int) (err error) {
	ctx, done := v.begin(ctx, "transfer_shares")
	defer done(&err)

	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	if err := nativecommon.Guard(v.pauses, ModuleName); err != nil {
		return err
	}
	return v.exclusive(ctx, func(ctx context.Context) error {
		fromBal, err := v.loadAmount(sharesKey(from))
		if err != nil {
			return err
		}
		if fromBal.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s", ErrInsufficientShares, from.Hex(), fromBal.Dec())
		}
		if from == to {
			return nil
		}
		toBal, err := v.loadAmount(sharesKey(to))
		if err != nil {
			return err
		}
		fromBal.Sub(fromBal, amount)
		toBal.Add(toBal, amount)
		if err := v.storeAmount(sharesKey(from), fromBal); err != nil {
			return err
		}
		if err := v.storeAmount(sharesKey(to), toBal); err != nil {
			return err
		}
		v.state.Emit(events.VaultSharesTransferred{From: from, To: to, Amount: fixedpoint.Clone(amount)})
		return nil
	})
}

// ValueOf prices a holder's shares at the current net asset value.
func (v *Vault) ValueOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	var value *uint256.Int
	err := v.state.View(ctx, func(ctx context.Context) error {
		shares, err := v.loadAmount(sharesKey(holder))
		if err != nil {
			return err
		}
		if shares.IsZero() {
			value = new(uint256.Int)
			return nil
		}
		total, err := v.totalAssets(ctx)
		if err != nil {
			return err
		}
		supply, err := v.loadAmount(supplyKey)
		if err != nil {
			return err
		}
		value, err = fixedpoint.ConvertToAssets(shares, total, supply)
		return err
	})
	return value, err
}

// Pause halts deposits, share transfers and rebalances. Governor or guardian.
func (v *Vault) Pause(ctx context.Context, caller common.Address) error {
	return v.setPaused(caller, true)
}

// Unpause resumes a paused vault. Governor or guardian.
func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	return v.setPaused(caller, false)
}

func (v *Vault) setPaused(caller common.Address, paused bool) error {
	if err := v.policy.Authorize(caller, access.RoleGovernor, access.RoleGuardian).Err(); err != nil {
		return err
	}
	if v.pauses == nil {
		return fmt.Errorf("%w: pause table not configured", ErrInvalidConfig)
	}
	if err := v.pauses.SetPaused(ModuleName, paused); err != nil {
		return err
	}
	v.logger.Warn("vault pause toggled", "paused", paused, "caller", caller.Hex())
	return nil
}

// Snapshot returns a consistent view of the ledger for reporting.
func (v *Vault) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Asset: v.cfg.Asset, Decimals: v.scale.AssetDecimals()}
	if v.pauses != nil {
		snap.Paused = v.pauses.IsPaused(ModuleName)
	}
	err := v.state.View(ctx, func(ctx context.Context) error {
		var err error
		if snap.Idle, err = v.loadAmount(idleKey); err != nil {
			return err
		}
		if snap.TotalSupply, err = v.loadAmount(supplyKey); err != nil {
			return err
		}
		entries, err := v.strategies.List(ctx)
		if err != nil {
			return err
		}
		total := fixedpoint.Clone(snap.Idle)
		for _, entry := range entries {
			pos := Position{StrategyID: entry.ID, Info: entry.Info}
			if pos.TargetBps, err = v.loadTarget(entry.ID); err != nil {
				return err
			}
			if entry.Info.Active {
				if pos.Value, err = v.strategyValue(ctx, entry.ID); err != nil {
					return err
				}
				if total, err = fixedpoint.Add(total, pos.Value); err != nil {
					return err
				}
			}
			snap.Positions = append(snap.Positions, pos)
		}
		snap.TotalAssets = total
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	v.metrics.SetVaultState(snap.Idle, snap.TotalAssets, snap.TotalSupply)
	return snap, nil
}
