package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"yieldvault/core/events"
	"yieldvault/core/fixedpoint"
	"yieldvault/native/access"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/strategy"
)

// TargetAllocation returns the non-zero targets in the order they were first
// set.
func (v *Vault) TargetAllocation(ctx context.Context) ([]Target, error) {
	var out []Target
	err := v.state.View(ctx, func(context.Context) error {
		var ids [][]byte
		if err := v.state.KVGetList(allocationIndexKey, &ids); err != nil {
			return err
		}
		out = make([]Target, 0, len(ids))
		for _, raw := range ids {
			bps, err := v.loadTarget(string(raw))
			if err != nil {
				return err
			}
			if bps > 0 {
				out = append(out, Target{StrategyID: string(raw), Bps: bps})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTargetAllocation atomically replaces the targets of the active
// strategies. Every referenced strategy must be active and the new targets
// must sum to exactly 10000 bps. Governor only.
func (v *Vault) SetTargetAllocation(ctx context.Context, caller common.Address, ids []string, bps []uint16) (err error) {
	ctx, done := v.begin(ctx, "set_target_allocation", attribute.Int("targets", len(ids)))
	defer done(&err)

	if err := v.policy.Authorize(caller, access.RoleGovernor).Err(); err != nil {
		return err
	}
	if len(ids) != len(bps) {
		return fmt.Errorf("%w: %d strategies but %d weights", ErrInvalidAllocation, len(ids), len(bps))
	}
	targets := make([]Target, len(ids))
	seen := make(map[string]struct{}, len(ids))
	var sum uint64
	for i, raw := range ids {
		id := normaliseID(raw)
		if id == "" {
			return fmt.Errorf("%w: empty strategy id", ErrInvalidAllocation)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate strategy %s", ErrInvalidAllocation, id)
		}
		seen[id] = struct{}{}
		if bps[i] > fixedpoint.BasisPoints {
			return fmt.Errorf("%w: %s weight %d bps", ErrInvalidAllocation, id, bps[i])
		}
		sum += uint64(bps[i])
		targets[i] = Target{StrategyID: id, Bps: bps[i]}
	}
	if sum != fixedpoint.BasisPoints {
		return fmt.Errorf("%w: new allocation sums to %d", ErrAllocationNotFull, sum)
	}

	return v.state.Execute(ctx, func(ctx context.Context) error {
		for _, target := range targets {
			info, err := v.strategies.Get(ctx, target.StrategyID)
			if err != nil {
				return err
			}
			if !info.Active {
				return fmt.Errorf("%w: %s", ErrStrategyInactive, target.StrategyID)
			}
		}
		active, err := v.strategies.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, id := range active {
			if err := v.storeTarget(id, 0); err != nil {
				return err
			}
		}
		evt := events.VaultAllocationUpdated{Targets: make([]events.AllocationTarget, 0, len(targets))}
		for _, target := range targets {
			if err := v.storeTarget(target.StrategyID, target.Bps); err != nil {
				return err
			}
			evt.Targets = append(evt.Targets, events.AllocationTarget{StrategyID: target.StrategyID, Bps: uint64(target.Bps)})
		}
		v.state.Emit(evt)
		return nil
	})
}

// Rebalance deploys idle capital across the active strategies according to
// the target allocation. Strategies are serviced in registration order and
// each deployment is clamped to the strategy's hard cap and vault fraction
// before any capital moves. A single deployment below the efficiency floor
// reverts the whole call. Keeper only.
func (v *Vault) Rebalance(ctx context.Context, caller common.Address) (report RebalanceReport, err error) {
	ctx, done := v.begin(ctx, "rebalance")
	defer done(&err)

	if err := v.policy.Authorize(caller, access.RoleKeeper).Err(); err != nil {
		return RebalanceReport{}, err
	}
	if err := nativecommon.Guard(v.pauses, ModuleName); err != nil {
		return RebalanceReport{}, err
	}
	err = v.exclusive(ctx, func(ctx context.Context) error {
		var err error
		report, err = v.rebalance(ctx)
		return err
	})
	if err != nil {
		v.metrics.RecordRebalance("reverted", nil)
		v.logger.Warn("rebalance reverted", "error", err)
		return RebalanceReport{}, err
	}
	outcome := "deployed"
	if report.Deployed.IsZero() {
		outcome = "noop"
	}
	v.metrics.RecordRebalance(outcome, report.Deployed)
	return report, nil
}

func (v *Vault) rebalance(ctx context.Context) (RebalanceReport, error) {
	toDeploy, err := v.loadAmount(idleKey)
	if err != nil {
		return RebalanceReport{}, err
	}
	if toDeploy.IsZero() {
		v.state.Emit(events.VaultRebalanceSkipped{Reason: "no idle capital"})
		return RebalanceReport{Deployed: new(uint256.Int), IdleRemaining: new(uint256.Int)}, nil
	}

	active, err := v.strategies.ListActive(ctx)
	if err != nil {
		return RebalanceReport{}, err
	}
	weights := make(map[string]uint16, len(active))
	var sum uint64
	for _, id := range active {
		bps, err := v.loadTarget(id)
		if err != nil {
			return RebalanceReport{}, err
		}
		weights[id] = bps
		sum += uint64(bps)
	}
	if sum != fixedpoint.BasisPoints {
		return RebalanceReport{}, fmt.Errorf("%w: active targets sum to %d", ErrAllocationNotFull, sum)
	}

	totalBefore, err := v.totalAssets(ctx)
	if err != nil {
		return RebalanceReport{}, err
	}

	report := RebalanceReport{Deployed: new(uint256.Int)}
	funded := new(uint256.Int)
	for _, id := range active {
		desired := fixedpoint.ApplyBps(toDeploy, uint64(weights[id]))
		if desired.IsZero() {
			continue
		}
		info, err := v.strategies.Get(ctx, id)
		if err != nil {
			return RebalanceReport{}, err
		}
		impl, err := v.strategies.Impl(id)
		if err != nil {
			return RebalanceReport{}, err
		}
		current, err := v.strategyValue(ctx, id)
		if err != nil {
			return RebalanceReport{}, err
		}
		desired = clampToLimits(desired, current, totalBefore, info)
		if desired.IsZero() {
			continue
		}

		actual, err := v.deploy(ctx, id, impl, desired)
		if err != nil {
			return RebalanceReport{}, err
		}
		floor := fixedpoint.ApplyBps(desired, uint64(v.cfg.MinDeploymentEfficiencyBps))
		if actual.Lt(floor) {
			return RebalanceReport{}, fmt.Errorf("%w: %s deployed %s of %s (floor %s)", ErrDeploymentSlippageExceeded, id, actual.Dec(), desired.Dec(), floor.Dec())
		}
		funded.Add(funded, desired)
		credited := fixedpoint.Min(actual, desired)
		report.Deployed.Add(report.Deployed, credited)
		report.Deployments = append(report.Deployments, Deployment{StrategyID: id, Desired: desired, Actual: actual})
		v.state.Emit(events.VaultStrategyDeployed{StrategyID: id, Desired: fixedpoint.Clone(desired), Deployed: fixedpoint.Clone(actual)})
	}

	idle, err := v.loadAmount(idleKey)
	if err != nil {
		return RebalanceReport{}, err
	}
	// Idle is debited by what left the vault. Crediting only the deployed
	// value would keep any shortfall on the books as idle capital.
	idle.Sub(idle, fixedpoint.Min(funded, idle))
	if err := v.storeAmount(idleKey, idle); err != nil {
		return RebalanceReport{}, err
	}
	report.IdleRemaining = idle
	v.state.Emit(events.VaultRebalanced{
		DeployedValue: fixedpoint.Clone(report.Deployed),
		IdleRemaining: fixedpoint.Clone(idle),
		Strategies:    len(report.Deployments),
	})
	return report, nil
}

// clampToLimits bounds desired by the strategy's remaining hard-cap and
// vault-fraction headroom.
func clampToLimits(desired, current, totalBefore *uint256.Int, info strategy.Info) *uint256.Int {
	out := fixedpoint.Clone(desired)
	if info.HardCapAssetValue != nil && !info.HardCapAssetValue.IsZero() {
		out = fixedpoint.Min(out, fixedpoint.SaturatingSub(info.HardCapAssetValue, current))
	}
	if info.MaxFractionOfVaultBps > 0 {
		limit := fixedpoint.ApplyBps(totalBefore, uint64(info.MaxFractionOfVaultBps))
		out = fixedpoint.Min(out, fixedpoint.SaturatingSub(limit, current))
	}
	return out
}

// deploy funds the strategy account and invokes its deployment entry point.
// Strategies return any capital they did not deploy to the vault account.
func (v *Vault) deploy(ctx context.Context, id string, impl strategy.Strategy, amount *uint256.Int) (*uint256.Int, error) {
	if err := v.bank.Transfer(ctx, v.cfg.Asset, v.cfg.Address, impl.Address(), amount); err != nil {
		return nil, fmt.Errorf("fund strategy %s: %w", id, err)
	}
	actual, err := impl.Deploy(ctx, fixedpoint.Clone(amount))
	if err != nil {
		return nil, fmt.Errorf("deploy strategy %s: %w", id, err)
	}
	return fixedpoint.Clone(actual), nil
}
