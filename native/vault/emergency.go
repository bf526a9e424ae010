package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/events"
	"yieldvault/core/fixedpoint"
	"yieldvault/native/access"
)

// EmergencyWithdrawAll unwinds every active strategy on a best-effort basis.
// A strategy whose unwind fails has its partial effects reverted and is
// skipped. Recovered value is the vault's measured balance increase, capped
// by what the strategy claims to have returned. Returns the idle value after
// recovery. Governor or guardian; not subject to pause.
func (v *Vault) EmergencyWithdrawAll(ctx context.Context, caller common.Address) (idle *uint256.Int, err error) {
	ctx, done := v.begin(ctx, "emergency_withdraw_all")
	defer done(&err)

	if err := v.policy.Authorize(caller, access.RoleGovernor, access.RoleGuardian).Err(); err != nil {
		return nil, err
	}
	recovered := new(uint256.Int)
	failed := 0
	err = v.exclusive(ctx, func(ctx context.Context) error {
		active, err := v.strategies.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, id := range active {
			got, unwindErr := v.unwind(ctx, id)
			if unwindErr != nil {
				failed++
				v.logger.Warn("strategy unwind failed", "strategy", id, "error", unwindErr)
				v.state.Emit(events.VaultUnwindFailed{StrategyID: id, Reason: unwindErr.Error()})
				continue
			}
			recovered.Add(recovered, got)
		}
		if idle, err = v.loadAmount(idleKey); err != nil {
			return err
		}
		if idle, err = fixedpoint.Add(idle, recovered); err != nil {
			return err
		}
		if err := v.storeAmount(idleKey, idle); err != nil {
			return err
		}
		v.state.Emit(events.VaultEmergencyWithdrawal{Recovered: fixedpoint.Clone(recovered), Idle: fixedpoint.Clone(idle), Failed: failed})
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.metrics.RecordEmergency(recovered, failed)
	v.logger.Warn("emergency withdrawal completed", "recovered", recovered.Dec(), "idle", idle.Dec(), "failed", failed)
	return idle, nil
}

// unwind runs a single strategy unwind in its own nested execution so a
// failure reverts only that strategy's effects.
func (v *Vault) unwind(ctx context.Context, id string) (*uint256.Int, error) {
	var recovered *uint256.Int
	err := v.state.Execute(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errPanicked(id, r)
			}
		}()
		impl, err := v.strategies.Impl(id)
		if err != nil {
			return err
		}
		before, err := v.bank.BalanceOf(ctx, v.cfg.Asset, v.cfg.Address)
		if err != nil {
			return err
		}
		reported, err := impl.EmergencyUnwind(ctx)
		if err != nil {
			return err
		}
		after, err := v.bank.BalanceOf(ctx, v.cfg.Asset, v.cfg.Address)
		if err != nil {
			return err
		}
		recovered = fixedpoint.Min(fixedpoint.SaturatingSub(after, before), reported)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}
