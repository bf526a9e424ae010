package keeper

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/holiman/uint256"

	"yieldvault/services/vaultd/app"
)

const (
	JobHarvest       = "harvest"
	JobCloseEpoch    = "close_epoch"
	JobRebalance     = "rebalance"
	JobRefreshPrices = "refresh_prices"
)

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return humanize.BigComma(v.ToBig())
}

// Register adds the standard vault jobs, running as the configured keeper
// identity.
func (k *Keeper) Register(a *app.App) error {
	cfg := a.Config.Keeper
	keeperID := a.Keeper()
	jobs := []Job{
		{Name: JobHarvest, Spec: cfg.Harvest, Run: func(ctx context.Context) error {
			report, err := a.Collector.Harvest(ctx, keeperID)
			if err != nil {
				return err
			}
			k.logger.Info("harvest complete",
				"received", amount(report.Received),
				"reported", amount(report.Reported),
				"failed", len(report.Failed))
			return nil
		}},
		{Name: JobCloseEpoch, Spec: cfg.CloseEpoch, Run: func(ctx context.Context) error {
			result, err := a.Distribution.CloseEpoch(ctx, keeperID)
			if err != nil {
				return err
			}
			switch {
			case result.Epoch != nil:
				k.logger.Info("epoch closed",
					"epoch", result.Epoch.Index,
					"net", amount(result.Epoch.NetDistributedValue),
					"fee", amount(result.Epoch.Fee))
			case result.Deferred:
				k.logger.Info("epoch deferred", "pending", amount(result.Pending))
			}
			return nil
		}},
		{Name: JobRebalance, Spec: cfg.Rebalance, Run: func(ctx context.Context) error {
			report, err := a.Vault.Rebalance(ctx, keeperID)
			if err != nil {
				return err
			}
			k.logger.Info("rebalance complete",
				"deployed", amount(report.Deployed),
				"idle", amount(report.IdleRemaining),
				"strategies", len(report.Deployments))
			return nil
		}},
		{Name: JobRefreshPrices, Spec: cfg.RefreshPrices, Run: func(context.Context) error {
			return a.RefreshPrices()
		}},
	}
	for _, job := range jobs {
		if err := k.Add(job); err != nil {
			return fmt.Errorf("keeper: %w", err)
		}
	}
	return nil
}
