package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

const maxBps = 10_000

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a keeper cron spec in the format the keeper runs.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// Validate checks the configuration for values the ledgers would reject.
func (c *Config) Validate() error {
	if c.Asset.Symbol == "" {
		return fmt.Errorf("asset: symbol required")
	}
	if c.Asset.Decimals > 18 {
		return fmt.Errorf("asset: decimals %d exceed share decimals", c.Asset.Decimals)
	}
	if c.Vault.FeeBps > maxBps {
		return fmt.Errorf("vault: fee_bps %d > %d", c.Vault.FeeBps, maxBps)
	}
	if c.Vault.MinDeploymentEfficiencyBps > maxBps {
		return fmt.Errorf("vault: min_deployment_efficiency_bps %d > %d", c.Vault.MinDeploymentEfficiencyBps, maxBps)
	}
	roles := map[string][]string{
		"governor": c.Roles.Governor,
		"guardian": c.Roles.Guardian,
		"keeper":   c.Roles.Keeper,
		"treasury": c.Roles.Treasury,
	}
	for role, addrs := range roles {
		if _, err := ParseAddresses(role, addrs); err != nil {
			return err
		}
	}
	if len(c.Roles.Governor) == 0 {
		return fmt.Errorf("roles: at least one governor required")
	}
	if c.Vault.FeeBps > 0 && len(c.Roles.Treasury) == 0 {
		return fmt.Errorf("roles: treasury required when fee_bps > 0")
	}

	seen := make(map[string]struct{}, len(c.Strategies))
	var targetSum uint64
	for i, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d]: id required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("strategies[%d]: duplicate id %s", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		switch s.Kind {
		case KindPassive:
		case KindRouted:
			if s.HeldAsset == "" || s.HeldAsset == c.Asset.Symbol {
				return fmt.Errorf("strategies[%d]: routed strategy %s needs a held_asset other than %s", i, s.ID, c.Asset.Symbol)
			}
		default:
			return fmt.Errorf("strategies[%d]: unknown kind %q", i, s.Kind)
		}
		if s.MaxFractionOfVaultBps > maxBps || s.MaxSwapSlippageBps > maxBps || s.TargetBps > maxBps {
			return fmt.Errorf("strategies[%d]: bps out of range", i)
		}
		if _, err := ParseAmount(s.HardCap); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if s.Disabled && s.TargetBps > 0 {
			return fmt.Errorf("strategies[%d]: disabled strategy %s has a target", i, s.ID)
		}
		targetSum += uint64(s.TargetBps)
	}
	if targetSum != 0 && targetSum != maxBps {
		return fmt.Errorf("strategies: target_bps sum to %d, want %d", targetSum, maxBps)
	}

	for i, p := range c.Oracle.Prices {
		if strings.TrimSpace(p.Base) == "" || strings.TrimSpace(p.Quote) == "" {
			return fmt.Errorf("oracle.prices[%d]: base and quote required", i)
		}
		if _, err := ParseRate(p.Rate); err != nil {
			return fmt.Errorf("oracle.prices[%d]: %w", i, err)
		}
	}
	if c.Oracle.RouterFeeBps > maxBps {
		return fmt.Errorf("oracle: router_fee_bps out of range")
	}

	for name, spec := range map[string]string{
		"harvest":     c.Keeper.Harvest,
		"close_epoch": c.Keeper.CloseEpoch,
		"rebalance":   c.Keeper.Rebalance,
		"refresh":     c.Keeper.RefreshPrices,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := ParseSchedule(spec); err != nil {
			return fmt.Errorf("keeper.%s: %w", name, err)
		}
	}
	if len(c.Keeper.Harvest+c.Keeper.CloseEpoch+c.Keeper.Rebalance) > 0 && len(c.Roles.Keeper) == 0 {
		return fmt.Errorf("roles: keeper required when keeper jobs are scheduled")
	}

	for i, m := range c.Genesis.Mint {
		if _, err := ParseAmount(m.Amount); err != nil {
			return fmt.Errorf("genesis.mint[%d]: %w", i, err)
		}
		if !m.Router && !common.IsHexAddress(strings.TrimSpace(m.Address)) {
			return fmt.Errorf("genesis.mint[%d]: invalid address %q", i, m.Address)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	return nil
}
