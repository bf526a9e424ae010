package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it decodes from "30s"-style strings in both
// TOML and YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config is the full vaultd configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service" yaml:"service"`
	Asset      AssetConfig      `toml:"asset" yaml:"asset"`
	Vault      VaultParams      `toml:"vault" yaml:"vault"`
	Roles      RolesConfig      `toml:"roles" yaml:"roles"`
	Strategies []StrategyConfig `toml:"strategies" yaml:"strategies"`
	Oracle     OracleConfig     `toml:"oracle" yaml:"oracle"`
	Keeper     KeeperConfig     `toml:"keeper" yaml:"keeper"`
	Auth       AuthConfig       `toml:"auth" yaml:"auth"`
	RateLimit  RateLimitConfig  `toml:"rate_limit" yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Genesis    GenesisConfig    `toml:"genesis" yaml:"genesis"`
}

type ServiceConfig struct {
	ListenAddress string `toml:"listen" yaml:"listen"`
	DataDir       string `toml:"data_dir" yaml:"data_dir"`
	// EventsDSN selects the event index database. postgres:// URLs use
	// Postgres; anything else is treated as a SQLite path or DSN.
	EventsDSN   string `toml:"events_dsn" yaml:"events_dsn"`
	Environment string `toml:"environment" yaml:"environment"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`
}

type AssetConfig struct {
	Symbol   string `toml:"symbol" yaml:"symbol"`
	Decimals uint8  `toml:"decimals" yaml:"decimals"`
}

type VaultParams struct {
	FeeBps                     uint16 `toml:"fee_bps" yaml:"fee_bps"`
	MinDeploymentEfficiencyBps uint16 `toml:"min_deployment_efficiency_bps" yaml:"min_deployment_efficiency_bps"`
	MaxEpochsPerClaim          uint64 `toml:"max_epochs_per_claim" yaml:"max_epochs_per_claim"`
}

// RolesConfig lists hex addresses per role.
type RolesConfig struct {
	Governor []string `toml:"governor" yaml:"governor"`
	Guardian []string `toml:"guardian" yaml:"guardian"`
	Keeper   []string `toml:"keeper" yaml:"keeper"`
	Treasury []string `toml:"treasury" yaml:"treasury"`
}

const (
	KindPassive = "passive"
	KindRouted  = "routed"
)

type StrategyConfig struct {
	ID   string `toml:"id" yaml:"id"`
	Kind string `toml:"kind" yaml:"kind"`
	// HeldAsset is required for routed strategies.
	HeldAsset string `toml:"held_asset" yaml:"held_asset"`
	// HardCap is a decimal string in asset units; empty or "0" is uncapped.
	HardCap               string `toml:"hard_cap" yaml:"hard_cap"`
	MaxFractionOfVaultBps uint16 `toml:"max_fraction_bps" yaml:"max_fraction_bps"`
	MaxSwapSlippageBps    uint16 `toml:"max_swap_slippage_bps" yaml:"max_swap_slippage_bps"`
	TargetBps             uint16 `toml:"target_bps" yaml:"target_bps"`
	Disabled              bool   `toml:"disabled" yaml:"disabled"`
}

type OracleConfig struct {
	MaxAge       Duration      `toml:"max_age" yaml:"max_age"`
	RouterFeeBps uint16        `toml:"router_fee_bps" yaml:"router_fee_bps"`
	Prices       []PriceConfig `toml:"prices" yaml:"prices"`
}

// PriceConfig seeds a rate as a decimal or fraction string, e.g. "1.0025" or
// "401/400".
type PriceConfig struct {
	Base  string `toml:"base" yaml:"base"`
	Quote string `toml:"quote" yaml:"quote"`
	Rate  string `toml:"rate" yaml:"rate"`
}

// KeeperConfig holds six-field cron specs (seconds first). An empty spec
// disables the job.
type KeeperConfig struct {
	Harvest    string `toml:"harvest" yaml:"harvest"`
	CloseEpoch string `toml:"close_epoch" yaml:"close_epoch"`
	Rebalance  string `toml:"rebalance" yaml:"rebalance"`
	// RefreshPrices re-stamps the configured oracle prices so routed
	// strategies keep a fresh quote. Defaults to every 30 seconds when
	// prices are configured.
	RefreshPrices string   `toml:"refresh_prices" yaml:"refresh_prices"`
	Timeout       Duration `toml:"timeout" yaml:"timeout"`
}

type AuthConfig struct {
	JWTSecretEnv string `toml:"jwt_secret_env" yaml:"jwt_secret_env"`
	Issuer       string `toml:"issuer" yaml:"issuer"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"rps" yaml:"rps"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	Traces      bool    `toml:"traces" yaml:"traces"`
	Metrics     bool    `toml:"metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
	Headers     string  `toml:"headers" yaml:"headers"`
}

// GenesisConfig mints balances on first boot, e.g. router reserves.
type GenesisConfig struct {
	Mint []MintConfig `toml:"mint" yaml:"mint"`
}

type MintConfig struct {
	Asset   string `toml:"asset" yaml:"asset"`
	Address string `toml:"address" yaml:"address"`
	// Router mints into the reserve router account instead of Address.
	Router bool   `toml:"router" yaml:"router"`
	Amount string `toml:"amount" yaml:"amount"`
}
