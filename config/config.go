package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddress     = ":8480"
	DefaultEfficiencyBps     = 9_500
	DefaultMaxEpochsPerClaim = 52
	DefaultOracleMaxAge      = 5 * time.Minute
	DefaultJWTSecretEnv      = "VAULTD_JWT_SECRET"
	DefaultKeeperTimeout     = 30 * time.Second
	DefaultPriceRefresh      = "*/30 * * * * *"
)

// LoadVault reads a TOML or YAML (by extension) configuration file, applies
// defaults and validates the result.
func LoadVault(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode toml config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown key %s", path, undecoded[0].String())
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		c.Service.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(c.Service.DataDir) == "" {
		c.Service.DataDir = "./data"
	}
	if strings.TrimSpace(c.Service.EventsDSN) == "" {
		c.Service.EventsDSN = filepath.Join(c.Service.DataDir, "events.db")
	}
	c.Asset.Symbol = strings.ToUpper(strings.TrimSpace(c.Asset.Symbol))
	if c.Vault.MinDeploymentEfficiencyBps == 0 {
		c.Vault.MinDeploymentEfficiencyBps = DefaultEfficiencyBps
	}
	if c.Vault.MaxEpochsPerClaim == 0 {
		c.Vault.MaxEpochsPerClaim = DefaultMaxEpochsPerClaim
	}
	if c.Oracle.MaxAge.Duration == 0 {
		c.Oracle.MaxAge.Duration = DefaultOracleMaxAge
	}
	if strings.TrimSpace(c.Auth.JWTSecretEnv) == "" {
		c.Auth.JWTSecretEnv = DefaultJWTSecretEnv
	}
	if c.Keeper.RefreshPrices == "" && len(c.Oracle.Prices) > 0 {
		c.Keeper.RefreshPrices = DefaultPriceRefresh
	}
	if c.Keeper.Timeout.Duration == 0 {
		c.Keeper.Timeout.Duration = DefaultKeeperTimeout
	}
	for i := range c.Strategies {
		c.Strategies[i].ID = strings.ToLower(strings.TrimSpace(c.Strategies[i].ID))
		c.Strategies[i].Kind = strings.ToLower(strings.TrimSpace(c.Strategies[i].Kind))
		c.Strategies[i].HeldAsset = strings.ToUpper(strings.TrimSpace(c.Strategies[i].HeldAsset))
	}
}

// ParseAddresses converts hex strings into addresses, rejecting malformed or
// zero entries.
func ParseAddresses(role string, raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, entry := range raw {
		trimmed := strings.TrimSpace(entry)
		if !common.IsHexAddress(trimmed) {
			return nil, fmt.Errorf("roles.%s: invalid address %q", role, entry)
		}
		addr := common.HexToAddress(trimmed)
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("roles.%s: zero address", role)
		}
		out = append(out, addr)
	}
	return out, nil
}

// ParseAmount parses a non-negative base-10 integer. Empty strings are zero.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}

// ParseRate parses a positive decimal or fraction string.
func ParseRate(raw string) (*big.Rat, error) {
	rate, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("invalid rate %q", raw)
	}
	return rate, nil
}
