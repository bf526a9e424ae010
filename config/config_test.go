package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	governorHex = "0x1111111111111111111111111111111111111111"
	treasuryHex = "0x2222222222222222222222222222222222222222"
	keeperHex   = "0x3333333333333333333333333333333333333333"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const tomlConfig = `
[service]
listen = "127.0.0.1:9000"
data_dir = "/var/lib/vaultd"

[asset]
symbol = "usdc"
decimals = 6

[vault]
fee_bps = 1000

[roles]
governor = ["` + governorHex + `"]
treasury = ["` + treasuryHex + `"]
keeper = ["` + keeperHex + `"]

[[strategies]]
id = "Lending"
kind = "passive"
hard_cap = "1_000_000"
target_bps = 6000

[[strategies]]
id = "dex"
kind = "routed"
held_asset = "weth"
max_swap_slippage_bps = 50
target_bps = 4000

[oracle]
max_age = "90s"

[[oracle.prices]]
base = "USDC"
quote = "WETH"
rate = "1/2000"

[keeper]
harvest = "0 */5 * * * *"
timeout = "10s"
`

func TestLoadVaultTOML(t *testing.T) {
	cfg, err := LoadVault(writeFile(t, "vault.toml", tomlConfig))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.Service.ListenAddress)
	require.Equal(t, filepath.Join("/var/lib/vaultd", "events.db"), cfg.Service.EventsDSN)
	require.Equal(t, "USDC", cfg.Asset.Symbol)
	require.EqualValues(t, 6, cfg.Asset.Decimals)
	require.EqualValues(t, DefaultEfficiencyBps, cfg.Vault.MinDeploymentEfficiencyBps)
	require.EqualValues(t, DefaultMaxEpochsPerClaim, cfg.Vault.MaxEpochsPerClaim)
	require.Equal(t, 90*time.Second, cfg.Oracle.MaxAge.Duration)
	require.Equal(t, 10*time.Second, cfg.Keeper.Timeout.Duration)
	require.Equal(t, DefaultJWTSecretEnv, cfg.Auth.JWTSecretEnv)

	require.Len(t, cfg.Strategies, 2)
	require.Equal(t, "lending", cfg.Strategies[0].ID)
	require.Equal(t, "WETH", cfg.Strategies[1].HeldAsset)
	hardCap, err := ParseAmount(cfg.Strategies[0].HardCap)
	require.NoError(t, err)
	require.Equal(t, "1000000", hardCap.Dec())
}

func TestLoadVaultYAML(t *testing.T) {
	contents := `
asset:
  symbol: DAI
  decimals: 18
roles:
  governor: ["` + governorHex + `"]
strategies:
  - id: idle-reserve
    kind: passive
    target_bps: 10000
oracle:
  max_age: 2m
`
	cfg, err := LoadVault(writeFile(t, "vault.yaml", contents))
	require.NoError(t, err)
	require.Equal(t, "DAI", cfg.Asset.Symbol)
	require.Equal(t, 2*time.Minute, cfg.Oracle.MaxAge.Duration)
	require.Equal(t, DefaultListenAddress, cfg.Service.ListenAddress)
	require.Len(t, cfg.Strategies, 1)
}

func TestLoadVaultRejectsUnknownKeys(t *testing.T) {
	_, err := LoadVault(writeFile(t, "vault.toml", tomlConfig+"\n[bogus]\nkey = 1\n"))
	require.ErrorContains(t, err, "unknown key")

	_, err = LoadVault(writeFile(t, "vault.yml", "asset:\n  symbol: DAI\n  colour: red\n"))
	require.Error(t, err)
}

func validConfig() *Config {
	cfg := &Config{
		Asset: AssetConfig{Symbol: "USDC", Decimals: 6},
		Vault: VaultParams{FeeBps: 1000},
		Roles: RolesConfig{
			Governor: []string{governorHex},
			Treasury: []string{treasuryHex},
			Keeper:   []string{keeperHex},
		},
		Strategies: []StrategyConfig{
			{ID: "a", Kind: KindPassive, TargetBps: 5000},
			{ID: "b", Kind: KindRouted, HeldAsset: "WETH", TargetBps: 5000},
		},
		Keeper: KeeperConfig{CloseEpoch: "0 0 0 * * MON"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"decimals above share scale": {func(c *Config) { c.Asset.Decimals = 19 }, "decimals"},
		"fee out of range":           {func(c *Config) { c.Vault.FeeBps = 10_001 }, "fee_bps"},
		"fee without treasury":       {func(c *Config) { c.Roles.Treasury = nil }, "treasury required"},
		"missing governor":           {func(c *Config) { c.Roles.Governor = nil }, "governor"},
		"bad role address":           {func(c *Config) { c.Roles.Keeper = []string{"nope"} }, "invalid address"},
		"zero role address": {func(c *Config) {
			c.Roles.Guardian = []string{"0x0000000000000000000000000000000000000000"}
		}, "zero address"},
		"duplicate strategy":     {func(c *Config) { c.Strategies[1].ID = "a" }, "duplicate"},
		"unknown kind":           {func(c *Config) { c.Strategies[0].Kind = "magic" }, "unknown kind"},
		"routed without held":    {func(c *Config) { c.Strategies[1].HeldAsset = "" }, "held_asset"},
		"targets not full":       {func(c *Config) { c.Strategies[1].TargetBps = 4000 }, "sum to 9000"},
		"bad hard cap":           {func(c *Config) { c.Strategies[0].HardCap = "-1" }, "invalid amount"},
		"bad cron":               {func(c *Config) { c.Keeper.Rebalance = "every tuesday" }, "keeper.rebalance"},
		"keeper jobs w/o keeper": {func(c *Config) { c.Roles.Keeper = nil }, "keeper required"},
		"bad price": {func(c *Config) {
			c.Oracle.Prices = []PriceConfig{{Base: "USDC", Quote: "WETH", Rate: "0"}}
		}, "invalid rate"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestParseRate(t *testing.T) {
	rate, err := ParseRate("401/400")
	require.NoError(t, err)
	require.Equal(t, "401/400", rate.RatString())

	rate, err = ParseRate("1.5")
	require.NoError(t, err)
	require.Equal(t, "3/2", rate.RatString())

	_, err = ParseRate("-2")
	require.Error(t, err)
}
