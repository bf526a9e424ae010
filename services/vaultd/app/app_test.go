package app

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"yieldvault/config"
	"yieldvault/core/events"
	"yieldvault/native/access"
	"yieldvault/native/strategy"
	"yieldvault/native/vault"
	"yieldvault/storage"
)

const (
	governorHex = "0x1111111111111111111111111111111111111111"
	treasuryHex = "0x2222222222222222222222222222222222222222"
	keeperHex   = "0x3333333333333333333333333333333333333333"
	userHex     = "0x4444444444444444444444444444444444444444"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Asset: config.AssetConfig{Symbol: "usdc", Decimals: 6},
		Vault: config.VaultParams{FeeBps: 1_000},
		Roles: config.RolesConfig{
			Governor: []string{governorHex},
			Keeper:   []string{keeperHex},
			Treasury: []string{treasuryHex},
		},
		Strategies: []config.StrategyConfig{
			{ID: "lending", Kind: config.KindPassive, HardCap: "5_000_000", TargetBps: 6_000},
			{ID: "dex", Kind: config.KindRouted, HeldAsset: "weth", MaxSwapSlippageBps: 50, TargetBps: 4_000},
			{ID: "spare", Kind: config.KindPassive, Disabled: true},
		},
		Oracle: config.OracleConfig{
			RouterFeeBps: 30,
			Prices:       []config.PriceConfig{{Base: "USDC", Quote: "WETH", Rate: "1/2000"}},
		},
		Genesis: config.GenesisConfig{Mint: []config.MintConfig{
			{Asset: "WETH", Router: true, Amount: "1_000_000"},
			{Address: userHex, Amount: "5_000_000"},
		}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func balance(t *testing.T, a *App, asset string, who common.Address) uint64 {
	t.Helper()
	bal, err := a.Bank.BalanceOf(context.Background(), asset, who)
	require.NoError(t, err)
	return bal.Uint64()
}

func TestBuildWiresPolicy(t *testing.T) {
	a, err := Build(testConfig(t), storage.NewMemDB(), nil)
	require.NoError(t, err)

	require.Equal(t, common.HexToAddress(governorHex), a.Governor())
	require.Equal(t, common.HexToAddress(keeperHex), a.Keeper())
	require.True(t, a.Policy.Authorize(a.Distribution.Address(), access.RoleDistributor).Allowed())
	treasury, ok := a.Policy.Treasury()
	require.True(t, ok)
	require.Equal(t, common.HexToAddress(treasuryHex), treasury)

	quote, err := a.Oracle.GetRate("WETH", "USDC")
	require.NoError(t, err)
	require.Equal(t, "2000", quote.Rate.RatString())
}

func TestBootstrapIsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := storage.NewMemDB()
	buf := &events.Buffer{}

	first, err := Build(cfg, db, buf)
	require.NoError(t, err)
	require.NoError(t, first.Bootstrap(ctx))

	entries, err := first.Registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "lending", entries[0].ID)
	require.EqualValues(t, 5_000_000, entries[0].Info.HardCapAssetValue.Uint64())
	require.False(t, entries[2].Info.Active)

	targets, err := first.Vault.TargetAllocation(ctx)
	require.NoError(t, err)
	require.Equal(t, []vault.Target{{StrategyID: "lending", Bps: 6_000}, {StrategyID: "dex", Bps: 4_000}}, targets)
	require.EqualValues(t, 5_000_000, balance(t, first, "USDC", common.HexToAddress(userHex)))
	require.EqualValues(t, 1_000_000, balance(t, first, "WETH", first.Router.Address()))
	require.Len(t, buf.OfType(events.TypeStrategyRegistered), 3)

	second, err := Build(cfg, db, nil)
	require.NoError(t, err)
	require.NoError(t, second.Bootstrap(ctx))
	require.EqualValues(t, 5_000_000, balance(t, second, "USDC", common.HexToAddress(userHex)))
	require.EqualValues(t, 1_000_000, balance(t, second, "WETH", second.Router.Address()))
	impl, err := second.Registry.Impl("dex")
	require.NoError(t, err)
	require.Equal(t, "WETH", impl.PrimaryHeldAsset())
}

func TestBootstrappedVaultDeploysThroughRouter(t *testing.T) {
	ctx := context.Background()
	a, err := Build(testConfig(t), storage.NewMemDB(), nil)
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(ctx))

	user := common.HexToAddress(userHex)
	_, err = a.Vault.Deposit(ctx, user, uint256.NewInt(1_000_000), user)
	require.NoError(t, err)

	report, err := a.Vault.Rebalance(ctx, a.Keeper())
	require.NoError(t, err)
	require.Len(t, report.Deployments, 2)
	require.EqualValues(t, 600_000, report.Deployments[0].Actual.Uint64())
	// 400_000 USDC buys 199 WETH after the router fee, valued at 398_000.
	require.EqualValues(t, 398_000, report.Deployments[1].Actual.Uint64())

	dex, err := a.Registry.Impl("dex")
	require.NoError(t, err)
	require.EqualValues(t, 199, balance(t, a, "WETH", dex.Address()))
}

func TestBootstrapRevertsOnBadStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies[1].Kind = "exotic"
	a, err := Build(cfg, storage.NewMemDB(), nil)
	require.NoError(t, err)

	require.Error(t, a.Bootstrap(context.Background()))
	entries, err := a.Registry.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
	_, err = a.Registry.Impl("lending")
	require.ErrorIs(t, err, strategy.ErrNotBound)
	require.Zero(t, balance(t, a, "USDC", common.HexToAddress(userHex)))
}

func TestSwapGuardFollowsRegistrySlippage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	db := storage.NewMemDB()
	a, err := Build(cfg, db, nil)
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(ctx))

	minOut := func(a *App) uint64 {
		out, err := a.Guard.QuoteMinOut("USDC", "WETH", uint256.NewInt(1_000_000))
		require.NoError(t, err)
		return out.Uint64()
	}
	// 500 WETH at the oracle rate, less 50 bps.
	require.EqualValues(t, 497, minOut(a))

	info, err := a.Registry.Get(ctx, "dex")
	require.NoError(t, err)
	info.MaxSwapSlippageBps = 300
	require.NoError(t, a.Registry.Update(ctx, a.Governor(), "dex", info))
	require.EqualValues(t, 485, minOut(a))

	// A restart keeps the persisted tolerance over the configured one.
	restarted, err := Build(cfg, db, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Bootstrap(ctx))
	require.EqualValues(t, 485, minOut(restarted))

	// Passive strategies leave the guard untouched.
	lending, err := a.Registry.Get(ctx, "lending")
	require.NoError(t, err)
	lending.MaxSwapSlippageBps = 1_000
	require.NoError(t, a.Registry.Update(ctx, a.Governor(), "lending", lending))
	require.EqualValues(t, 485, minOut(a))
}
