package keeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"yieldvault/config"
	"yieldvault/services/vaultd/app"
	"yieldvault/storage"
)

func noop(context.Context) error { return nil }

func TestAddValidatesJobs(t *testing.T) {
	k := New(time.Second)
	require.Error(t, k.Add(Job{Name: " ", Run: noop}))
	require.Error(t, k.Add(Job{Name: "harvest"}))
	require.NoError(t, k.Add(Job{Name: "harvest", Run: noop}))
	require.Error(t, k.Add(Job{Name: "harvest", Run: noop}))
	require.Error(t, k.Add(Job{Name: "broken", Spec: "every tuesday", Run: noop}))
	require.NoError(t, k.Add(Job{Name: "close_epoch", Spec: "0 0 * * * *", Run: noop}))
	require.Equal(t, []string{"close_epoch", "harvest"}, k.Jobs())
}

func TestRunNowSurfacesFailures(t *testing.T) {
	k := New(time.Second)
	boom := errors.New("boom")
	require.NoError(t, k.Add(Job{Name: "fails", Run: func(context.Context) error { return boom }}))
	require.NoError(t, k.Add(Job{Name: "panics", Run: func(context.Context) error { panic("kaboom") }}))

	require.ErrorIs(t, k.RunNow(context.Background(), "fails"), boom)
	err := k.RunNow(context.Background(), "panics")
	require.ErrorContains(t, err, "panicked")
	require.Error(t, k.RunNow(context.Background(), "missing"))

	// A panicking run releases its slot.
	require.ErrorContains(t, k.RunNow(context.Background(), "panics"), "panicked")
}

func TestRunNowRejectsOverlap(t *testing.T) {
	k := New(time.Second)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, k.Add(Job{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() { done <- k.RunNow(context.Background(), "slow") }()
	<-started
	require.ErrorIs(t, k.RunNow(context.Background(), "slow"), ErrJobRunning)
	close(release)
	require.NoError(t, <-done)
}

func TestRunNowAppliesTimeout(t *testing.T) {
	k := New(20 * time.Millisecond)
	require.NoError(t, k.Add(Job{Name: "stuck", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.ErrorIs(t, k.RunNow(context.Background(), "stuck"), context.DeadlineExceeded)
}

func TestScheduledJobsRun(t *testing.T) {
	k := New(time.Second)
	var runs atomic.Int32
	require.NoError(t, k.Add(Job{Name: "tick", Spec: "* * * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	k.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k.Stop(ctx)
}

func TestRegisterRunsVaultJobs(t *testing.T) {
	const (
		governorHex = "0x1111111111111111111111111111111111111111"
		keeperHex   = "0x3333333333333333333333333333333333333333"
		userHex     = "0x4444444444444444444444444444444444444444"
	)
	cfg := &config.Config{
		Asset: config.AssetConfig{Symbol: "USDC", Decimals: 6},
		Roles: config.RolesConfig{Governor: []string{governorHex}, Keeper: []string{keeperHex}},
		Strategies: []config.StrategyConfig{
			{ID: "lending", Kind: config.KindPassive, TargetBps: 10_000},
		},
		Genesis: config.GenesisConfig{Mint: []config.MintConfig{{Address: userHex, Amount: "1000"}}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	a, err := app.Build(cfg, storage.NewMemDB(), nil)
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(ctx))

	k := New(time.Second)
	require.NoError(t, k.Register(a))
	require.Equal(t, []string{JobCloseEpoch, JobHarvest, JobRebalance, JobRefreshPrices}, k.Jobs())

	user := common.HexToAddress(userHex)
	_, err = a.Vault.Deposit(ctx, user, uint256.NewInt(1_000), user)
	require.NoError(t, err)
	require.NoError(t, k.RunNow(ctx, JobRebalance))
	idle, err := a.Vault.IdleValue(ctx)
	require.NoError(t, err)
	require.True(t, idle.IsZero())

	lending, err := a.Registry.Impl("lending")
	require.NoError(t, err)
	require.NoError(t, a.Bank.Mint(ctx, "USDC", lending.Address(), uint256.NewInt(50)))
	require.NoError(t, k.RunNow(ctx, JobHarvest))
	require.NoError(t, k.RunNow(ctx, JobCloseEpoch))
	require.NoError(t, k.RunNow(ctx, JobRefreshPrices))

	count, err := a.Distribution.EpochCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	claimable, err := a.Distribution.Claimable(ctx, user)
	require.NoError(t, err)
	require.EqualValues(t, 50, claimable.Uint64())
}
