package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"yieldvault/core/events"
	"yieldvault/core/state"
	"yieldvault/native/access"
)

var (
	governor = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	outsider = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type noopStrategy struct{ name string }

func (s noopStrategy) Name() string             { return s.name }
func (s noopStrategy) PrimaryHeldAsset() string { return "USDC" }
func (s noopStrategy) Address() common.Address  { return access.ModuleAddress("strategy/" + s.name) }
func (s noopStrategy) Deploy(_ context.Context, amount *uint256.Int) (*uint256.Int, error) {
	return amount, nil
}
func (s noopStrategy) ReportedValue(context.Context) (*uint256.Int, error) {
	return new(uint256.Int), nil
}
func (s noopStrategy) Harvest(context.Context) (*uint256.Int, error) { return new(uint256.Int), nil }
func (s noopStrategy) EmergencyUnwind(context.Context) (*uint256.Int, error) {
	return new(uint256.Int), nil
}

func newTestRegistry(t *testing.T) (*Registry, *state.Manager, *events.Buffer) {
	t.Helper()
	st := state.NewManager(nil)
	buf := &events.Buffer{}
	st.SetEmitter(buf)
	policy, err := access.NewPolicy(map[access.Role][]common.Address{
		access.RoleGovernor: {governor},
		access.RoleGuardian: {guardian},
	})
	require.NoError(t, err)
	reg := NewRegistry(st, policy)
	reg.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return reg, st, buf
}

func TestRegisterAndList(t *testing.T) {
	reg, _, buf := newTestRegistry(t)
	ctx := context.Background()

	info := Info{Active: true, HardCapAssetValue: uint256.NewInt(500), MaxFractionOfVaultBps: 2_500}
	require.NoError(t, reg.Register(ctx, governor, "Lending", info, noopStrategy{name: "lending"}))
	require.NoError(t, reg.Register(ctx, governor, "dex", Info{Active: false}, noopStrategy{name: "dex"}))

	got, err := reg.Get(ctx, "LENDING")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, uint64(500), got.HardCapAssetValue.Uint64())
	require.EqualValues(t, 2_500, got.MaxFractionOfVaultBps)

	entries, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "lending", entries[0].ID)
	require.Equal(t, "dex", entries[1].ID)

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"lending"}, active)

	require.Len(t, buf.OfType(events.TypeStrategyRegistered), 2)
}

func TestRegisterRejectsDuplicatesAndStrangers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.ErrorIs(t, reg.Register(ctx, outsider, "a", Info{Active: true}, noopStrategy{name: "a"}), access.ErrUnauthorized)
	require.NoError(t, reg.Register(ctx, governor, "a", Info{Active: true}, noopStrategy{name: "a"}))
	require.ErrorIs(t, reg.Register(ctx, governor, "A", Info{}, noopStrategy{name: "a"}), ErrAlreadyRegistered)
	require.ErrorIs(t, reg.Register(ctx, governor, "b", Info{MaxSwapSlippageBps: 10_001}, noopStrategy{name: "b"}), ErrInvalidConfig)
	require.ErrorIs(t, reg.Register(ctx, governor, "c", Info{}, nil), ErrInvalidConfig)
}

func TestUpdateAndSetActive(t *testing.T) {
	reg, _, buf := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, governor, "a", Info{Active: true}, noopStrategy{name: "a"}))

	require.ErrorIs(t, reg.Update(ctx, governor, "missing", Info{}), ErrNotRegistered)
	require.NoError(t, reg.Update(ctx, governor, "a", Info{Active: true, MaxSwapSlippageBps: 30}))
	info, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 30, info.MaxSwapSlippageBps)

	require.ErrorIs(t, reg.SetActive(ctx, outsider, "a", false), access.ErrUnauthorized)
	require.NoError(t, reg.SetActive(ctx, guardian, "a", false))
	active, err := reg.IsActive(ctx, "a")
	require.NoError(t, err)
	require.False(t, active)
	require.Len(t, buf.OfType(events.TypeStrategyActivityChanged), 1)

	// Flipping to the current value emits nothing.
	require.NoError(t, reg.SetActive(ctx, governor, "a", false))
	require.Len(t, buf.OfType(events.TypeStrategyActivityChanged), 1)
}

func TestBindAfterRestart(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, governor, "a", Info{Active: true}, noopStrategy{name: "a"}))

	policy, err := access.NewPolicy(map[access.Role][]common.Address{access.RoleGovernor: {governor}})
	require.NoError(t, err)
	restarted := NewRegistry(st, policy)
	_, err = restarted.Impl("a")
	require.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, restarted.Bind(ctx, "a", noopStrategy{name: "a"}))
	impl, err := restarted.Impl("a")
	require.NoError(t, err)
	require.Equal(t, "a", impl.Name())

	require.ErrorIs(t, restarted.Bind(ctx, "unknown", noopStrategy{name: "unknown"}), ErrNotRegistered)
}

func TestRegisterInsideRevertedExecutionLeavesNothingBound(t *testing.T) {
	reg, st, buf := newTestRegistry(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.Execute(ctx, func(ctx context.Context) error {
		if err := reg.Register(ctx, governor, "a", Info{Active: true}, noopStrategy{name: "a"}); err != nil {
			return err
		}
		impl, err := reg.Impl("a")
		require.NoError(t, err)
		require.Equal(t, "a", impl.Name())
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = reg.Impl("a")
	require.ErrorIs(t, err, ErrNotBound)
	_, err = reg.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotRegistered)
	require.Empty(t, buf.OfType(events.TypeStrategyRegistered))

	// The id is free again and a committed registration stays bound.
	require.NoError(t, reg.Register(ctx, governor, "a", Info{Active: true}, noopStrategy{name: "a"}))
	_, err = reg.Impl("a")
	require.NoError(t, err)
}

func TestRebindInsideRevertedExecutionRestoresPrevious(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, governor, "a", Info{Active: true}, noopStrategy{name: "a"}))

	boom := errors.New("boom")
	err := st.Execute(ctx, func(ctx context.Context) error {
		require.NoError(t, reg.Bind(ctx, "a", noopStrategy{name: "replacement"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	impl, err := reg.Impl("a")
	require.NoError(t, err)
	require.Equal(t, "a", impl.Name())
}
