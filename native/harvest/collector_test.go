package harvest

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"yieldvault/core/events"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	"yieldvault/native/strategy"
	"yieldvault/native/strategy/adapters"
)

var (
	governor    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	keeper      = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	distributor = common.HexToAddress("0x00000000000000000000000000000000000000d5")
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

// leakyStrategy moves value to the collector and then fails, so its partial
// transfer must be reverted.
type leakyStrategy struct {
	bank      *bank.Bank
	collector common.Address
	panics    bool
}

func (s *leakyStrategy) Name() string             { return "leaky" }
func (s *leakyStrategy) PrimaryHeldAsset() string { return "USDC" }
func (s *leakyStrategy) Address() common.Address  { return access.ModuleAddress("strategy/leaky") }
func (s *leakyStrategy) Deploy(_ context.Context, amount *uint256.Int) (*uint256.Int, error) {
	return amount, nil
}
func (s *leakyStrategy) ReportedValue(ctx context.Context) (*uint256.Int, error) {
	return s.bank.BalanceOf(ctx, "USDC", s.Address())
}
func (s *leakyStrategy) Harvest(ctx context.Context) (*uint256.Int, error) {
	if err := s.bank.Transfer(ctx, "USDC", s.Address(), s.collector, uint256.NewInt(5)); err != nil {
		return nil, err
	}
	if s.panics {
		panic("venue exploded")
	}
	return nil, errors.New("venue halted")
}
func (s *leakyStrategy) EmergencyUnwind(context.Context) (*uint256.Int, error) {
	return new(uint256.Int), nil
}

type fixture struct {
	ctx       context.Context
	bank      *bank.Bank
	reg       *strategy.Registry
	collector *Collector
	events    *events.Buffer
	state     *state.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewManager(nil)
	buf := &events.Buffer{}
	st.SetEmitter(buf)
	policy, err := access.NewPolicy(map[access.Role][]common.Address{
		access.RoleGovernor:    {governor},
		access.RoleKeeper:      {keeper},
		access.RoleDistributor: {distributor},
	})
	require.NoError(t, err)
	b := bank.New(st)
	reg := strategy.NewRegistry(st, policy)
	return &fixture{
		ctx:       context.Background(),
		bank:      b,
		reg:       reg,
		collector: New("usdc", st, b, reg, policy),
		events:    buf,
		state:     st,
	}
}

func (f *fixture) passiveWithYield(t *testing.T, name string, principal, yield uint64) *adapters.Passive {
	t.Helper()
	p := adapters.NewPassive(name, "USDC", adapters.Endpoints{Vault: vaultAddr, Collector: f.collector.Address()}, f.state, f.bank)
	require.NoError(t, f.reg.Register(f.ctx, governor, name, strategy.Info{Active: true}, p))
	require.NoError(t, f.bank.Mint(f.ctx, "USDC", p.Address(), uint256.NewInt(principal)))
	_, err := p.Deploy(f.ctx, uint256.NewInt(principal))
	require.NoError(t, err)
	require.NoError(t, f.bank.Mint(f.ctx, "USDC", p.Address(), uint256.NewInt(yield)))
	return p
}

func TestHarvestCollectsFromActiveStrategies(t *testing.T) {
	f := newFixture(t)
	f.passiveWithYield(t, "lending", 1_000, 40)
	f.passiveWithYield(t, "dex", 500, 2)

	_, err := f.collector.Harvest(f.ctx, governor)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	report, err := f.collector.Harvest(f.ctx, keeper)
	require.NoError(t, err)
	require.EqualValues(t, 42, report.Received.Uint64())
	require.EqualValues(t, 42, report.Reported.Uint64())
	require.Empty(t, report.Failed)

	balance, err := f.collector.Balance(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 42, balance.Uint64())
	require.Len(t, f.events.OfType(events.TypeHarvestCollected), 2)

	// Nothing new to collect.
	report, err = f.collector.Harvest(f.ctx, keeper)
	require.NoError(t, err)
	require.True(t, report.Received.IsZero())
}

func TestHarvestSkipsFailingStrategies(t *testing.T) {
	for name, panics := range map[string]bool{"error": false, "panic": true} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			leaky := &leakyStrategy{bank: f.bank, collector: f.collector.Address(), panics: panics}
			require.NoError(t, f.reg.Register(f.ctx, governor, "leaky", strategy.Info{Active: true}, leaky))
			require.NoError(t, f.bank.Mint(f.ctx, "USDC", leaky.Address(), uint256.NewInt(100)))
			f.passiveWithYield(t, "lending", 1_000, 40)

			report, err := f.collector.Harvest(f.ctx, keeper)
			require.NoError(t, err)
			require.Equal(t, []string{"leaky"}, report.Failed)
			require.EqualValues(t, 40, report.Received.Uint64())

			leakyBalance, err := f.bank.BalanceOf(context.Background(), "USDC", leaky.Address())
			require.NoError(t, err)
			require.EqualValues(t, 100, leakyBalance.Uint64())

			failed := f.events.OfType(events.TypeHarvestFailed)
			require.Len(t, failed, 1)
			require.Equal(t, "leaky", failed[0].(events.HarvestFailed).StrategyID)
		})
	}
}

func TestReleaseIsDistributorOnly(t *testing.T) {
	f := newFixture(t)
	f.passiveWithYield(t, "lending", 1_000, 75)
	_, err := f.collector.Harvest(f.ctx, keeper)
	require.NoError(t, err)

	_, err = f.collector.Release(f.ctx, keeper)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	amount, err := f.collector.Release(f.ctx, distributor)
	require.NoError(t, err)
	require.EqualValues(t, 75, amount.Uint64())
	got, err := f.bank.BalanceOf(context.Background(), "USDC", distributor)
	require.NoError(t, err)
	require.EqualValues(t, 75, got.Uint64())

	amount, err = f.collector.Release(f.ctx, distributor)
	require.NoError(t, err)
	require.True(t, amount.IsZero())
	require.Len(t, f.events.OfType(events.TypeHarvestReleased), 1)
}
