package distribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"yieldvault/core/events"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/strategy"
	"yieldvault/native/strategy/adapters"
	"yieldvault/native/vault"
)

var (
	governor = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	keeper   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000000b3")
)

// fundedAggregator releases whatever has been minted to its account.
type fundedAggregator struct {
	bank    *bank.Bank
	address common.Address
}

func (a *fundedAggregator) Release(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	balance, err := a.bank.BalanceOf(ctx, "USDC", a.address)
	if err != nil {
		return nil, err
	}
	if err := a.bank.Transfer(ctx, "USDC", a.address, caller, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

type fixture struct {
	ctx    context.Context
	state  *state.Manager
	bank   *bank.Bank
	reg    *strategy.Registry
	vault  *vault.Vault
	agg    *fundedAggregator
	ledger *Ledger
	events *events.Buffer
}

type options struct {
	decimals   uint8
	feeBps     uint16
	maxEpochs  uint64
	noTreasury bool
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	st := state.NewManager(nil)
	buf := &events.Buffer{}
	st.SetEmitter(buf)
	grants := map[access.Role][]common.Address{
		access.RoleGovernor:    {governor},
		access.RoleKeeper:      {keeper},
		access.RoleDistributor: {ModuleAddress()},
	}
	if !opts.noTreasury {
		grants[access.RoleTreasury] = []common.Address{treasury}
	}
	policy, err := access.NewPolicy(grants)
	require.NoError(t, err)
	b := bank.New(st)
	reg := strategy.NewRegistry(st, policy)
	v, err := vault.New(vault.Config{Asset: "USDC", AssetDecimals: opts.decimals}, st, b, reg, policy)
	require.NoError(t, err)
	agg := &fundedAggregator{bank: b, address: access.ModuleAddress("harvest")}
	ledger, err := New(Config{Asset: "usdc", AssetDecimals: opts.decimals, FeeBps: opts.feeBps, MaxEpochsPerClaim: opts.maxEpochs}, st, b, v, agg, policy)
	require.NoError(t, err)
	ledger.SetNowFunc(func() time.Time { return time.Unix(1_780_000_000, 0) })
	return &fixture{ctx: context.Background(), state: st, bank: b, reg: reg, vault: v, agg: agg, ledger: ledger, events: buf}
}

func (f *fixture) deposit(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	require.NoError(t, f.bank.Mint(f.ctx, "USDC", who, uint256.NewInt(amount)))
	_, err := f.vault.Deposit(f.ctx, who, uint256.NewInt(amount), who)
	require.NoError(t, err)
}

func (f *fixture) harvest(t *testing.T, amount uint64) {
	t.Helper()
	require.NoError(t, f.bank.Mint(f.ctx, "USDC", f.agg.address, uint256.NewInt(amount)))
}

func (f *fixture) close(t *testing.T) CloseResult {
	t.Helper()
	result, err := f.ledger.CloseEpoch(f.ctx, keeper)
	require.NoError(t, err)
	return result
}

func (f *fixture) balance(t *testing.T, who common.Address) uint64 {
	t.Helper()
	bal, err := f.bank.BalanceOf(context.Background(), "USDC", who)
	require.NoError(t, err)
	return bal.Uint64()
}

func TestCloseEpochSplitsFee(t *testing.T) {
	f := newFixture(t, options{decimals: 6, feeBps: 1_000})
	f.deposit(t, alice, 1_000_000)
	f.harvest(t, 100)

	_, err := f.ledger.CloseEpoch(f.ctx, alice)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	result := f.close(t)
	require.NotNil(t, result.Epoch)
	require.EqualValues(t, 100, result.Harvested.Uint64())
	require.EqualValues(t, 0, result.Epoch.Index)
	require.EqualValues(t, 100, result.Epoch.GrossValue.Uint64())
	require.EqualValues(t, 10, result.Epoch.Fee.Uint64())
	require.EqualValues(t, 90, result.Epoch.NetDistributedValue.Uint64())
	require.EqualValues(t, 1_780_000_000, result.Epoch.CloseTimestamp)
	// 90 asset units lifted to share scale over 1e18 shares, in ray.
	require.Equal(t, "90000000000000000000000", result.Epoch.ValuePerShareRay.Dec())
	require.EqualValues(t, 10, f.balance(t, treasury))
	require.EqualValues(t, 90, f.balance(t, f.ledger.Address()))

	claimable, err := f.ledger.Claimable(f.ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 90, claimable.Uint64())

	stored, err := f.ledger.Epoch(f.ctx, 0)
	require.NoError(t, err)
	require.True(t, stored.CumulativeRay.Eq(result.Epoch.ValuePerShareRay))
	_, err = f.ledger.Epoch(f.ctx, 1)
	require.ErrorIs(t, err, ErrEpochNotFound)
}

func TestCloseEpochWithoutHarvestIsNoop(t *testing.T) {
	f := newFixture(t, options{decimals: 6})
	f.deposit(t, alice, 1_000)

	result := f.close(t)
	require.Nil(t, result.Epoch)
	require.False(t, result.Deferred)
	count, err := f.ledger.EpochCount(f.ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCloseEpochDefersWithoutShares(t *testing.T) {
	f := newFixture(t, options{decimals: 6, feeBps: 1_000})
	f.harvest(t, 100)

	result := f.close(t)
	require.True(t, result.Deferred)
	require.EqualValues(t, 100, result.Pending.Uint64())
	pending, err := f.ledger.PendingValue(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 100, pending.Uint64())
	count, err := f.ledger.EpochCount(f.ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Len(t, f.events.OfType(events.TypeEpochDeferred), 1)

	// A second deferral accumulates exactly.
	f.harvest(t, 7)
	result = f.close(t)
	require.True(t, result.Deferred)
	require.EqualValues(t, 107, result.Pending.Uint64())

	f.deposit(t, alice, 1_000)
	f.harvest(t, 43)
	result = f.close(t)
	require.NotNil(t, result.Epoch)
	require.EqualValues(t, 150, result.Epoch.GrossValue.Uint64())
	require.EqualValues(t, 15, result.Epoch.Fee.Uint64())
	require.EqualValues(t, 135, result.Epoch.NetDistributedValue.Uint64())
	pending, err = f.ledger.PendingValue(f.ctx)
	require.NoError(t, err)
	require.True(t, pending.IsZero())

	claim, err := f.ledger.Claim(f.ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 135, claim.Value.Uint64())
}

func TestCloseEpochRequiresTreasuryForFees(t *testing.T) {
	f := newFixture(t, options{decimals: 6, feeBps: 500, noTreasury: true})
	f.deposit(t, alice, 1_000)
	f.harvest(t, 100)

	_, err := f.ledger.CloseEpoch(f.ctx, keeper)
	require.ErrorIs(t, err, ErrTreasuryNotConfigured)
	// The release from the aggregation point is reverted with the close.
	require.EqualValues(t, 100, f.balance(t, f.agg.address))
	require.Zero(t, f.balance(t, f.ledger.Address()))

	free := newFixture(t, options{decimals: 6, noTreasury: true})
	free.deposit(t, alice, 1_000)
	free.harvest(t, 100)
	result := free.close(t)
	require.EqualValues(t, 100, result.Epoch.NetDistributedValue.Uint64())
}

// runUnevenEpochs closes five epochs of 10 units over a 1:2 split of shares so
// every per-epoch entitlement has a sub-unit remainder.
func runUnevenEpochs(t *testing.T, maxEpochs uint64) *fixture {
	t.Helper()
	f := newFixture(t, options{decimals: 6, maxEpochs: maxEpochs})
	f.deposit(t, alice, 1)
	f.deposit(t, bob, 2)
	for i := 0; i < 5; i++ {
		f.harvest(t, 10)
		require.NotNil(t, f.close(t).Epoch)
	}
	return f
}

func TestChunkedClaimsMatchSingleClaim(t *testing.T) {
	whole := runUnevenEpochs(t, 52)
	single, err := whole.ledger.Claim(whole.ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 16, single.Value.Uint64())
	require.EqualValues(t, 5, single.ToEpoch)

	chunked := runUnevenEpochs(t, 2)
	var total uint64
	var windows [][2]uint64
	for i := 0; i < 4; i++ {
		res, err := chunked.ledger.Claim(chunked.ctx, alice)
		require.NoError(t, err)
		total += res.Value.Uint64()
		windows = append(windows, [2]uint64{res.FromEpoch, res.ToEpoch})
	}
	require.Equal(t, [][2]uint64{{0, 2}, {2, 4}, {4, 5}, {5, 5}}, windows)
	require.Equal(t, single.Value.Uint64(), total)
	require.EqualValues(t, 16, chunked.balance(t, alice))

	bobClaim, err := whole.ledger.Claim(whole.ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 33, bobClaim.Value.Uint64())
	// Dust stays with the ledger.
	require.EqualValues(t, 1, whole.balance(t, whole.ledger.Address()))
}

func TestZeroValueClaimAdvancesCursor(t *testing.T) {
	f := newFixture(t, options{decimals: 6, maxEpochs: 2})
	f.deposit(t, alice, 1_000)
	for i := 0; i < 3; i++ {
		f.harvest(t, 10)
		f.close(t)
	}

	_, err := f.ledger.Claim(f.ctx, common.Address{})
	require.ErrorIs(t, err, ErrZeroAddress)

	res, err := f.ledger.Claim(f.ctx, carol)
	require.NoError(t, err)
	require.True(t, res.Value.IsZero())
	require.EqualValues(t, 2, res.ToEpoch)
	cursor, err := f.ledger.Cursor(f.ctx, carol)
	require.NoError(t, err)
	require.EqualValues(t, 2, cursor)

	claimed := f.events.OfType(events.TypeClaimed)
	require.Len(t, claimed, 1)
	evt := claimed[0].(events.Claimed)
	require.Equal(t, carol, evt.User)
	require.True(t, evt.Value.IsZero())
	require.EqualValues(t, 0, evt.FromEpoch)
	require.EqualValues(t, 2, evt.ToEpoch)
}

func TestAutoCompoundRedeposits(t *testing.T) {
	f := newFixture(t, options{decimals: 6, feeBps: 1_000})
	f.deposit(t, alice, 1_000_000)
	require.NoError(t, f.ledger.SetAutoCompound(f.ctx, alice, true))
	require.NoError(t, f.ledger.SetAutoCompound(f.ctx, alice, true))
	require.Len(t, f.events.OfType(events.TypeAutoCompoundSet), 1)

	f.harvest(t, 100)
	f.close(t)

	res, err := f.ledger.Claim(f.ctx, alice)
	require.NoError(t, err)
	require.True(t, res.AutoCompounded)
	require.EqualValues(t, 90, res.Value.Uint64())
	require.Equal(t, "90000000000000", res.SharesMinted.Dec())
	require.Zero(t, f.balance(t, alice))

	shares, err := f.vault.SharesOf(f.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "1000090000000000000", shares.Dec())
	idle, err := f.vault.IdleValue(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1_000_090, idle.Uint64())

	acct, err := f.ledger.Account(f.ctx, alice)
	require.NoError(t, err)
	require.True(t, acct.AutoCompound)
	require.EqualValues(t, 1, acct.Cursor)
}

func TestAutoCompoundDustFallsBackToTransfer(t *testing.T) {
	f := newFixture(t, options{decimals: 18})
	p := adapters.NewPassive("lending", "USDC", adapters.Endpoints{Vault: f.vault.Address(), Collector: f.agg.address}, f.state, f.bank)
	require.NoError(t, f.reg.Register(f.ctx, governor, "lending", strategy.Info{Active: true}, p))
	require.NoError(t, f.vault.SetTargetAllocation(f.ctx, governor, []string{"lending"}, []uint16{10_000}))

	// One share backed by 1001 units: any compounding deposit below that mints nothing.
	f.deposit(t, alice, 1)
	_, err := f.vault.Rebalance(f.ctx, keeper)
	require.NoError(t, err)
	require.NoError(t, f.bank.Mint(f.ctx, "USDC", p.Address(), uint256.NewInt(1_000)))

	require.NoError(t, f.ledger.SetAutoCompound(f.ctx, alice, true))
	f.harvest(t, 500)
	f.close(t)

	res, err := f.ledger.Claim(f.ctx, alice)
	require.NoError(t, err)
	require.False(t, res.AutoCompounded)
	require.EqualValues(t, 500, res.Value.Uint64())
	require.EqualValues(t, 500, f.balance(t, alice))
	shares, err := f.vault.SharesOf(f.ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 1, shares.Uint64())
}

func TestNewConfigValidation(t *testing.T) {
	f := newFixture(t, options{decimals: 6})
	policy, err := access.NewPolicy(nil)
	require.NoError(t, err)

	_, err = New(Config{Asset: ""}, f.state, f.bank, f.vault, f.agg, policy)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Asset: "USDC", FeeBps: 10_001}, f.state, f.bank, f.vault, f.agg, policy)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Asset: "USDC"}, f.state, f.bank, nil, f.agg, policy)
	require.ErrorIs(t, err, ErrInvalidConfig)

	l, err := New(Config{Asset: "USDC"}, f.state, f.bank, f.vault, f.agg, policy)
	require.NoError(t, err)
	require.EqualValues(t, DefaultMaxEpochsPerClaim, l.MaxEpochsPerClaim())
}

func TestClaimsFollowCurrentShareBalance(t *testing.T) {
	f := newFixture(t, options{decimals: 6})
	f.deposit(t, alice, 1_000_000)
	f.harvest(t, 100)
	f.close(t)

	shares, err := f.vault.SharesOf(f.ctx, alice)
	require.NoError(t, err)
	require.NoError(t, f.vault.TransferShares(f.ctx, alice, bob, shares))

	// Claims are not transfer-aware: the closed epoch is paid against the
	// balance held at claim time.
	claimable, err := f.ledger.Claimable(f.ctx, alice)
	require.NoError(t, err)
	require.True(t, claimable.IsZero())
	claimable, err = f.ledger.Claimable(f.ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 100, claimable.Uint64())

	res, err := f.ledger.Claim(f.ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 100, res.Value.Uint64())
	require.EqualValues(t, 100, f.balance(t, bob))

	cursor, err := f.ledger.Cursor(f.ctx, alice)
	require.NoError(t, err)
	require.Zero(t, cursor)
	cursor, err = f.ledger.Cursor(f.ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 1, cursor)

	res, err = f.ledger.Claim(f.ctx, alice)
	require.NoError(t, err)
	require.True(t, res.Value.IsZero())
	require.Zero(t, f.balance(t, alice))
}

func TestAutoCompoundWhileVaultPausedFallsBackToTransfer(t *testing.T) {
	f := newFixture(t, options{decimals: 6})
	pauses := nativecommon.NewPauseTable()
	f.vault.SetPauses(pauses)
	f.deposit(t, alice, 1_000_000)
	require.NoError(t, f.ledger.SetAutoCompound(f.ctx, alice, true))
	f.harvest(t, 100)
	f.close(t)

	require.NoError(t, pauses.SetPaused(vault.ModuleName, true))
	res, err := f.ledger.Claim(f.ctx, alice)
	require.NoError(t, err)
	require.False(t, res.AutoCompounded)
	require.EqualValues(t, 100, res.Value.Uint64())
	require.EqualValues(t, 100, f.balance(t, alice))

	shares, err := f.vault.SharesOf(f.ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", shares.Dec())
	cursor, err := f.ledger.Cursor(f.ctx, alice)
	require.NoError(t, err)
	require.EqualValues(t, 1, cursor)
	require.Len(t, f.events.OfType(events.TypeClaimed), 1)
}

func TestConcurrentClaimsAllSettle(t *testing.T) {
	f := newFixture(t, options{decimals: 6})
	holders := []common.Address{alice, bob, carol}
	for _, who := range holders {
		f.deposit(t, who, 1_000_000)
	}
	f.harvest(t, 300)
	f.close(t)

	var wg sync.WaitGroup
	results := make([]ClaimResult, len(holders))
	errs := make([]error, len(holders))
	for i, who := range holders {
		i, who := i, who
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.ledger.Claim(f.ctx, who)
		}()
	}
	wg.Wait()
	for i, who := range holders {
		require.NoError(t, errs[i])
		require.EqualValues(t, 100, results[i].Value.Uint64())
		require.EqualValues(t, 100, f.balance(t, who))
	}
}
