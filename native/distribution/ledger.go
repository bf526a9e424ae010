package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"yieldvault/core/events"
	"yieldvault/core/fixedpoint"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/vault"
	"yieldvault/observability"
	"yieldvault/observability/logging"
)

var (
	pendingKey    = []byte("distribution/pending")
	epochCountKey = []byte("distribution/epochs")
)

func epochKey(index uint64) []byte {
	return []byte("distribution/epoch/" + strconv.FormatUint(index, 10))
}

func accountKey(addr common.Address) []byte {
	return []byte("distribution/account/" + strings.ToLower(addr.Hex()))
}

// Ledger is the distribution engine. Only the ledger advances claim cursors;
// shares are read from, and compounded through, the vault.
type Ledger struct {
	cfg     Config
	scale   fixedpoint.Scale
	divisor *uint256.Int
	address common.Address

	state      *state.Manager
	bank       *bank.Bank
	shares     shareLedger
	aggregator aggregationPoint
	policy     *access.Policy
	guard      *nativecommon.ReentrancyGuard
	nowFn      func() time.Time

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.VaultMetrics
}

// New validates cfg and wires the ledger. The ledger's module account must
// hold the distributor role so it can pull from the aggregation point.
func New(cfg Config, st *state.Manager, b *bank.Bank, shares shareLedger, aggregator aggregationPoint, policy *access.Policy) (*Ledger, error) {
	cfg.Asset = strings.ToUpper(strings.TrimSpace(cfg.Asset))
	if cfg.Asset == "" {
		return nil, fmt.Errorf("%w: asset symbol required", ErrInvalidConfig)
	}
	if cfg.FeeBps > fixedpoint.BasisPoints {
		return nil, fmt.Errorf("%w: fee %d bps", ErrInvalidConfig, cfg.FeeBps)
	}
	if cfg.MaxEpochsPerClaim == 0 {
		cfg.MaxEpochsPerClaim = DefaultMaxEpochsPerClaim
	}
	scale, err := fixedpoint.NewScale(cfg.AssetDecimals)
	if err != nil {
		return nil, err
	}
	if st == nil || b == nil || shares == nil || aggregator == nil || policy == nil {
		return nil, fmt.Errorf("%w: missing collaborator", ErrInvalidConfig)
	}
	return &Ledger{
		cfg:        cfg,
		scale:      scale,
		divisor:    new(uint256.Int).Mul(fixedpoint.RAY(), scale.Factor()),
		address:    ModuleAddress(),
		state:      st,
		bank:       b,
		shares:     shares,
		aggregator: aggregator,
		policy:     policy,
		guard:      nativecommon.NewReentrancyGuard(ModuleName),
		nowFn:      time.Now,
		logger:     logging.Component(nil, "distribution"),
		tracer:     otel.Tracer("yieldvault/distribution"),
		metrics:    observability.Vault(),
	}, nil
}

// ModuleAddress is the account the ledger holds undistributed value at.
func ModuleAddress() common.Address { return access.ModuleAddress(ModuleName) }

func (l *Ledger) Address() common.Address { return l.address }

func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

func (l *Ledger) SetLogger(logger *slog.Logger) {
	if l == nil || logger == nil {
		return
	}
	l.logger = logger.With("component", "distribution")
}

// MaxEpochsPerClaim returns the configured claim window bound.
func (l *Ledger) MaxEpochsPerClaim() uint64 { return l.cfg.MaxEpochsPerClaim }

func (l *Ledger) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "distribution."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		observability.EndSpan(span, *errp)
		l.metrics.Observe("distribution."+op, time.Since(start), *errp)
	}
}

// exclusive runs fn in an execution with the ledger's busy flag held, taken
// under the execution lock so only re-entry from the same call stack fails.
func (l *Ledger) exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.state.Execute(ctx, func(ctx context.Context) error {
		release, err := l.guard.Enter()
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx)
	})
}

// CloseEpoch pulls harvested value from the aggregation point and either
// writes a new epoch or, while no shares exist, carries the value forward.
// Keeper only.
func (l *Ledger) CloseEpoch(ctx context.Context, caller common.Address) (result CloseResult, err error) {
	ctx, done := l.begin(ctx, "close_epoch")
	defer done(&err)

	if err := l.policy.Authorize(caller, access.RoleKeeper).Err(); err != nil {
		return CloseResult{}, err
	}
	err = l.exclusive(ctx, func(ctx context.Context) error {
		var err error
		result, err = l.closeEpoch(ctx)
		return err
	})
	if err != nil {
		return CloseResult{}, err
	}
	switch {
	case result.Epoch != nil:
		l.metrics.RecordEpoch("closed", result.Epoch.NetDistributedValue, result.Epoch.Fee)
		l.logger.Info("epoch closed",
			"epoch", result.Epoch.Index,
			"net", result.Epoch.NetDistributedValue.Dec(),
			"fee", result.Epoch.Fee.Dec())
	case result.Deferred:
		l.metrics.RecordEpoch("deferred", nil, nil)
	default:
		l.metrics.RecordEpoch("noop", nil, nil)
	}
	l.metrics.SetPending(result.Pending)
	return result, nil
}

func (l *Ledger) closeEpoch(ctx context.Context) (CloseResult, error) {
	harvested, err := l.aggregator.Release(ctx, l.address)
	if err != nil {
		return CloseResult{}, fmt.Errorf("release harvest: %w", err)
	}
	result := CloseResult{Harvested: fixedpoint.Clone(harvested)}
	pending, err := l.loadAmount(pendingKey)
	if err != nil {
		return CloseResult{}, err
	}
	amount, err := fixedpoint.Add(pending, harvested)
	if err != nil {
		return CloseResult{}, err
	}
	if amount.IsZero() {
		result.Pending = new(uint256.Int)
		return result, nil
	}

	supply, err := l.shares.TotalSupply(ctx)
	if err != nil {
		return CloseResult{}, err
	}
	if supply.IsZero() {
		if err := l.storeAmount(pendingKey, amount); err != nil {
			return CloseResult{}, err
		}
		result.Deferred = true
		result.Pending = amount
		l.state.Emit(events.EpochDeferred{PendingValue: fixedpoint.Clone(amount)})
		return result, nil
	}

	if err := l.storeAmount(pendingKey, nil); err != nil {
		return CloseResult{}, err
	}
	fee := fixedpoint.ApplyBps(amount, uint64(l.cfg.FeeBps))
	net := new(uint256.Int).Sub(amount, fee)
	if !fee.IsZero() {
		treasury, ok := l.policy.Treasury()
		if !ok {
			return CloseResult{}, ErrTreasuryNotConfigured
		}
		if err := l.bank.Transfer(ctx, l.cfg.Asset, l.address, treasury, fee); err != nil {
			return CloseResult{}, fmt.Errorf("pay fee: %w", err)
		}
	}
	ratio, err := fixedpoint.ValuePerShareRay(l.scale, net, supply)
	if err != nil {
		return CloseResult{}, err
	}
	count, err := l.epochCount()
	if err != nil {
		return CloseResult{}, err
	}
	prevCum, err := l.cumulativeAt(count)
	if err != nil {
		return CloseResult{}, err
	}
	cum, err := fixedpoint.Add(prevCum, ratio)
	if err != nil {
		return CloseResult{}, err
	}
	record := &EpochRecord{
		Index:               count,
		CloseTimestamp:      uint64(l.nowFn().Unix()),
		GrossValue:          amount,
		Fee:                 fee,
		NetDistributedValue: net,
		TotalSharesAtClose:  fixedpoint.Clone(supply),
		ValuePerShareRay:    ratio,
		CumulativeRay:       cum,
	}
	if err := l.state.KVPut(epochKey(count), record); err != nil {
		return CloseResult{}, err
	}
	if err := l.state.KVPut(epochCountKey, count+1); err != nil {
		return CloseResult{}, err
	}
	l.state.Emit(events.EpochClosed{
		Index:       record.Index,
		NetValue:    fixedpoint.Clone(net),
		Fee:         fixedpoint.Clone(fee),
		TotalShares: fixedpoint.Clone(supply),
		RatioRay:    fixedpoint.Clone(ratio),
	})
	result.Epoch = record
	result.Pending = new(uint256.Int)
	return result, nil
}

// Claimable returns what Claim would pay user right now.
func (l *Ledger) Claimable(ctx context.Context, user common.Address) (*uint256.Int, error) {
	var value *uint256.Int
	err := l.state.View(ctx, func(ctx context.Context) error {
		acct, err := l.account(user)
		if err != nil {
			return err
		}
		w, err := l.window(ctx, user, acct)
		if err != nil {
			return err
		}
		value = w.value
		return nil
	})
	return value, err
}

// Claim settles the caller's bounded claim window and advances the cursor to
// its end even when nothing is owed. With auto-compound enabled the value is
// re-deposited into the vault on the caller's behalf.
func (l *Ledger) Claim(ctx context.Context, caller common.Address) (result ClaimResult, err error) {
	ctx, done := l.begin(ctx, "claim", attribute.String("caller", caller.Hex()))
	defer done(&err)

	if caller == (common.Address{}) {
		return ClaimResult{}, ErrZeroAddress
	}
	err = l.exclusive(ctx, func(ctx context.Context) error {
		acct, err := l.account(caller)
		if err != nil {
			return err
		}
		w, err := l.window(ctx, caller, acct)
		if err != nil {
			return err
		}
		result = ClaimResult{Value: w.value, FromEpoch: acct.Cursor, ToEpoch: w.end}
		acct.Cursor = w.end
		acct.Carry = w.carry
		if err := l.storeAccount(caller, acct); err != nil {
			return err
		}
		if !w.value.IsZero() {
			if err := l.settle(ctx, caller, acct.AutoCompound, &result); err != nil {
				return err
			}
		}
		l.state.Emit(events.Claimed{
			User:           caller,
			Value:          fixedpoint.Clone(result.Value),
			AutoCompounded: result.AutoCompounded,
			SharesMinted:   result.SharesMinted,
			FromEpoch:      result.FromEpoch,
			ToEpoch:        result.ToEpoch,
		})
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	l.metrics.RecordClaim(result.AutoCompounded, result.Value)
	return result, nil
}

// settle pays the claimed value. A compounding deposit that the vault cannot
// take, because it is too small to mint a share or deposits are paused, falls
// back to a direct transfer.
func (l *Ledger) settle(ctx context.Context, caller common.Address, compound bool, result *ClaimResult) error {
	if compound {
		minted, err := l.shares.Deposit(ctx, l.address, result.Value, caller)
		switch {
		case err == nil:
			result.AutoCompounded = true
			result.SharesMinted = minted
			return nil
		case errors.Is(err, vault.ErrZeroAmount), errors.Is(err, nativecommon.ErrModulePaused):
			l.logger.Debug("compound claim paid by transfer", "user", caller.Hex(), "reason", err)
		default:
			return fmt.Errorf("compound claim: %w", err)
		}
	}
	if err := l.bank.Transfer(ctx, l.cfg.Asset, l.address, caller, result.Value); err != nil {
		return fmt.Errorf("pay claim: %w", err)
	}
	return nil
}

// SetAutoCompound records whether future claims re-deposit into the vault.
func (l *Ledger) SetAutoCompound(ctx context.Context, caller common.Address, enabled bool) (err error) {
	ctx, done := l.begin(ctx, "set_auto_compound")
	defer done(&err)

	if caller == (common.Address{}) {
		return ErrZeroAddress
	}
	return l.state.Execute(ctx, func(ctx context.Context) error {
		acct, err := l.account(caller)
		if err != nil {
			return err
		}
		if acct.AutoCompound == enabled {
			return nil
		}
		acct.AutoCompound = enabled
		if err := l.storeAccount(caller, acct); err != nil {
			return err
		}
		l.state.Emit(events.AutoCompoundSet{User: caller, Enabled: enabled})
		return nil
	})
}

// Account returns the claim state of user, zero-valued if never touched.
func (l *Ledger) Account(ctx context.Context, user common.Address) (out Account, err error) {
	err = l.state.View(ctx, func(context.Context) error {
		acct, err := l.account(user)
		if err != nil {
			return err
		}
		out = *acct
		return nil
	})
	return out, err
}

// Cursor returns the first epoch user has not yet claimed.
func (l *Ledger) Cursor(ctx context.Context, user common.Address) (uint64, error) {
	acct, err := l.Account(ctx, user)
	return acct.Cursor, err
}

// EpochCount returns the number of closed epochs.
func (l *Ledger) EpochCount(ctx context.Context) (count uint64, err error) {
	err = l.state.View(ctx, func(context.Context) error {
		count, err = l.epochCount()
		return err
	})
	return count, err
}

// PendingValue returns value carried forward to the next close.
func (l *Ledger) PendingValue(ctx context.Context) (pending *uint256.Int, err error) {
	err = l.state.View(ctx, func(context.Context) error {
		pending, err = l.loadAmount(pendingKey)
		return err
	})
	return pending, err
}

// Epoch returns the record at index.
func (l *Ledger) Epoch(ctx context.Context, index uint64) (out EpochRecord, err error) {
	err = l.state.View(ctx, func(context.Context) error {
		record, err := l.epoch(index)
		if err != nil {
			return err
		}
		out = *record
		return nil
	})
	return out, err
}
