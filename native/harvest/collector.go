// Package harvest implements the aggregation point strategies report realised
// yield into. Accumulated value leaves the collector only through Release,
// which only the distribution ledger may call.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"yieldvault/core/events"
	"yieldvault/core/fixedpoint"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/strategy"
	"yieldvault/observability"
	"yieldvault/observability/logging"
)

const ModuleName = "harvest"

var ErrStrategyPanicked = nativecommon.NewError(nativecommon.ClassInternal, "harvest: strategy panicked")

type strategySource interface {
	ListActive(ctx context.Context) ([]string, error)
	Impl(id string) (strategy.Strategy, error)
}

// Report summarises a harvest round. Received is measured at the collector
// account; Reported is the sum of the strategies' own estimates.
type Report struct {
	Received *uint256.Int
	Reported *uint256.Int
	Failed   []string
}

type Collector struct {
	asset      string
	address    common.Address
	state      *state.Manager
	bank       *bank.Bank
	strategies strategySource
	policy     *access.Policy
	guard      *nativecommon.ReentrancyGuard

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.VaultMetrics
}

func New(asset string, st *state.Manager, b *bank.Bank, strategies strategySource, policy *access.Policy) *Collector {
	return &Collector{
		asset:      strings.ToUpper(strings.TrimSpace(asset)),
		address:    access.ModuleAddress(ModuleName),
		state:      st,
		bank:       b,
		strategies: strategies,
		policy:     policy,
		guard:      nativecommon.NewReentrancyGuard(ModuleName),
		logger:     logging.Component(nil, "harvest"),
		tracer:     otel.Tracer("yieldvault/harvest"),
		metrics:    observability.Vault(),
	}
}

func (c *Collector) SetLogger(logger *slog.Logger) {
	if c == nil || logger == nil {
		return
	}
	c.logger = logger.With("component", "harvest")
}

// Address is the account strategies send harvested value to.
func (c *Collector) Address() common.Address { return c.address }

// Balance returns the value waiting to be released.
func (c *Collector) Balance(ctx context.Context) (*uint256.Int, error) {
	return c.bank.BalanceOf(ctx, c.asset, c.address)
}

// Harvest asks every active strategy to realise yield into the collector.
// Failing strategies are skipped with their partial effects reverted. Keeper
// only.
func (c *Collector) Harvest(ctx context.Context, caller common.Address) (report Report, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "harvest.collect")
	defer func() {
		observability.EndSpan(span, err)
		c.metrics.Observe("harvest.collect", time.Since(start), err)
	}()

	if err := c.policy.Authorize(caller, access.RoleKeeper).Err(); err != nil {
		return Report{}, err
	}
	report = Report{Received: new(uint256.Int), Reported: new(uint256.Int)}
	err = c.state.Execute(ctx, func(ctx context.Context) error {
		// The flag is taken under the execution lock: concurrent callers queue
		// on the lock and only re-entry from this call stack is rejected.
		release, err := c.guard.Enter()
		if err != nil {
			return err
		}
		defer release()
		active, err := c.strategies.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, id := range active {
			received, reported, harvestErr := c.harvestOne(ctx, id)
			if harvestErr != nil {
				report.Failed = append(report.Failed, id)
				c.logger.Warn("strategy harvest failed", "strategy", id, "error", harvestErr)
				c.state.Emit(events.HarvestFailed{StrategyID: id, Reason: harvestErr.Error()})
				continue
			}
			report.Received.Add(report.Received, received)
			if sum, overflow := new(uint256.Int).AddOverflow(report.Reported, reported); !overflow {
				report.Reported = sum
			}
			c.state.Emit(events.HarvestCollected{StrategyID: id, Reported: reported, Received: received})
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	c.metrics.RecordHarvest(report.Received, len(report.Failed))
	return report, nil
}

func (c *Collector) harvestOne(ctx context.Context, id string) (received, reported *uint256.Int, err error) {
	err = c.state.Execute(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s: %v", ErrStrategyPanicked, id, r)
			}
		}()
		impl, err := c.strategies.Impl(id)
		if err != nil {
			return err
		}
		before, err := c.Balance(ctx)
		if err != nil {
			return err
		}
		estimate, err := impl.Harvest(ctx)
		if err != nil {
			return err
		}
		after, err := c.Balance(ctx)
		if err != nil {
			return err
		}
		received = fixedpoint.SaturatingSub(after, before)
		reported = fixedpoint.Clone(estimate)
		return nil
	})
	return received, reported, err
}

// Release moves the whole accumulated balance to the calling distribution
// ledger and returns the amount moved.
func (c *Collector) Release(ctx context.Context, caller common.Address) (amount *uint256.Int, err error) {
	ctx, span := c.tracer.Start(ctx, "harvest.release")
	defer func() { observability.EndSpan(span, err) }()

	if err := c.policy.Authorize(caller, access.RoleDistributor).Err(); err != nil {
		return nil, err
	}
	err = c.state.Execute(ctx, func(ctx context.Context) error {
		var err error
		if amount, err = c.Balance(ctx); err != nil {
			return err
		}
		if amount.IsZero() {
			return nil
		}
		if err := c.bank.Transfer(ctx, c.asset, c.address, caller, amount); err != nil {
			return err
		}
		c.state.Emit(events.HarvestReleased{To: caller, Amount: fixedpoint.Clone(amount)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}
