package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yieldvault/core/events"
	"yieldvault/core/state"
	"yieldvault/native/access"
)

const indexKey = "strategy/index"

func recordKey(id string) []byte { return []byte("strategy/record/" + id) }

// Registry persists strategy records in registration order and keeps the live
// implementations bound to them. Records are never deleted.
type Registry struct {
	state  *state.Manager
	policy *access.Policy
	nowFn  func() time.Time

	mu    sync.RWMutex
	impls map[string]Strategy
}

func NewRegistry(st *state.Manager, policy *access.Policy) *Registry {
	return &Registry{
		state:  st,
		policy: policy,
		nowFn:  time.Now,
		impls:  make(map[string]Strategy),
	}
}

// SetNowFunc overrides the clock used to stamp registrations.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

func normaliseID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds a new strategy. Only the governor may register.
func (r *Registry) Register(ctx context.Context, caller common.Address, id string, info Info, impl Strategy) error {
	if err := r.policy.Authorize(caller, access.RoleGovernor).Err(); err != nil {
		return err
	}
	key := normaliseID(id)
	if key == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidConfig)
	}
	if impl == nil {
		return fmt.Errorf("%w: %s has no implementation", ErrInvalidConfig, key)
	}
	if err := info.Validate(); err != nil {
		return fmt.Errorf("%w: %s", err, key)
	}
	return r.state.Execute(ctx, func(ctx context.Context) error {
		existing, err := r.load(key)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
		}
		record := &storedRecord{ID: key, Name: impl.Name(), RegisteredAt: uint64(r.nowFn().Unix())}
		record.apply(info)
		if err := r.state.KVPut(recordKey(key), record); err != nil {
			return err
		}
		if err := r.state.KVAppend([]byte(indexKey), []byte(key)); err != nil {
			return err
		}
		if err := r.bindJournaled(key, impl); err != nil {
			return err
		}
		r.state.Emit(events.StrategyRegistered{StrategyRecord: eventRecord(record)})
		return nil
	})
}

// Update replaces the full record of a registered strategy.
func (r *Registry) Update(ctx context.Context, caller common.Address, id string, info Info) error {
	if err := r.policy.Authorize(caller, access.RoleGovernor).Err(); err != nil {
		return err
	}
	key := normaliseID(id)
	if err := info.Validate(); err != nil {
		return fmt.Errorf("%w: %s", err, key)
	}
	return r.state.Execute(ctx, func(ctx context.Context) error {
		record, err := r.load(key)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotRegistered, key)
		}
		record.apply(info)
		if err := r.state.KVPut(recordKey(key), record); err != nil {
			return err
		}
		r.state.Emit(events.StrategyUpdated{StrategyRecord: eventRecord(record)})
		return nil
	})
}

// SetActive toggles the activity flag. Governor or guardian.
func (r *Registry) SetActive(ctx context.Context, caller common.Address, id string, active bool) error {
	if err := r.policy.Authorize(caller, access.RoleGovernor, access.RoleGuardian).Err(); err != nil {
		return err
	}
	key := normaliseID(id)
	return r.state.Execute(ctx, func(ctx context.Context) error {
		record, err := r.load(key)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotRegistered, key)
		}
		if record.Active == active {
			return nil
		}
		record.Active = active
		if err := r.state.KVPut(recordKey(key), record); err != nil {
			return err
		}
		r.state.Emit(events.StrategyActivityChanged{ID: key, Active: active})
		return nil
	})
}

// Bind attaches a live implementation to an already persisted record, e.g.
// after a restart. Inside an execution the binding is dropped again if that
// execution reverts.
func (r *Registry) Bind(ctx context.Context, id string, impl Strategy) error {
	key := normaliseID(id)
	if impl == nil {
		return fmt.Errorf("%w: %s has no implementation", ErrInvalidConfig, key)
	}
	err := r.state.View(ctx, func(context.Context) error {
		record, err := r.load(key)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotRegistered, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if r.state.Executing(ctx) {
		return r.bindJournaled(key, impl)
	}
	r.bind(key, impl)
	return nil
}

func (r *Registry) bind(key string, impl Strategy) {
	r.mu.Lock()
	r.impls[key] = impl
	r.mu.Unlock()
}

// bindJournaled binds impl and restores the previous binding if the enclosing
// execution reverts.
func (r *Registry) bindJournaled(key string, impl Strategy) error {
	r.mu.Lock()
	prev, had := r.impls[key]
	r.impls[key] = impl
	r.mu.Unlock()
	return r.state.OnRevert(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if had {
			r.impls[key] = prev
		} else {
			delete(r.impls, key)
		}
	})
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id string) (info Info, err error) {
	key := normaliseID(id)
	err = r.state.View(ctx, func(context.Context) error {
		record, err := r.load(key)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotRegistered, key)
		}
		info = record.info()
		return nil
	})
	return info, err
}

// Impl returns the bound implementation for id.
func (r *Registry) Impl(id string) (Strategy, error) {
	key := normaliseID(id)
	r.mu.RLock()
	impl, ok := r.impls[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, key)
	}
	return impl, nil
}

// List returns every record in registration order.
func (r *Registry) List(ctx context.Context) (out []Entry, err error) {
	err = r.state.View(ctx, func(context.Context) error {
		var ids [][]byte
		if err := r.state.KVGetList([]byte(indexKey), &ids); err != nil {
			return err
		}
		out = make([]Entry, 0, len(ids))
		for _, raw := range ids {
			record, err := r.load(string(raw))
			if err != nil {
				return err
			}
			if record == nil {
				return fmt.Errorf("strategy: index references missing record %s", raw)
			}
			out = append(out, Entry{ID: record.ID, Info: record.info()})
		}
		return nil
	})
	return out, err
}

// ListActive returns the identifiers of active strategies in registration
// order. Rebalancing services them in this order, so earlier registrations
// win when caps bind.
func (r *Registry) ListActive(ctx context.Context) ([]string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Info.Active {
			out = append(out, entry.ID)
		}
	}
	return out, nil
}

// IsActive reports whether id is registered and active.
func (r *Registry) IsActive(ctx context.Context, id string) (active bool, err error) {
	err = r.state.View(ctx, func(context.Context) error {
		record, err := r.load(normaliseID(id))
		if err != nil || record == nil {
			return err
		}
		active = record.Active
		return nil
	})
	return active, err
}

func (r *Registry) load(key string) (*storedRecord, error) {
	if key == "" {
		return nil, nil
	}
	record := new(storedRecord)
	ok, err := r.state.KVGet(recordKey(key), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return record, nil
}

func eventRecord(r *storedRecord) events.StrategyRecord {
	return events.StrategyRecord{
		ID:                    r.ID,
		Name:                  r.Name,
		Active:                r.Active,
		HardCapAssetValue:     r.HardCapAssetValue,
		MaxFractionOfVaultBps: r.MaxFractionOfVaultBps,
		MaxSwapSlippageBps:    r.MaxSwapSlippageBps,
	}
}
