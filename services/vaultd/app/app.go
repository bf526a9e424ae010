// Package app assembles the vault ledgers from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"yieldvault/config"
	"yieldvault/core/events"
	"yieldvault/core/state"
	"yieldvault/native/access"
	"yieldvault/native/bank"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/distribution"
	"yieldvault/native/harvest"
	"yieldvault/native/strategy"
	"yieldvault/native/strategy/adapters"
	"yieldvault/native/swapguard"
	"yieldvault/native/vault"
	"yieldvault/observability/logging"
	"yieldvault/storage"
)

const (
	routerName    = "reserve"
	oracleSource  = "config"
	genesisMarker = "vaultd/genesis"
)

// App holds the wired ledgers of one vault.
type App struct {
	Config       *config.Config
	State        *state.Manager
	Bank         *bank.Bank
	Policy       *access.Policy
	Pauses       *nativecommon.PauseTable
	Registry     *strategy.Registry
	Oracle       *swapguard.StaticOracle
	Guard        *swapguard.Guard
	Router       *adapters.ReserveRouter
	Collector    *harvest.Collector
	Vault        *vault.Vault
	Distribution *distribution.Ledger

	governor common.Address
	keeper   common.Address
	logger   *slog.Logger
	now      func() time.Time

	// held maps routed strategy ids to the asset they hold.
	heldMu sync.RWMutex
	held   map[string]string
}

// Build wires every ledger against db. Strategies are bound but not
// registered; call Bootstrap for that.
func Build(cfg *config.Config, db storage.Database, emitter events.Emitter) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	st := state.NewManager(db)

	policy, err := buildPolicy(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:   cfg,
		State:    st,
		Bank:     bank.New(st),
		Policy:   policy,
		Pauses:   nativecommon.NewPauseTable(),
		Registry: strategy.NewRegistry(st, policy),
		Oracle:   swapguard.NewStaticOracle(),
		logger:   logging.Component(nil, "vaultd"),
		now:      time.Now,
		held:     make(map[string]string),
	}
	st.SetEmitter(events.Fanout{emitter, guardSync{a}})
	if members := policy.Members(access.RoleGovernor); len(members) > 0 {
		a.governor = members[0]
	}
	if members := policy.Members(access.RoleKeeper); len(members) > 0 {
		a.keeper = members[0]
	}

	a.Guard = swapguard.New(a.Oracle)
	a.Router = adapters.NewReserveRouter(routerName, st, a.Bank, a.Oracle, cfg.Oracle.RouterFeeBps)
	a.Guard.AllowRouter(a.Router.Address())
	if err := a.RefreshPrices(); err != nil {
		return nil, err
	}

	a.Collector = harvest.New(cfg.Asset.Symbol, st, a.Bank, a.Registry, policy)
	a.Vault, err = vault.New(vault.Config{
		Asset:                      cfg.Asset.Symbol,
		AssetDecimals:              cfg.Asset.Decimals,
		MinDeploymentEfficiencyBps: cfg.Vault.MinDeploymentEfficiencyBps,
	}, st, a.Bank, a.Registry, policy)
	if err != nil {
		return nil, err
	}
	a.Vault.SetPauses(a.Pauses)

	a.Distribution, err = distribution.New(distribution.Config{
		Asset:             cfg.Asset.Symbol,
		AssetDecimals:     cfg.Asset.Decimals,
		FeeBps:            cfg.Vault.FeeBps,
		MaxEpochsPerClaim: cfg.Vault.MaxEpochsPerClaim,
	}, st, a.Bank, a.Vault, a.Collector, policy)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildPolicy(cfg *config.Config) (*access.Policy, error) {
	grants := make(map[access.Role][]common.Address)
	for role, raw := range map[access.Role][]string{
		access.RoleGovernor: cfg.Roles.Governor,
		access.RoleGuardian: cfg.Roles.Guardian,
		access.RoleKeeper:   cfg.Roles.Keeper,
		access.RoleTreasury: cfg.Roles.Treasury,
	} {
		addrs, err := config.ParseAddresses(string(role), raw)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			grants[role] = addrs
		}
	}
	grants[access.RoleDistributor] = []common.Address{distribution.ModuleAddress()}
	return access.NewPolicy(grants)
}

// Governor returns the identity used for bootstrap registration.
func (a *App) Governor() common.Address { return a.governor }

// Keeper returns the identity scheduled jobs run as.
func (a *App) Keeper() common.Address { return a.keeper }

// RefreshPrices re-publishes the configured oracle prices at the current time.
func (a *App) RefreshPrices() error {
	now := a.now()
	for _, p := range a.Config.Oracle.Prices {
		rate, err := config.ParseRate(p.Rate)
		if err != nil {
			return err
		}
		if err := a.Oracle.SetRate(p.Base, p.Quote, rate, now, oracleSource); err != nil {
			return fmt.Errorf("oracle %s/%s: %w", p.Base, p.Quote, err)
		}
	}
	return nil
}

// Bootstrap binds the configured strategies, registering the ones the state
// has not seen yet. On first boot it also mints the genesis balances and
// applies the configured target allocation. The whole call is atomic. Swap
// tolerances of routed strategies follow the persisted registry record, not
// the config, once a strategy is registered.
func (a *App) Bootstrap(ctx context.Context) error {
	endpoints := adapters.Endpoints{Vault: a.Vault.Address(), Collector: a.Collector.Address()}
	return a.State.Execute(ctx, func(ctx context.Context) error {
		for _, sc := range a.Config.Strategies {
			impl, err := a.buildStrategy(sc, endpoints)
			if err != nil {
				return err
			}
			if info, err := a.Registry.Get(ctx, sc.ID); err == nil {
				if err := a.Registry.Bind(ctx, sc.ID, impl); err != nil {
					return err
				}
				if err := a.syncGuard(sc.ID, info.MaxSwapSlippageBps); err != nil {
					return err
				}
				continue
			} else if !errors.Is(err, strategy.ErrNotRegistered) {
				return err
			}
			hardCap, err := config.ParseAmount(sc.HardCap)
			if err != nil {
				return err
			}
			info := strategy.Info{
				Active:                !sc.Disabled,
				HardCapAssetValue:     hardCap,
				MaxFractionOfVaultBps: sc.MaxFractionOfVaultBps,
				MaxSwapSlippageBps:    sc.MaxSwapSlippageBps,
			}
			if err := a.Registry.Register(ctx, a.governor, sc.ID, info, impl); err != nil {
				return err
			}
			if err := a.syncGuard(sc.ID, info.MaxSwapSlippageBps); err != nil {
				return err
			}
			a.logger.Info("strategy registered", "strategy", sc.ID, "kind", sc.Kind)
		}

		var done bool
		if _, err := a.State.KVGet([]byte(genesisMarker), &done); err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := a.mintGenesis(ctx); err != nil {
			return err
		}
		if err := a.applyAllocation(ctx); err != nil {
			return err
		}
		return a.State.KVPut([]byte(genesisMarker), true)
	})
}

func (a *App) buildStrategy(sc config.StrategyConfig, endpoints adapters.Endpoints) (strategy.Strategy, error) {
	switch sc.Kind {
	case config.KindPassive:
		return adapters.NewPassive(sc.ID, a.Config.Asset.Symbol, endpoints, a.State, a.Bank), nil
	case config.KindRouted:
		a.heldMu.Lock()
		a.held[strategyKey(sc.ID)] = sc.HeldAsset
		a.heldMu.Unlock()
		return adapters.NewRouted(sc.ID, a.Config.Asset.Symbol, sc.HeldAsset, endpoints, a.State, a.Bank, a.Router, a.Guard), nil
	default:
		return nil, fmt.Errorf("app: unknown strategy kind %q", sc.Kind)
	}
}

func strategyKey(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// syncGuard points both swap directions of a routed strategy at its registry
// slippage. Routed strategies holding the same asset share one pair config, so
// the most recent sync wins. Other kinds are ignored.
func (a *App) syncGuard(id string, slippageBps uint16) error {
	a.heldMu.RLock()
	held, ok := a.held[strategyKey(id)]
	a.heldMu.RUnlock()
	if !ok {
		return nil
	}
	pair := swapguard.PairConfig{SlippageBps: slippageBps, MaxAge: a.Config.Oracle.MaxAge.Duration}
	if err := a.Guard.ConfigurePair(a.Config.Asset.Symbol, held, pair); err != nil {
		return err
	}
	return a.Guard.ConfigurePair(held, a.Config.Asset.Symbol, pair)
}

// guardSync applies committed registry updates to the swap guard.
type guardSync struct{ app *App }

func (g guardSync) Emit(evt events.Event) {
	updated, ok := evt.(events.StrategyUpdated)
	if !ok {
		return
	}
	if err := g.app.syncGuard(updated.ID, updated.MaxSwapSlippageBps); err != nil {
		g.app.logger.Error("swap guard resync failed", "strategy", updated.ID, "error", err)
		return
	}
	g.app.logger.Info("swap guard resynced", "strategy", updated.ID, "slippage_bps", updated.MaxSwapSlippageBps)
}

func (a *App) mintGenesis(ctx context.Context) error {
	for _, m := range a.Config.Genesis.Mint {
		amount, err := config.ParseAmount(m.Amount)
		if err != nil {
			return err
		}
		to := a.Router.Address()
		if !m.Router {
			to = common.HexToAddress(strings.TrimSpace(m.Address))
		}
		asset := m.Asset
		if strings.TrimSpace(asset) == "" {
			asset = a.Config.Asset.Symbol
		}
		if err := a.Bank.Mint(ctx, asset, to, amount); err != nil {
			return fmt.Errorf("genesis mint %s to %s: %w", asset, to.Hex(), err)
		}
	}
	return nil
}

func (a *App) applyAllocation(ctx context.Context) error {
	var (
		ids []string
		bps []uint16
	)
	for _, sc := range a.Config.Strategies {
		if sc.TargetBps == 0 || sc.Disabled {
			continue
		}
		ids = append(ids, sc.ID)
		bps = append(bps, sc.TargetBps)
	}
	if len(ids) == 0 {
		return nil
	}
	return a.Vault.SetTargetAllocation(ctx, a.governor, ids, bps)
}
