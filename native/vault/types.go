package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/native/access"
	nativecommon "yieldvault/native/common"
	"yieldvault/native/strategy"
)

// ModuleName is the pause key and module account seed of the vault.
const ModuleName = "vault"

// DefaultMinDeploymentEfficiencyBps is the deployment floor applied when the
// configuration leaves it unset.
const DefaultMinDeploymentEfficiencyBps = 9_500

var (
	ErrZeroAmount                 = nativecommon.NewError(nativecommon.ClassMisuse, "vault: zero amount")
	ErrZeroAddress                = nativecommon.NewError(nativecommon.ClassMisuse, "vault: zero address")
	ErrInsufficientShares         = nativecommon.NewError(nativecommon.ClassMisuse, "vault: insufficient shares")
	ErrAllocationNotFull          = nativecommon.NewError(nativecommon.ClassConfiguration, "vault: active allocation does not sum to 10000 bps")
	ErrInvalidAllocation          = nativecommon.NewError(nativecommon.ClassConfiguration, "vault: invalid allocation")
	ErrStrategyInactive           = nativecommon.NewError(nativecommon.ClassConfiguration, "vault: strategy not active")
	ErrInvalidConfig              = nativecommon.NewError(nativecommon.ClassConfiguration, "vault: invalid config")
	ErrDeploymentSlippageExceeded = nativecommon.NewError(nativecommon.ClassEconomicSafety, "vault: deployment slippage exceeded")
	ErrStrategyValueUnavailable   = nativecommon.NewError(nativecommon.ClassEconomicSafety, "vault: strategy value unavailable")
	ErrStrategyPanicked           = nativecommon.NewError(nativecommon.ClassInternal, "vault: strategy panicked")
)

func errPanicked(id string, r any) error {
	return fmt.Errorf("%w: %s: %v", ErrStrategyPanicked, id, r)
}

// Config captures the externally supplied vault parameters.
type Config struct {
	Asset                      string
	AssetDecimals              uint8
	MinDeploymentEfficiencyBps uint16
	// Address overrides the module account. Defaults to ModuleAddress("vault").
	Address common.Address
}

func (c Config) withDefaults() Config {
	c.Asset = strings.ToUpper(strings.TrimSpace(c.Asset))
	if c.MinDeploymentEfficiencyBps == 0 {
		c.MinDeploymentEfficiencyBps = DefaultMinDeploymentEfficiencyBps
	}
	if c.Address == (common.Address{}) {
		c.Address = access.ModuleAddress(ModuleName)
	}
	return c
}

// Pauser toggles module pauses.
type Pauser interface {
	nativecommon.PauseView
	SetPaused(module string, paused bool) error
}

type strategySource interface {
	ListActive(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]strategy.Entry, error)
	Get(ctx context.Context, id string) (strategy.Info, error)
	Impl(id string) (strategy.Strategy, error)
}

// Target is a single entry of the target allocation.
type Target struct {
	StrategyID string
	Bps        uint16
}

// Deployment records what a rebalance sent to one strategy.
type Deployment struct {
	StrategyID string
	Desired    *uint256.Int
	Actual     *uint256.Int
}

// RebalanceReport summarises a rebalance.
type RebalanceReport struct {
	Deployed      *uint256.Int
	IdleRemaining *uint256.Int
	Deployments   []Deployment
}

// Position describes one registered strategy in a snapshot. Value is only
// populated for active strategies.
type Position struct {
	StrategyID string
	Info       strategy.Info
	Value      *uint256.Int
	TargetBps  uint16
}

// Snapshot is a consistent read of the vault ledger.
type Snapshot struct {
	Asset       string
	Decimals    uint8
	Idle        *uint256.Int
	TotalAssets *uint256.Int
	TotalSupply *uint256.Int
	Paused      bool
	Positions   []Position
}

func normaliseID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
