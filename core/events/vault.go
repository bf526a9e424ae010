package events

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/types"
)

const (
	// TypeVaultDeposited is emitted when assets are deposited and shares minted.
	TypeVaultDeposited = "vault.deposited"
	// TypeVaultSharesTransferred is emitted when receipt shares change hands.
	TypeVaultSharesTransferred = "vault.sharesTransferred"
	// TypeVaultRebalanced is emitted when a rebalance completes.
	TypeVaultRebalanced = "vault.rebalanced"
	// TypeVaultRebalanceSkipped is emitted when a rebalance had nothing to deploy.
	TypeVaultRebalanceSkipped = "vault.rebalanceSkipped"
	// TypeVaultStrategyDeployed records a single strategy deployment inside a rebalance.
	TypeVaultStrategyDeployed = "vault.strategyDeployed"
	// TypeVaultAllocationUpdated is emitted when governance replaces the target allocation.
	TypeVaultAllocationUpdated = "vault.allocationUpdated"
	// TypeVaultEmergencyWithdrawal summarises an emergency unwind.
	TypeVaultEmergencyWithdrawal = "vault.emergencyWithdrawal"
	// TypeVaultUnwindFailed records a strategy that could not be unwound.
	TypeVaultUnwindFailed = "vault.unwindFailed"
)

// VaultDeposited captures a completed deposit.
type VaultDeposited struct {
	Caller    common.Address
	Receiver  common.Address
	AssetsIn  *uint256.Int
	SharesOut *uint256.Int
}

// EventType satisfies the Event interface.
func (VaultDeposited) EventType() string { return TypeVaultDeposited }

// Event converts the structured payload into a broadcastable event.
func (e VaultDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultDeposited,
		Attributes: map[string]string{
			"caller":    formatAddress(e.Caller),
			"receiver":  formatAddress(e.Receiver),
			"assetsIn":  formatAmount(e.AssetsIn),
			"sharesOut": formatAmount(e.SharesOut),
		},
	}
}

// VaultSharesTransferred captures a receipt share transfer.
type VaultSharesTransferred struct {
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// EventType satisfies the Event interface.
func (VaultSharesTransferred) EventType() string { return TypeVaultSharesTransferred }

// Event converts the structured payload into a broadcastable event.
func (e VaultSharesTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultSharesTransferred,
		Attributes: map[string]string{
			"from":   formatAddress(e.From),
			"to":     formatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

// VaultRebalanced captures the outcome of a rebalance.
type VaultRebalanced struct {
	DeployedValue *uint256.Int
	IdleRemaining *uint256.Int
	Strategies    int
}

// EventType satisfies the Event interface.
func (VaultRebalanced) EventType() string { return TypeVaultRebalanced }

// Event converts the structured payload into a broadcastable event.
func (e VaultRebalanced) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultRebalanced,
		Attributes: map[string]string{
			"deployedValue": formatAmount(e.DeployedValue),
			"idleRemaining": formatAmount(e.IdleRemaining),
			"strategies":    formatUint(uint64(e.Strategies)),
		},
	}
}

// VaultRebalanceSkipped captures a rebalance that deployed nothing.
type VaultRebalanceSkipped struct {
	Reason string
}

// EventType satisfies the Event interface.
func (VaultRebalanceSkipped) EventType() string { return TypeVaultRebalanceSkipped }

// Event converts the structured payload into a broadcastable event.
func (e VaultRebalanceSkipped) Event() *types.Event {
	return &types.Event{
		Type:       TypeVaultRebalanceSkipped,
		Attributes: map[string]string{"reason": e.Reason},
	}
}

// VaultStrategyDeployed captures a single deployment into a strategy.
type VaultStrategyDeployed struct {
	StrategyID string
	Desired    *uint256.Int
	Deployed   *uint256.Int
}

// EventType satisfies the Event interface.
func (VaultStrategyDeployed) EventType() string { return TypeVaultStrategyDeployed }

// Event converts the structured payload into a broadcastable event.
func (e VaultStrategyDeployed) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultStrategyDeployed,
		Attributes: map[string]string{
			"strategy": e.StrategyID,
			"desired":  formatAmount(e.Desired),
			"deployed": formatAmount(e.Deployed),
		},
	}
}

// AllocationTarget pairs a strategy with its target basis points.
type AllocationTarget struct {
	StrategyID string
	Bps        uint64
}

// VaultAllocationUpdated captures a governance allocation change.
type VaultAllocationUpdated struct {
	Targets []AllocationTarget
}

// EventType satisfies the Event interface.
func (VaultAllocationUpdated) EventType() string { return TypeVaultAllocationUpdated }

// Event converts the structured payload into a broadcastable event.
func (e VaultAllocationUpdated) Event() *types.Event {
	parts := make([]string, 0, len(e.Targets))
	for _, target := range e.Targets {
		parts = append(parts, target.StrategyID+"="+formatUint(target.Bps))
	}
	return &types.Event{
		Type:       TypeVaultAllocationUpdated,
		Attributes: map[string]string{"targets": strings.Join(parts, ",")},
	}
}

// VaultEmergencyWithdrawal summarises a best-effort unwind of all strategies.
type VaultEmergencyWithdrawal struct {
	Recovered *uint256.Int
	Idle      *uint256.Int
	Failed    int
}

// EventType satisfies the Event interface.
func (VaultEmergencyWithdrawal) EventType() string { return TypeVaultEmergencyWithdrawal }

// Event converts the structured payload into a broadcastable event.
func (e VaultEmergencyWithdrawal) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultEmergencyWithdrawal,
		Attributes: map[string]string{
			"recovered": formatAmount(e.Recovered),
			"idle":      formatAmount(e.Idle),
			"failed":    formatUint(uint64(e.Failed)),
		},
	}
}

// VaultUnwindFailed records a strategy skipped during emergency withdrawal.
type VaultUnwindFailed struct {
	StrategyID string
	Reason     string
}

// EventType satisfies the Event interface.
func (VaultUnwindFailed) EventType() string { return TypeVaultUnwindFailed }

// Event converts the structured payload into a broadcastable event.
func (e VaultUnwindFailed) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultUnwindFailed,
		Attributes: map[string]string{
			"strategy": e.StrategyID,
			"reason":   e.Reason,
		},
	}
}
