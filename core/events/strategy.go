package events

import (
	"github.com/holiman/uint256"

	"yieldvault/core/types"
)

const (
	TypeStrategyRegistered      = "strategy.registered"
	TypeStrategyUpdated         = "strategy.updated"
	TypeStrategyActivityChanged = "strategy.activityChanged"
)

// StrategyRecord carries the registry fields shared by registration and update
// events.
type StrategyRecord struct {
	ID                    string
	Name                  string
	Active                bool
	HardCapAssetValue     *uint256.Int
	MaxFractionOfVaultBps uint16
	MaxSwapSlippageBps    uint16
}

func (r StrategyRecord) attributes() map[string]string {
	return map[string]string{
		"strategy":              r.ID,
		"name":                  r.Name,
		"active":                formatBool(r.Active),
		"hardCapAssetValue":     formatAmount(r.HardCapAssetValue),
		"maxFractionOfVaultBps": formatUint(uint64(r.MaxFractionOfVaultBps)),
		"maxSwapSlippageBps":    formatUint(uint64(r.MaxSwapSlippageBps)),
	}
}

type StrategyRegistered struct{ StrategyRecord }

func (StrategyRegistered) EventType() string { return TypeStrategyRegistered }

func (e StrategyRegistered) Event() *types.Event {
	return &types.Event{Type: TypeStrategyRegistered, Attributes: e.attributes()}
}

type StrategyUpdated struct{ StrategyRecord }

func (StrategyUpdated) EventType() string { return TypeStrategyUpdated }

func (e StrategyUpdated) Event() *types.Event {
	return &types.Event{Type: TypeStrategyUpdated, Attributes: e.attributes()}
}

type StrategyActivityChanged struct {
	ID     string
	Active bool
}

func (StrategyActivityChanged) EventType() string { return TypeStrategyActivityChanged }

func (e StrategyActivityChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeStrategyActivityChanged,
		Attributes: map[string]string{
			"strategy": e.ID,
			"active":   formatBool(e.Active),
		},
	}
}
