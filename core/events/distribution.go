package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/types"
)

const (
	// TypeEpochClosed is emitted when harvested value is converted into a per-share ratio.
	TypeEpochClosed = "distribution.epochClosed"
	// TypeEpochDeferred is emitted when value is carried forward because no shares exist.
	TypeEpochDeferred = "distribution.epochDeferred"
	// TypeClaimed is emitted for every claim, including zero-value cursor advances.
	TypeClaimed = "distribution.claimed"
	// TypeAutoCompoundSet is emitted when an account toggles auto-compounding.
	TypeAutoCompoundSet = "distribution.autoCompoundSet"
)

// EpochClosed captures a written epoch record.
type EpochClosed struct {
	Index       uint64
	NetValue    *uint256.Int
	Fee         *uint256.Int
	TotalShares *uint256.Int
	RatioRay    *uint256.Int
}

// EventType satisfies the Event interface.
func (EpochClosed) EventType() string { return TypeEpochClosed }

// Event converts the structured payload into a broadcastable event.
func (e EpochClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeEpochClosed,
		Attributes: map[string]string{
			"epochIndex":  formatUint(e.Index),
			"netValue":    formatAmount(e.NetValue),
			"fee":         formatAmount(e.Fee),
			"totalShares": formatAmount(e.TotalShares),
			"ratio":       formatAmount(e.RatioRay),
		},
	}
}

// EpochDeferred captures value carried forward to a later epoch.
type EpochDeferred struct {
	PendingValue *uint256.Int
}

// EventType satisfies the Event interface.
func (EpochDeferred) EventType() string { return TypeEpochDeferred }

// Event converts the structured payload into a broadcastable event.
func (e EpochDeferred) Event() *types.Event {
	return &types.Event{
		Type:       TypeEpochDeferred,
		Attributes: map[string]string{"pendingValue": formatAmount(e.PendingValue)},
	}
}

// Claimed captures a processed claim window.
type Claimed struct {
	User           common.Address
	Value          *uint256.Int
	AutoCompounded bool
	SharesMinted   *uint256.Int
	FromEpoch      uint64
	ToEpoch        uint64
}

// EventType satisfies the Event interface.
func (Claimed) EventType() string { return TypeClaimed }

// Event converts the structured payload into a broadcastable event.
func (e Claimed) Event() *types.Event {
	attrs := map[string]string{
		"user":           formatAddress(e.User),
		"value":          formatAmount(e.Value),
		"autoCompounded": formatBool(e.AutoCompounded),
		"fromEpoch":      strconv.FormatUint(e.FromEpoch, 10),
		"toEpoch":        strconv.FormatUint(e.ToEpoch, 10),
	}
	if e.SharesMinted != nil {
		attrs["sharesMinted"] = formatAmount(e.SharesMinted)
	}
	return &types.Event{Type: TypeClaimed, Attributes: attrs}
}

// AutoCompoundSet captures an auto-compound preference change.
type AutoCompoundSet struct {
	User    common.Address
	Enabled bool
}

// EventType satisfies the Event interface.
func (AutoCompoundSet) EventType() string { return TypeAutoCompoundSet }

// Event converts the structured payload into a broadcastable event.
func (e AutoCompoundSet) Event() *types.Event {
	return &types.Event{
		Type: TypeAutoCompoundSet,
		Attributes: map[string]string{
			"user":    formatAddress(e.User),
			"enabled": formatBool(e.Enabled),
		},
	}
}
