package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/types"
)

const (
	// TypeHarvestCollected is emitted when a strategy harvest lands at the collector.
	TypeHarvestCollected = "harvest.collected"
	// TypeHarvestFailed is emitted when a strategy harvest is skipped.
	TypeHarvestFailed = "harvest.failed"
	// TypeHarvestReleased is emitted when accumulated value moves to the distribution ledger.
	TypeHarvestReleased = "harvest.released"
)

// HarvestCollected captures realised value received from a strategy. Reported
// is the strategy's own estimate; Received is the measured balance change.
type HarvestCollected struct {
	StrategyID string
	Reported   *uint256.Int
	Received   *uint256.Int
}

func (HarvestCollected) EventType() string { return TypeHarvestCollected }

func (e HarvestCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeHarvestCollected,
		Attributes: map[string]string{
			"strategy": e.StrategyID,
			"reported": formatAmount(e.Reported),
			"received": formatAmount(e.Received),
		},
	}
}

// HarvestFailed records a strategy whose harvest errored.
type HarvestFailed struct {
	StrategyID string
	Reason     string
}

func (HarvestFailed) EventType() string { return TypeHarvestFailed }

func (e HarvestFailed) Event() *types.Event {
	return &types.Event{
		Type: TypeHarvestFailed,
		Attributes: map[string]string{
			"strategy": e.StrategyID,
			"reason":   e.Reason,
		},
	}
}

// HarvestReleased captures a permissioned pull by the distribution ledger.
type HarvestReleased struct {
	To     common.Address
	Amount *uint256.Int
}

func (HarvestReleased) EventType() string { return TypeHarvestReleased }

func (e HarvestReleased) Event() *types.Event {
	return &types.Event{
		Type: TypeHarvestReleased,
		Attributes: map[string]string{
			"to":     formatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}
