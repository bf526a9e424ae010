package server

import "time"

type positionView struct {
	StrategyID string `json:"strategy"`
	Value      string `json:"value"`
	TargetBps  uint16 `json:"target_bps"`
}

type vaultView struct {
	Address       string         `json:"address"`
	Asset         string         `json:"asset"`
	Decimals      uint8          `json:"decimals"`
	Idle          string         `json:"idle"`
	TotalAssets   string         `json:"total_assets"`
	TotalSupply   string         `json:"total_supply"`
	Paused        bool           `json:"paused"`
	PendingYield  string         `json:"pending_yield"`
	CollectorHeld string         `json:"collector_held"`
	Epochs        uint64         `json:"epochs"`
	Positions     []positionView `json:"positions"`
}

type strategyView struct {
	ID                    string `json:"id"`
	Active                bool   `json:"active"`
	HeldAsset             string `json:"held_asset,omitempty"`
	Account               string `json:"account,omitempty"`
	HardCap               string `json:"hard_cap"`
	MaxFractionOfVaultBps uint16 `json:"max_fraction_bps"`
	MaxSwapSlippageBps    uint16 `json:"max_swap_slippage_bps"`
	TargetBps             uint16 `json:"target_bps"`
}

type epochView struct {
	Index            uint64 `json:"index"`
	CloseTimestamp   uint64 `json:"close_timestamp"`
	Gross            string `json:"gross"`
	Fee              string `json:"fee"`
	Net              string `json:"net"`
	TotalShares      string `json:"total_shares"`
	ValuePerShareRay string `json:"value_per_share_ray"`
}

type accountView struct {
	Address      string `json:"address"`
	Shares       string `json:"shares"`
	Value        string `json:"value"`
	Cursor       uint64 `json:"cursor"`
	AutoCompound bool   `json:"auto_compound"`
	Claimable    string `json:"claimable"`
	AssetBalance string `json:"asset_balance"`
}

type claimView struct {
	Value          string `json:"value"`
	AutoCompounded bool   `json:"auto_compounded"`
	SharesMinted   string `json:"shares_minted"`
	FromEpoch      uint64 `json:"from_epoch"`
	ToEpoch        uint64 `json:"to_epoch"`
}

type eventView struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"created_at"`
}
