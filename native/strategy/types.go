// Package strategy tracks which yield strategies may receive vault capital
// and under what limits.
package strategy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldvault/core/fixedpoint"
	nativecommon "yieldvault/native/common"
)

var (
	ErrAlreadyRegistered = nativecommon.NewError(nativecommon.ClassConfiguration, "strategy: already registered")
	ErrNotRegistered     = nativecommon.NewError(nativecommon.ClassConfiguration, "strategy: not registered")
	ErrInvalidConfig     = nativecommon.NewError(nativecommon.ClassConfiguration, "strategy: invalid config")
	ErrNotBound          = nativecommon.NewError(nativecommon.ClassConfiguration, "strategy: implementation not bound")
)

// Strategy is the narrow surface the ledgers consume. Implementations must
// forward the context they receive to any ledger they call back into.
type Strategy interface {
	Name() string
	// PrimaryHeldAsset is the asset the strategy keeps capital in.
	PrimaryHeldAsset() string
	// Address is the bank account the vault funds before calling Deploy.
	Address() common.Address
	// Deploy puts amount (already transferred to Address) to work and returns
	// how much the strategy considers deployed.
	Deploy(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
	ReportedValue(ctx context.Context) (*uint256.Int, error)
	// Harvest realises yield into the aggregation point and returns the
	// strategy's own estimate of what was realised.
	Harvest(ctx context.Context) (*uint256.Int, error)
	// EmergencyUnwind returns as much capital as possible to the vault.
	EmergencyUnwind(ctx context.Context) (*uint256.Int, error)
}

// Info is the persisted registration record for a strategy.
type Info struct {
	Active bool
	// HardCapAssetValue bounds the strategy's reported value. Zero is uncapped.
	HardCapAssetValue *uint256.Int
	// MaxFractionOfVaultBps bounds the strategy's share of vault NAV. Zero
	// disables the check.
	MaxFractionOfVaultBps uint16
	MaxSwapSlippageBps    uint16
	OracleConfig          []byte
}

// Clone returns a deep copy of the record.
func (i Info) Clone() Info {
	out := i
	out.HardCapAssetValue = fixedpoint.Clone(i.HardCapAssetValue)
	if i.OracleConfig != nil {
		out.OracleConfig = append([]byte(nil), i.OracleConfig...)
	}
	return out
}

// Validate checks the basis point bounds.
func (i Info) Validate() error {
	if i.MaxFractionOfVaultBps > fixedpoint.BasisPoints {
		return ErrInvalidConfig
	}
	if i.MaxSwapSlippageBps > fixedpoint.BasisPoints {
		return ErrInvalidConfig
	}
	return nil
}

// Entry pairs a registry record with its identifier.
type Entry struct {
	ID   string
	Info Info
}

type storedRecord struct {
	ID                    string
	Name                  string
	Active                bool
	HardCapAssetValue     *uint256.Int
	MaxFractionOfVaultBps uint16
	MaxSwapSlippageBps    uint16
	OracleConfig          []byte
	RegisteredAt          uint64
}

func (r *storedRecord) info() Info {
	return Info{
		Active:                r.Active,
		HardCapAssetValue:     fixedpoint.Clone(r.HardCapAssetValue),
		MaxFractionOfVaultBps: r.MaxFractionOfVaultBps,
		MaxSwapSlippageBps:    r.MaxSwapSlippageBps,
		OracleConfig:          append([]byte(nil), r.OracleConfig...),
	}
}

func (r *storedRecord) apply(info Info) {
	r.Active = info.Active
	r.HardCapAssetValue = fixedpoint.Clone(info.HardCapAssetValue)
	r.MaxFractionOfVaultBps = info.MaxFractionOfVaultBps
	r.MaxSwapSlippageBps = info.MaxSwapSlippageBps
	r.OracleConfig = append([]byte(nil), info.OracleConfig...)
}
