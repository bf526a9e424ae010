// Package distribution closes yield epochs and serves bounded per-user claims.
//
// Each epoch record stores the per-share ratio of that epoch and the running
// sum of all ratios so far. A claim over epochs [start, end) therefore costs a
// single subtraction regardless of window length. The window is still capped
// at MaxEpochsPerClaim so cursor progress per call stays bounded. Sub-unit
// remainders are carried per account, which makes a sequence of capped claims
// pay exactly what one uncapped claim would.
package distribution

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "yieldvault/native/common"
)

const ModuleName = "distribution"

// DefaultMaxEpochsPerClaim bounds claim windows when unset.
const DefaultMaxEpochsPerClaim = 52

var (
	ErrZeroAddress           = nativecommon.NewError(nativecommon.ClassMisuse, "distribution: zero address")
	ErrEpochNotFound         = nativecommon.NewError(nativecommon.ClassMisuse, "distribution: epoch not found")
	ErrTreasuryNotConfigured = nativecommon.NewError(nativecommon.ClassConfiguration, "distribution: treasury not configured")
	ErrInvalidConfig         = nativecommon.NewError(nativecommon.ClassConfiguration, "distribution: invalid config")
)

// Config captures the externally supplied distribution parameters.
type Config struct {
	Asset             string
	AssetDecimals     uint8
	FeeBps            uint16
	MaxEpochsPerClaim uint64
}

type shareLedger interface {
	TotalSupply(ctx context.Context) (*uint256.Int, error)
	SharesOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
	Deposit(ctx context.Context, payer common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error)
}

type aggregationPoint interface {
	Release(ctx context.Context, caller common.Address) (*uint256.Int, error)
}

// EpochRecord is immutable once written.
type EpochRecord struct {
	Index               uint64
	CloseTimestamp      uint64
	GrossValue          *uint256.Int
	Fee                 *uint256.Int
	NetDistributedValue *uint256.Int
	TotalSharesAtClose  *uint256.Int
	ValuePerShareRay    *uint256.Int
	// CumulativeRay is the sum of ValuePerShareRay over every epoch up to and
	// including this one.
	CumulativeRay *uint256.Int
}

// Account is the per-user claim state. It is created lazily.
type Account struct {
	Cursor       uint64
	AutoCompound bool
	// Carry holds the sub-unit remainder of previous claims in
	// share-units times ray.
	Carry *uint256.Int
}

// CloseResult describes the outcome of CloseEpoch. Exactly one of Epoch and
// Deferred is set unless the call was a no-op.
type CloseResult struct {
	Harvested *uint256.Int
	Epoch     *EpochRecord
	Deferred  bool
	Pending   *uint256.Int
}

// ClaimResult describes a processed claim.
type ClaimResult struct {
	Value          *uint256.Int
	AutoCompounded bool
	SharesMinted   *uint256.Int
	FromEpoch      uint64
	ToEpoch        uint64
}
