// Package fixedpoint implements the integer fixed-point arithmetic shared by
// the vault and distribution ledgers. Amounts are unsigned 256-bit integers in
// one of two decimal scales: the deposit asset's native scale ("asset units")
// and the 18-decimal share scale ("share units"). Dimensionless per-share
// ratios use a 27-decimal ray scale.
//
// Every multiply-then-divide goes through a 512-bit intermediate so products
// never overflow before the division. Rounding is always toward zero, which
// favours the pool over the individual account.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ShareDecimals is the decimal scale of the receipt share token.
const ShareDecimals = 18

// BasisPoints is the denominator for bps-expressed fractions.
const BasisPoints = 10_000

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")
	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	// ErrInvalidDecimals is returned for asset scales wider than the share scale.
	ErrInvalidDecimals = errors.New("fixedpoint: asset decimals exceed share decimals")
)

var (
	bps = uint256.NewInt(BasisPoints)
	wad = uint256.NewInt(1_000_000_000_000_000_000)
	ray = uint256.MustFromDecimal("1000000000000000000000000000")
	// wadToRay is the 1e9 factor between the wad and ray scales.
	wadToRay = uint256.NewInt(1_000_000_000)
)

// BPS returns a fresh copy of the basis point denominator.
func BPS() *uint256.Int { return new(uint256.Int).Set(bps) }

// WAD returns a fresh copy of 1e18.
func WAD() *uint256.Int { return new(uint256.Int).Set(wad) }

// RAY returns a fresh copy of 1e27.
func RAY() *uint256.Int { return new(uint256.Int).Set(ray) }

// Zero returns a new zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone returns a copy of v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	a, b = Clone(a), Clone(b)
	if a.Lt(b) {
		return a
	}
	return b
}

// SaturatingSub returns max(a-b, 0).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	a, b = Clone(a), Clone(b)
	if !a.Gt(b) {
		return new(uint256.Int)
	}
	return a.Sub(a, b)
}

// Add returns a+b, failing on overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// MulDiv returns floor(x*y/d) computed with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivisionByZero
	}
	out, overflow := new(uint256.Int).MulDivOverflow(Clone(x), Clone(y), d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulDivRem returns floor(x*y/d) together with (x*y) mod d.
func MulDivRem(x, y, d *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	q, err := MulDiv(x, y, d)
	if err != nil {
		return nil, nil, err
	}
	r := new(uint256.Int).MulMod(Clone(x), Clone(y), d)
	return q, r, nil
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount *uint256.Int, bpsValue uint64) *uint256.Int {
	out, err := MulDiv(amount, uint256.NewInt(bpsValue), bps)
	if err != nil {
		// bpsValue fits in 64 bits, so the product only overflows 256 bits
		// when bpsValue > 10000 and amount is near the maximum.
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// WadToRay converts a wad value to the ray scale.
func WadToRay(v *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(Clone(v), wadToRay)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// RayToWad converts a ray value to the wad scale, rounding down.
func RayToWad(v *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(Clone(v), wadToRay)
}

// BpsToWad expresses a basis point fraction as a wad.
func BpsToWad(bpsValue uint64) *uint256.Int {
	out := new(uint256.Int).Mul(uint256.NewInt(bpsValue), wad)
	return out.Div(out, bps)
}

// Scale captures the fixed ratio between asset units and share units.
type Scale struct {
	assetDecimals uint8
	factor        *uint256.Int
}

// NewScale builds the conversion for an asset with the given decimals.
func NewScale(assetDecimals uint8) (Scale, error) {
	if assetDecimals > ShareDecimals {
		return Scale{}, fmt.Errorf("%w: %d", ErrInvalidDecimals, assetDecimals)
	}
	factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(ShareDecimals-assetDecimals)))
	return Scale{assetDecimals: assetDecimals, factor: factor}, nil
}

// MustScale is NewScale for constant inputs.
func MustScale(assetDecimals uint8) Scale {
	s, err := NewScale(assetDecimals)
	if err != nil {
		panic(err)
	}
	return s
}

// AssetDecimals returns the asset decimal count the scale was built for.
func (s Scale) AssetDecimals() uint8 { return s.assetDecimals }

// Factor returns 10^(18-assetDecimals).
func (s Scale) Factor() *uint256.Int {
	if s.factor == nil {
		return uint256.NewInt(1)
	}
	return new(uint256.Int).Set(s.factor)
}

// ToShareScale lifts an asset-unit amount to share units.
func (s Scale) ToShareScale(assets *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(Clone(assets), s.Factor())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ToAssetScale lowers a share-unit amount to asset units, rounding down so the
// ledger never over-pays.
func (s Scale) ToAssetScale(shares *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(Clone(shares), s.Factor())
}

// ConvertToShares prices a deposit against the pool totals observed before
// the deposit. An empty pool bootstraps at 1:1 in share units.
func ConvertToShares(s Scale, assets, totalAssetsBefore, totalSharesBefore *uint256.Int) (*uint256.Int, error) {
	if assets == nil || assets.IsZero() {
		return new(uint256.Int), nil
	}
	if totalSharesBefore == nil || totalSharesBefore.IsZero() || totalAssetsBefore == nil || totalAssetsBefore.IsZero() {
		return s.ToShareScale(assets)
	}
	return MulDiv(assets, totalSharesBefore, totalAssetsBefore)
}

// ConvertToAssets values shares against the pool totals, rounding down.
func ConvertToAssets(shares, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() || totalShares == nil || totalShares.IsZero() {
		return new(uint256.Int), nil
	}
	return MulDiv(shares, totalAssets, totalShares)
}

// ValuePerShareRay computes the ray-scaled value attributed to one share unit
// when net asset units are spread over totalShares.
func ValuePerShareRay(s Scale, net, totalShares *uint256.Int) (*uint256.Int, error) {
	if net == nil || net.IsZero() || totalShares == nil || totalShares.IsZero() {
		return new(uint256.Int), nil
	}
	scaled, err := s.ToShareScale(net)
	if err != nil {
		return nil, err
	}
	return MulDiv(scaled, ray, totalShares)
}
