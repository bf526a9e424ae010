// Package swapguard validates swaps made by strategies: the router must be
// whitelisted and the minimum output must not fall below the oracle price
// less the pair's slippage tolerance. Missing or stale oracle data always
// fails; it never means "no constraint".
package swapguard

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	nativecommon "yieldvault/native/common"
)

var (
	ErrRouterNotAllowed    = nativecommon.NewError(nativecommon.ClassConfiguration, "swapguard: router not whitelisted")
	ErrOracleNotConfigured = nativecommon.NewError(nativecommon.ClassConfiguration, "swapguard: oracle not configured")
	ErrStaleOracle         = nativecommon.NewError(nativecommon.ClassEconomicSafety, "swapguard: stale oracle quote")
	ErrMinOutBelowFloor    = nativecommon.NewError(nativecommon.ClassEconomicSafety, "swapguard: min out below oracle floor")
	ErrInvalidRequest      = nativecommon.NewError(nativecommon.ClassMisuse, "swapguard: invalid request")
)

// PairConfig sets the tolerance for one directed pair.
type PairConfig struct {
	SlippageBps uint16
	MaxAge      time.Duration
}

// Request is a proposed swap.
type Request struct {
	Router   common.Address
	TokenIn  string
	TokenOut string
	AmountIn *uint256.Int
	MinOut   *uint256.Int
}

type Guard struct {
	oracle PriceOracle
	nowFn  func() time.Time

	mu      sync.RWMutex
	routers map[common.Address]struct{}
	pairs   map[string]PairConfig
}

func New(oracle PriceOracle) *Guard {
	return &Guard{
		oracle:  oracle,
		nowFn:   time.Now,
		routers: make(map[common.Address]struct{}),
		pairs:   make(map[string]PairConfig),
	}
}

func (g *Guard) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	g.nowFn = now
}

func (g *Guard) AllowRouter(router common.Address) {
	g.mu.Lock()
	g.routers[router] = struct{}{}
	g.mu.Unlock()
}

func (g *Guard) RevokeRouter(router common.Address) {
	g.mu.Lock()
	delete(g.routers, router)
	g.mu.Unlock()
}

// ConfigurePair sets the tolerance for swaps from tokenIn to tokenOut.
func (g *Guard) ConfigurePair(tokenIn, tokenOut string, cfg PairConfig) error {
	if cfg.SlippageBps > 10_000 {
		return fmt.Errorf("%w: slippage %d bps", ErrOracleNotConfigured, cfg.SlippageBps)
	}
	if cfg.MaxAge <= 0 {
		return fmt.Errorf("%w: max age must be positive", ErrOracleNotConfigured)
	}
	g.mu.Lock()
	g.pairs[pairKey(tokenIn, tokenOut)] = cfg
	g.mu.Unlock()
	return nil
}

func (g *Guard) freshRate(tokenIn, tokenOut string) (*big.Rat, PairConfig, error) {
	pair := pairKey(tokenIn, tokenOut)
	g.mu.RLock()
	cfg, ok := g.pairs[pair]
	g.mu.RUnlock()
	if !ok || g.oracle == nil {
		return nil, PairConfig{}, fmt.Errorf("%w: %s", ErrOracleNotConfigured, pair)
	}
	quote, err := g.oracle.GetRate(tokenIn, tokenOut)
	if err != nil {
		return nil, PairConfig{}, fmt.Errorf("%w: %s: %w", ErrOracleNotConfigured, pair, err)
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, PairConfig{}, fmt.Errorf("%w: %s has no rate", ErrOracleNotConfigured, pair)
	}
	if age := g.nowFn().Sub(quote.Timestamp); quote.Timestamp.IsZero() || age > cfg.MaxAge {
		return nil, PairConfig{}, fmt.Errorf("%w: %s quote age %s exceeds %s", ErrStaleOracle, pair, age, cfg.MaxAge)
	}
	return quote.Rate, cfg, nil
}

func floorRat(amount *uint256.Int, factors ...*big.Rat) (*uint256.Int, error) {
	out := new(big.Rat).SetInt(amount.ToBig())
	for _, f := range factors {
		out.Mul(out, f)
	}
	result, overflow := uint256.FromBig(new(big.Int).Quo(out.Num(), out.Denom()))
	if overflow {
		return nil, fmt.Errorf("%w: quote overflow", ErrInvalidRequest)
	}
	return result, nil
}

// Valuate converts amountIn of tokenIn into tokenOut at the fresh oracle rate
// with no slippage allowance, rounding down.
func (g *Guard) Valuate(tokenIn, tokenOut string, amountIn *uint256.Int) (*uint256.Int, error) {
	if amountIn == nil {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidRequest)
	}
	rate, _, err := g.freshRate(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return floorRat(amountIn, rate)
}

// QuoteMinOut returns the lowest acceptable output for amountIn:
// floor(amountIn * rate * (10000 - slippage) / 10000).
func (g *Guard) QuoteMinOut(tokenIn, tokenOut string, amountIn *uint256.Int) (*uint256.Int, error) {
	if amountIn == nil {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidRequest)
	}
	rate, cfg, err := g.freshRate(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return floorRat(amountIn, rate, big.NewRat(int64(10_000-int(cfg.SlippageBps)), 10_000))
}

// Validate accepts req only when its router is whitelisted and its MinOut is
// at or above the oracle floor.
func (g *Guard) Validate(ctx context.Context, req Request) error {
	if req.AmountIn == nil || req.AmountIn.IsZero() || req.MinOut == nil {
		return fmt.Errorf("%w: amount in and min out required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.TokenIn) == "" || strings.TrimSpace(req.TokenOut) == "" {
		return fmt.Errorf("%w: tokens required", ErrInvalidRequest)
	}
	g.mu.RLock()
	_, allowed := g.routers[req.Router]
	g.mu.RUnlock()
	if !allowed {
		return fmt.Errorf("%w: %s", ErrRouterNotAllowed, req.Router.Hex())
	}
	floor, err := g.QuoteMinOut(req.TokenIn, req.TokenOut, req.AmountIn)
	if err != nil {
		return err
	}
	if req.MinOut.Lt(floor) {
		return fmt.Errorf("%w: min out %s below %s", ErrMinOutBelowFloor, req.MinOut.Dec(), floor.Dec())
	}
	return nil
}
