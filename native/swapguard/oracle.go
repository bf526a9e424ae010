package swapguard

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PriceQuote is an exchange rate expressed as base units of quote per base
// unit of base, together with the time the upstream observed it.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// PriceOracle resolves an exchange rate for a base/quote pair.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// StaticOracle serves rates pushed to it by an operator or a feeder process.
// Inverse pairs are derived automatically.
type StaticOracle struct {
	mu    sync.RWMutex
	rates map[string]PriceQuote
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{rates: make(map[string]PriceQuote)}
}

// SetRate records the rate of base in quote units.
func (o *StaticOracle) SetRate(base, quote string, rate *big.Rat, ts time.Time, source string) error {
	if rate == nil || rate.Sign() <= 0 {
		return fmt.Errorf("oracle: rate for %s must be positive", pairKey(base, quote))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[pairKey(base, quote)] = PriceQuote{Rate: new(big.Rat).Set(rate), Timestamp: ts, Source: source}
	o.rates[pairKey(quote, base)] = PriceQuote{Rate: new(big.Rat).Inv(rate), Timestamp: ts, Source: source}
	return nil
}

func (o *StaticOracle) GetRate(base, quote string) (PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.rates[pairKey(base, quote)]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrOracleNotConfigured, pairKey(base, quote))
	}
	return q.Clone(), nil
}
