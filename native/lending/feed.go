package lending

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPriceUnavailable marks assets the feed cannot answer for. A missing
	// answer is a hard failure, never a default value.
	ErrPriceUnavailable = errors.New("lending: price unavailable")
	// ErrPriceStale marks quotes older than the configured tolerance.
	ErrPriceStale = errors.New("lending: price stale")
)

// PriceQuote is a point-in-time valuation answer. Price is micro-USD per
// whole asset unit; Decimals is the asset's base-unit precision.
type PriceQuote struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt int64
}

// PriceFeed supplies live collateral valuations. Implementations sit outside
// the core; the engine only requires one snapshot per state transition.
type PriceFeed interface {
	LatestPrice(asset string) (PriceQuote, error)
}

// Value converts an asset amount in base units to its micro-USD value.
func (q PriceQuote) Value(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || q.Price == nil {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, q.Price)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(q.Decimals)), nil)
	return value.Quo(value, scale)
}

// AmountForValue converts a micro-USD value back to asset base units at the
// quoted price, rounding down.
func (q PriceQuote) AmountForValue(value *big.Int) *big.Int {
	if value == nil || value.Sign() <= 0 || q.Price == nil || q.Price.Sign() == 0 {
		return big.NewInt(0)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(q.Decimals)), nil)
	amount := new(big.Int).Mul(value, scale)
	return amount.Quo(amount, q.Price)
}

// StaticFeed is an in-process feed fed by an external price integration.
// Quotes keep their publish timestamp so staleness checks stay meaningful.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
	nowFn  func() int64
}

// NewStaticFeed builds an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		quotes: make(map[string]PriceQuote),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the timestamp source for published quotes.
func (f *StaticFeed) SetNowFunc(now func() int64) {
	if f == nil || now == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFn = now
}

// Publish records a quote for the asset stamped with the current time.
func (f *StaticFeed) Publish(asset string, price *big.Int, decimals uint8) {
	if f == nil || price == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[normalizeAsset(asset)] = PriceQuote{
		Price:     new(big.Int).Set(price),
		Decimals:  decimals,
		UpdatedAt: f.nowFn(),
	}
}

// LatestPrice implements PriceFeed.
func (f *StaticFeed) LatestPrice(asset string) (PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	quote, ok := f.quotes[normalizeAsset(asset)]
	if !ok {
		return PriceQuote{}, ErrPriceUnavailable
	}
	return quote, nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
