// Package marketdata holds the in-memory bar/book cache and scan scheduler
// that feed internal/confluence. It owns no exchange connection itself;
// internal/venue pushes updates into it via callbacks registered at
// construction time in cmd/server/main.go.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/indicators"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// outlierJumpPct is the maximum deviation an incoming bar's close may have
// from the recent median close before the bar is rejected as corrupt feed
// data rather than applied.
var outlierJumpPct = decimal.NewFromFloat(0.20)

// outlierLookback is how many recent closes the median is taken over.
const outlierLookback = 12

// pairState holds everything the cache knows about one pair.
type pairState struct {
	mu           sync.RWMutex
	bars         map[types.Timeframe][]types.Bar
	latestBook   types.OrderBookSnapshot
	bookAnalysis types.BookAnalysis
	lastUpdate   map[types.Timeframe]time.Time
	lastBookAt   time.Time
}

// Cache is the shared, concurrency-safe market data store for all pairs the
// engine tracks. Grounded on internal/data/market_data.go's cache struct and
// callback registration pattern, with the Binance-specific websocket
// handling removed (that now lives behind internal/venue).
type Cache struct {
	mu                sync.RWMutex
	pairs             map[string]*pairState
	maxBars           int
	staleAfter        time.Duration
	whaleThresholdUSD decimal.Decimal
	logger            *zap.Logger
}

// New creates an empty cache. maxBars bounds per-timeframe history retained
// per pair; staleAfter is how old the newest bar may be before IsStale
// reports true.
func New(maxBars int, staleAfter time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		pairs:      make(map[string]*pairState),
		maxBars:    maxBars,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

func (c *Cache) stateFor(pair string) *pairState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.pairs[pair]
	if !ok {
		st = &pairState{
			bars:       make(map[types.Timeframe][]types.Bar),
			lastUpdate: make(map[types.Timeframe]time.Time),
		}
		c.pairs[pair] = st
	}
	return st
}

// Warmup seeds a pair/timeframe's history, e.g. from a venue's REST
// backfill at startup. Bars are assumed sorted oldest-first.
func (c *Cache) Warmup(pair string, tf types.Timeframe, bars []types.Bar) {
	st := c.stateFor(pair)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(bars) > c.maxBars {
		bars = bars[len(bars)-c.maxBars:]
	}
	st.bars[tf] = bars
	if len(bars) > 0 {
		st.lastUpdate[tf] = bars[len(bars)-1].OpenTime
	}
}

// UpdateBar appends or replaces the latest bar for pair/timeframe,
// returning true only when a genuinely new bar (a later open_time than
// anything cached) was appended. An update to the current forming candle
// replaces it in place and returns false; an out-of-order bar or one whose
// close deviates more than 20% from the recent median close is dropped and
// returns false.
func (c *Cache) UpdateBar(bar types.Bar) bool {
	st := c.stateFor(bar.Pair)
	st.mu.Lock()
	defer st.mu.Unlock()
	series := st.bars[bar.Timeframe]

	if n := len(series); n > 0 {
		last := series[n-1]
		if bar.OpenTime.Before(last.OpenTime) {
			c.logger.Debug("dropping out-of-order bar",
				zap.String("pair", bar.Pair), zap.Time("openTime", bar.OpenTime))
			return false
		}
		if isOutlier(series, bar.Close) {
			c.logger.Warn("dropping outlier bar",
				zap.String("pair", bar.Pair),
				zap.String("close", bar.Close.String()))
			return false
		}
		if bar.OpenTime.Equal(last.OpenTime) {
			series[n-1] = bar
			st.bars[bar.Timeframe] = series
			st.lastUpdate[bar.Timeframe] = time.Now()
			return false
		}
	}

	series = append(series, bar)
	if len(series) > c.maxBars {
		series = series[len(series)-c.maxBars:]
	}
	st.bars[bar.Timeframe] = series
	st.lastUpdate[bar.Timeframe] = time.Now()
	return true
}

// isOutlier reports whether close deviates more than outlierJumpPct from
// the median of the last outlierLookback closes. Callers hold st.mu.
func isOutlier(series []types.Bar, close decimal.Decimal) bool {
	n := len(series)
	if n < 5 {
		return false
	}
	start := n - outlierLookback
	if start < 0 {
		start = 0
	}
	closes := make([]float64, 0, n-start)
	for _, b := range series[start:] {
		v, _ := b.Close.Float64()
		closes = append(closes, v)
	}
	sort.Float64s(closes)
	median := decimal.NewFromFloat(closes[len(closes)/2])
	if median.IsZero() {
		return false
	}
	deviation := close.Sub(median).Abs().Div(median)
	return deviation.GreaterThan(outlierJumpPct)
}

// UpdateLatestClose patches only the close of the current forming bar,
// without creating new bars, used for mark-price ticks between candle
// events.
func (c *Cache) UpdateLatestClose(pair string, tf types.Timeframe, price decimal.Decimal) {
	st := c.stateFor(pair)
	st.mu.Lock()
	defer st.mu.Unlock()
	series := st.bars[tf]
	n := len(series)
	if n == 0 || series[n-1].Closed {
		return
	}
	series[n-1].Close = price
	if price.GreaterThan(series[n-1].High) {
		series[n-1].High = price
	}
	if price.LessThan(series[n-1].Low) {
		series[n-1].Low = price
	}
	st.bars[tf] = series
}

// SetWhaleThreshold configures the notional above which a book level counts
// as whale-sized for BookAnalysis.WhaleBias. Call before ingestion starts.
func (c *Cache) SetWhaleThreshold(usd decimal.Decimal) {
	c.mu.Lock()
	c.whaleThresholdUSD = usd
	c.mu.Unlock()
}

// UpdateOrderBook replaces the cached book snapshot for pair, deriving the
// analyzed features alongside so readers never pay for re-walking levels.
func (c *Cache) UpdateOrderBook(book types.OrderBookSnapshot) {
	c.mu.RLock()
	whale := c.whaleThresholdUSD
	c.mu.RUnlock()
	analysis := indicators.AnalyzeBook(book, whale)
	st := c.stateFor(book.Pair)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.latestBook = book
	st.bookAnalysis = analysis
	st.lastBookAt = time.Now()
}

// BookAnalysis returns the analyzed features of the latest book snapshot and
// how long ago that snapshot arrived.
func (c *Cache) BookAnalysis(pair string) (types.BookAnalysis, time.Duration) {
	st := c.stateFor(pair)
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.lastBookAt.IsZero() {
		return types.BookAnalysis{}, 0
	}
	return st.bookAnalysis, time.Since(st.lastBookAt)
}

// Bars returns a copy of the cached series for pair/timeframe, oldest first.
func (c *Cache) Bars(pair string, tf types.Timeframe) []types.Bar {
	st := c.stateFor(pair)
	st.mu.RLock()
	defer st.mu.RUnlock()
	src := st.bars[tf]
	out := make([]types.Bar, len(src))
	copy(out, src)
	return out
}

// OrderBook returns the latest cached book snapshot for pair.
func (c *Cache) OrderBook(pair string) types.OrderBookSnapshot {
	st := c.stateFor(pair)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.latestBook
}

// LastPrice returns the most recent close seen for pair on the smallest
// timeframe that has data, used by the executor's position loop as its mark
// price.
func (c *Cache) LastPrice(pair string) (decimal.Decimal, bool) {
	st := c.stateFor(pair)
	st.mu.RLock()
	defer st.mu.RUnlock()
	var best decimal.Decimal
	var bestAt time.Time
	found := false
	for tf, series := range st.bars {
		if len(series) == 0 {
			continue
		}
		if at := st.lastUpdate[tf]; !found || at.After(bestAt) {
			best = series[len(series)-1].Close
			bestAt = at
			found = true
		}
	}
	return best, found
}

// IsStale reports whether pair/timeframe hasn't updated within staleAfter,
// or has no data at all.
func (c *Cache) IsStale(pair string, tf types.Timeframe) bool {
	st := c.stateFor(pair)
	st.mu.RLock()
	defer st.mu.RUnlock()
	last, ok := st.lastUpdate[tf]
	if !ok {
		return true
	}
	return time.Since(last) > c.staleAfter
}

// IsWarm reports whether pair/timeframe has at least minBars of history.
func (c *Cache) IsWarm(pair string, tf types.Timeframe, minBars int) bool {
	st := c.stateFor(pair)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.bars[tf]) >= minBars
}

// Pairs returns the set of pairs the cache currently holds any data for.
func (c *Cache) Pairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.pairs))
	for p := range c.pairs {
		out = append(out, p)
	}
	return out
}
