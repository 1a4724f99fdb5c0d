// Package strategy defines the Strategy interface every trading rule
// implements, plus the registry and shared ring-buffer base the concrete
// strategies build on. Grounded on internal/strategy/strategy.go's
// Strategy/StrategyRegistry/BaseStrategy pattern, extended with adaptive
// performance weighting and a hard per-call timeout.
package strategy

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// AnalyzeInput is everything a strategy needs to produce one signal.
type AnalyzeInput struct {
	Pair            string
	Timeframe       types.Timeframe
	Bars            []types.Bar // oldest first, last is current/most-recent
	Book            types.OrderBookSnapshot
	Regime          types.RegimeState
	RoundTripFeePct decimal.Decimal // entry+exit fee as a fraction of notional
}

// Strategy is implemented by every trading rule in this package.
type Strategy interface {
	Name() string
	MinBarsRequired() int
	Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal

	// AdaptivePerformanceFactor scales a strategy's contribution to
	// confluence scoring based on how well it has performed recently in the
	// given regime, in [0.4, 2.0]. 1.0 is neutral; fewer than 10 recorded
	// trades always returns 1.0.
	AdaptivePerformanceFactor(trendRegime, volRegime string) float64

	// RecordTradeResult feeds realized PnL back into the strategy's rolling
	// performance window, used by AdaptivePerformanceFactor and by the
	// confluence detector's runtime guardrail.
	RecordTradeResult(pnl decimal.Decimal)
}

const analyzeTimeout = 5 * time.Second

// regimeNoter is implemented by strategies (via base) that bucket their
// trade outcomes by the regime they last analyzed under.
type regimeNoter interface {
	NoteRegime(trend, vol string)
}

// RunWithTimeout calls s.Analyze but bounds it to analyzeTimeout and
// recovers a panic into a neutral, non-actionable signal so one bad
// strategy can't take the whole scan pass down.
func RunWithTimeout(ctx context.Context, s Strategy, in AnalyzeInput, logger *zap.Logger) (sig types.StrategySignal) {
	if noter, ok := s.(regimeNoter); ok {
		noter.NoteRegime(in.Regime.Trend, in.Regime.Volatility)
	}
	sig = types.StrategySignal{Strategy: s.Name(), Pair: in.Pair, Timeframe: in.Timeframe, GeneratedAt: time.Now()}
	done := make(chan types.StrategySignal, 1)
	callCtx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("strategy panicked", zap.String("strategy", s.Name()), zap.Any("panic", r))
				done <- types.StrategySignal{Strategy: s.Name(), Pair: in.Pair, Timeframe: in.Timeframe, GeneratedAt: time.Now()}
				return
			}
		}()
		done <- s.Analyze(callCtx, in)
	}()
	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		logger.Warn("strategy timed out", zap.String("strategy", s.Name()))
		return sig
	}
}

// Registry holds the single shared instance of every enabled strategy,
// mirroring the teacher's StrategyRegistry. Instances are long-lived so
// their rolling trade-PnL windows (and thus AdaptivePerformanceFactor)
// accumulate across scan cycles.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Strategy
}

// NewRegistry builds a registry pre-populated with every strategy this
// package ships.
func NewRegistry() *Registry {
	r := &Registry{instances: make(map[string]Strategy)}
	r.Register(NewTrendFollowing())
	r.Register(NewMeanReversion())
	r.Register(NewReversal())
	r.Register(NewKeltnerBreakout())
	r.Register(NewIchimokuStrategy())
	r.Register(NewSupertrendStrategy())
	r.Register(NewStochasticDivergence())
	r.Register(NewVolatilitySqueeze())
	r.Register(NewOrderFlow())
	return r
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[s.Name()] = s
}

// Get returns the shared instance registered under name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.instances[name]
	return s, ok
}

// RecordTradeResult routes a closed trade's PnL to the named strategy's
// rolling performance window; unknown names (e.g. webhook-injected
// signals) are ignored.
func (r *Registry) RecordTradeResult(name string, pnl decimal.Decimal) {
	if s, ok := r.Get(name); ok {
		s.RecordTradeResult(pnl)
	}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances))
	for n := range r.instances {
		out = append(out, n)
	}
	return out
}

// minTradesForFactor is how many recorded trades a strategy needs before
// its performance factor departs from neutral 1.0.
const minTradesForFactor = 10

// minRegimeTrades is how many trades in a specific regime are needed before
// the regime win-rate component contributes.
const minRegimeTrades = 5

// tradeResult is one recorded outcome: realized PnL plus the regime the
// strategy was analyzing under when the position opened.
type tradeResult struct {
	pnl   decimal.Decimal
	trend string
	vol   string
}

// tradeHistory is a fixed-size ring buffer of recent trade outcomes shared
// by every concrete strategy below, for AdaptivePerformanceFactor.
type tradeHistory struct {
	mu      sync.Mutex
	results []tradeResult
	cap     int
}

func newTradeHistory(capacity int) *tradeHistory {
	return &tradeHistory{cap: capacity}
}

func (h *tradeHistory) record(pnl decimal.Decimal, trend, vol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, tradeResult{pnl: pnl, trend: trend, vol: vol})
	if len(h.results) > h.cap {
		h.results = h.results[len(h.results)-h.cap:]
	}
}

// factor combines a Sharpe-like rolling mean/std of recent PnLs (squashed
// through a sigmoid) with the win rate in the current regime, clamped to
// [0.4, 2.0]. Fewer than minTradesForFactor recorded trades is neutral 1.0.
func (h *tradeHistory) factor(trendRegime, volRegime string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.results)
	if n < minTradesForFactor {
		return 1.0
	}

	var sum, sumSq float64
	regimeTrades, regimeWins := 0, 0
	for _, r := range h.results {
		pnl, _ := r.pnl.Float64()
		sum += pnl
		sumSq += pnl * pnl
		if r.trend == trendRegime && r.vol == volRegime {
			regimeTrades++
			if pnl > 0 {
				regimeWins++
			}
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	sharpe := 0.0
	if variance > 0 {
		sharpe = mean / math.Sqrt(variance)
	} else if mean > 0 {
		sharpe = 2.0
	} else if mean < 0 {
		sharpe = -2.0
	}
	// Sigmoid squash maps sharpe onto (0,1); 0.5 is a break-even strategy.
	squash := 1.0 / (1.0 + math.Exp(-sharpe))
	f := 0.4 + 1.2*squash // (0.4, 1.6)

	if regimeTrades >= minRegimeTrades {
		regimeWinRate := float64(regimeWins) / float64(regimeTrades)
		f *= 0.75 + 0.5*regimeWinRate // 0.75 .. 1.25
	}

	if f < 0.4 {
		f = 0.4
	}
	if f > 2.0 {
		f = 2.0
	}
	return f
}

// base provides the outcome-history and regime tracking shared by every
// concrete strategy, matching the teacher's BaseStrategy.
type base struct {
	history *tradeHistory

	regimeMu  sync.Mutex
	lastTrend string
	lastVol   string
}

func newBase() *base {
	return &base{history: newTradeHistory(50)}
}

func (b *base) AdaptivePerformanceFactor(trendRegime, volRegime string) float64 {
	return b.history.factor(trendRegime, volRegime)
}

// NoteRegime remembers the regime the strategy most recently analyzed
// under, so a later RecordTradeResult can bucket the outcome by regime.
// Called by RunWithTimeout on every analyze pass.
func (b *base) NoteRegime(trend, vol string) {
	b.regimeMu.Lock()
	b.lastTrend, b.lastVol = trend, vol
	b.regimeMu.Unlock()
}

func (b *base) RecordTradeResult(pnl decimal.Decimal) {
	b.regimeMu.Lock()
	trend, vol := b.lastTrend, b.lastVol
	b.regimeMu.Unlock()
	b.history.record(pnl, trend, vol)
}
