package confluence

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// GuardrailConfig drives the runtime strategy guardrail: after each closed
// trade, the last Window results are evaluated; a strategy whose win rate
// and profit factor both fall below the minimums is disabled for DisableFor.
type GuardrailConfig struct {
	Window          int
	MinTrades       int
	MinWinRate      float64
	MinProfitFactor float64
	DisableFor      time.Duration
}

// DefaultGuardrailConfig mirrors the stock thresholds: a 30-trade window
// with at least 20 recorded, win rate under 0.35 plus profit factor under
// 0.85 disables the strategy for two hours.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		Window:          30,
		MinTrades:       20,
		MinWinRate:      0.35,
		MinProfitFactor: 0.85,
		DisableFor:      120 * time.Minute,
	}
}

// Guardrail auto-disables strategies whose recent results degrade past the
// configured floor, re-enabling them automatically once the disable window
// expires (or earlier via an operator Reenable). Grounded on the teacher's
// kill-switch pattern in its execution risk manager, scoped down to
// per-strategy with a timed expiry.
type Guardrail struct {
	mu            sync.Mutex
	cfg           GuardrailConfig
	results       map[string][]float64 // rolling PnLs per strategy, bounded to cfg.Window
	disabledUntil map[string]time.Time
	now           func() time.Time
}

func NewGuardrail(cfg GuardrailConfig) *Guardrail {
	if cfg.Window <= 0 {
		cfg.Window = 30
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = 20
	}
	if cfg.MinTrades > cfg.Window {
		cfg.MinTrades = cfg.Window
	}
	if cfg.DisableFor <= 0 {
		cfg.DisableFor = 120 * time.Minute
	}
	return &Guardrail{
		cfg:           cfg,
		results:       make(map[string][]float64),
		disabledUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetClock replaces the guardrail's time source, for tests.
func (g *Guardrail) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// RecordResult appends a closed trade's PnL to the strategy's rolling
// window and re-evaluates the disable condition.
func (g *Guardrail) RecordResult(strategy string, pnl decimal.Decimal) {
	p, _ := pnl.Float64()
	g.mu.Lock()
	defer g.mu.Unlock()

	window := append(g.results[strategy], p)
	if len(window) > g.cfg.Window {
		window = window[len(window)-g.cfg.Window:]
	}
	g.results[strategy] = window

	if len(window) < g.cfg.MinTrades {
		return
	}

	wins := 0
	var winSum, lossSum float64
	for _, r := range window {
		if r > 0 {
			wins++
			winSum += r
		} else {
			lossSum += -r
		}
	}
	winRate := float64(wins) / float64(len(window))
	profitFactor := g.cfg.MinProfitFactor // no losses: never trips
	if lossSum > 0 {
		profitFactor = winSum / lossSum
	}

	if winRate < g.cfg.MinWinRate && profitFactor < g.cfg.MinProfitFactor {
		g.disabledUntil[strategy] = g.now().Add(g.cfg.DisableFor)
	}
}

// IsDisabled reports whether strategy is currently inside a disable window.
func (g *Guardrail) IsDisabled(strategy string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.disabledUntil[strategy]
	if !ok {
		return false
	}
	if g.now().Before(until) {
		return true
	}
	delete(g.disabledUntil, strategy)
	return false
}

// DisabledUntil reports the disable expiry, if any, for the control surface.
func (g *Guardrail) DisabledUntil(strategy string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.disabledUntil[strategy]
	return until, ok && g.now().Before(until)
}

// Reenable clears the disable window and history for strategy, used by the
// operator control surface.
func (g *Guardrail) Reenable(strategy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.disabledUntil, strategy)
	delete(g.results, strategy)
}
