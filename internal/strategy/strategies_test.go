package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// trendingBars builds a deterministic up-trending series from a seeded LCG.
func trendingBars(n int, seed uint64) []types.Bar {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, n)
	price := 100.0
	state := seed
	for i := 0; i < n; i++ {
		state = state*6364136223846793005 + 1442695040888963407
		noise := (float64(state>>33)/float64(1<<31) - 0.5) * 0.2
		open := price
		price = price*1.003 + noise
		bars = append(bars, types.Bar{
			Pair:      "BTCUSDT",
			Timeframe: types.Timeframe1m,
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(math.Max(open, price) * 1.001),
			Low:       decimal.NewFromFloat(math.Min(open, price) * 0.999),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(10),
			Closed:    true,
		})
	}
	return bars
}

func analyzeInput(bars []types.Bar) AnalyzeInput {
	return AnalyzeInput{
		Pair:      "BTCUSDT",
		Timeframe: types.Timeframe1m,
		Bars:      bars,
		Regime:    types.RegimeState{Trend: "trending", Volatility: "normal"},
	}
}

func TestEveryStrategyIsNeutralBelowMinBars(t *testing.T) {
	reg := NewRegistry()
	short := trendingBars(3, 1)
	for _, name := range reg.Names() {
		s, _ := reg.Get(name)
		sig := s.Analyze(context.Background(), analyzeInput(short))
		if sig.IsActionable() {
			t.Fatalf("%s emitted an actionable signal on 3 bars", name)
		}
	}
}

func TestEveryStrategyIsDeterministic(t *testing.T) {
	reg := NewRegistry()
	bars := trendingBars(120, 42)
	for _, name := range reg.Names() {
		s, _ := reg.Get(name)
		a := s.Analyze(context.Background(), analyzeInput(bars))
		b := s.Analyze(context.Background(), analyzeInput(bars))
		if a.Side != b.Side || !a.Strength.Equal(b.Strength) || !a.Confidence.Equal(b.Confidence) ||
			!a.StopLoss.Equal(b.StopLoss) || !a.TakeProfit.Equal(b.TakeProfit) {
			t.Fatalf("%s not deterministic: %+v vs %+v", name, a, b)
		}
	}
}

func TestActionableSignalsCarryProtectiveLevels(t *testing.T) {
	reg := NewRegistry()
	bars := trendingBars(200, 7)
	for _, name := range reg.Names() {
		s, _ := reg.Get(name)
		sig := s.Analyze(context.Background(), analyzeInput(bars))
		if !sig.IsActionable() {
			continue
		}
		if sig.StopLoss.IsZero() {
			t.Fatalf("%s actionable signal missing stop loss", name)
		}
		if sig.Side == types.OrderSideBuy && !sig.TakeProfit.IsZero() &&
			sig.TakeProfit.LessThanOrEqual(sig.StopLoss) {
			t.Fatalf("%s long signal has TP below SL", name)
		}
	}
}

func TestRunWithTimeoutRecoversPanic(t *testing.T) {
	sig := RunWithTimeout(context.Background(), panicStrategy{}, analyzeInput(trendingBars(50, 3)), zap.NewNop())
	if sig.IsActionable() {
		t.Fatalf("panicking strategy must yield a neutral signal")
	}
}

type panicStrategy struct{}

func (panicStrategy) Name() string         { return "panic" }
func (panicStrategy) MinBarsRequired() int { return 1 }
func (panicStrategy) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	panic("intentional")
}
func (panicStrategy) AdaptivePerformanceFactor(string, string) float64 { return 1.0 }
func (panicStrategy) RecordTradeResult(decimal.Decimal)                {}

func TestAdaptivePerformanceFactorTracksWinRate(t *testing.T) {
	s := NewTrendFollowing()
	if got := s.AdaptivePerformanceFactor("trending", "normal"); got != 1.0 {
		t.Fatalf("expected neutral factor with no history, got %f", got)
	}
	for i := 0; i < 10; i++ {
		s.RecordTradeResult(decimal.NewFromInt(5))
	}
	if got := s.AdaptivePerformanceFactor("trending", "normal"); got <= 1.0 {
		t.Fatalf("expected boosted factor after wins, got %f", got)
	}
	for i := 0; i < 50; i++ {
		s.RecordTradeResult(decimal.NewFromInt(-5))
	}
	if got := s.AdaptivePerformanceFactor("trending", "normal"); got >= 1.0 {
		t.Fatalf("expected reduced factor after losses, got %f", got)
	}
}
