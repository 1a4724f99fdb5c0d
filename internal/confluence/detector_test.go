package confluence

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/marketdata"
	"github.com/fenwick-trading/confluence-engine/internal/strategy"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// syntheticBars produces a deterministic trending series from a seeded
// linear-congruential generator, so repeated runs see identical data.
func syntheticBars(n int, start float64, drift float64, seed uint64) []types.Bar {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, n)
	price := start
	state := seed
	for i := 0; i < n; i++ {
		state = state*6364136223846793005 + 1442695040888963407
		noise := (float64(state>>33)/float64(1<<31) - 0.5) * start * 0.002
		open := price
		price = price*(1+drift) + noise
		high := math.Max(open, price) * 1.001
		low := math.Min(open, price) * 0.999
		bars = append(bars, types.Bar{
			Pair:      "BTCUSDT",
			Timeframe: types.Timeframe1m,
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(10),
			Closed:    true,
		})
	}
	return bars
}

func testDetector(cache *marketdata.Cache) *Detector {
	return NewDetector(cache, strategy.NewRegistry(), NewGuardrail(DefaultGuardrailConfig()), nil, Config{
		Timeframes:            []types.Timeframe{types.Timeframe1m},
		PrimaryTimeframe:      types.Timeframe1m,
		MinTimeframeAgreement: 1,
		MinBarsWarmup:         60,
		MinConfidence:         decimal.NewFromFloat(0.6),
		OBIThreshold:          decimal.NewFromFloat(0.3),
		BookScoreThreshold:    decimal.NewFromFloat(0.25),
	}, zap.NewNop())
}

// warmCache seeds a cache whose lastUpdate stamps are fresh (UpdateBar sets
// them to now) so the detector does not refuse on staleness.
func warmCache(bars []types.Bar) *marketdata.Cache {
	cache := marketdata.New(500, time.Minute, zap.NewNop())
	cache.Warmup("BTCUSDT", types.Timeframe1m, bars[:len(bars)-1])
	cache.UpdateBar(bars[len(bars)-1])
	return cache
}

func TestEvaluateIsDeterministicForIdenticalInputs(t *testing.T) {
	bars := syntheticBars(120, 100, 0.004, 42)
	d1 := testDetector(warmCache(bars))
	d2 := testDetector(warmCache(bars))

	sig1 := d1.Evaluate(context.Background(), "BTCUSDT")
	sig2 := d2.Evaluate(context.Background(), "BTCUSDT")

	if (sig1 == nil) != (sig2 == nil) {
		t.Fatalf("determinism violated: one run produced a signal, the other did not")
	}
	if sig1 == nil {
		return
	}
	if sig1.Side != sig2.Side || !sig1.Score.Equal(sig2.Score) ||
		!sig1.StopLoss.Equal(sig2.StopLoss) || !sig1.TakeProfit.Equal(sig2.TakeProfit) {
		t.Fatalf("determinism violated: %+v vs %+v", sig1, sig2)
	}
}

func TestEvaluateRefusesColdPair(t *testing.T) {
	cache := marketdata.New(500, time.Minute, zap.NewNop())
	d := testDetector(cache)
	if sig := d.Evaluate(context.Background(), "BTCUSDT"); sig != nil {
		t.Fatalf("expected nil signal for a pair with no data")
	}
}

func combinerDetector(minAgreement int) *Detector {
	return NewDetector(nil, nil, nil, nil, Config{
		Timeframes:            []types.Timeframe{types.Timeframe1m, types.Timeframe5m, types.Timeframe15m},
		PrimaryTimeframe:      types.Timeframe1m,
		MinTimeframeAgreement: minAgreement,
	}, zap.NewNop())
}

func directionalResult(tf types.Timeframe, side types.OrderSide) tfResult {
	return tfResult{
		tf: tf, side: side,
		strength:   decimal.NewFromFloat(0.7),
		confidence: decimal.NewFromFloat(0.6),
		count:      2,
		entry:      decimal.NewFromInt(100),
		stopLoss:   decimal.NewFromInt(95),
		takeProfit: decimal.NewFromInt(110),
	}
}

func TestCombineReturnsNeutralWithoutEnoughAgreement(t *testing.T) {
	d := combinerDetector(2)
	// Only 1 of 3 timeframes is directional: below the agreement floor.
	results := []tfResult{
		directionalResult(types.Timeframe1m, types.OrderSideBuy),
		{tf: types.Timeframe5m},
		{tf: types.Timeframe15m},
	}
	if sig := d.combine("BTCUSDT", results); sig != nil {
		t.Fatalf("expected neutral with 1-of-3 agreement, got %+v", sig)
	}
}

func TestCombinePromotesWhenPrimaryNeutral(t *testing.T) {
	d := combinerDetector(2)
	results := []tfResult{
		{tf: types.Timeframe1m}, // neutral primary
		directionalResult(types.Timeframe5m, types.OrderSideBuy),
		directionalResult(types.Timeframe15m, types.OrderSideBuy),
	}
	sig := d.combine("BTCUSDT", results)
	if sig == nil || sig.Side != types.OrderSideBuy {
		t.Fatalf("expected promotion to the agreeing higher timeframes, got %+v", sig)
	}
	if sig.SourceTimeframe != types.Timeframe15m {
		t.Fatalf("expected SL/TP from the largest agreeing timeframe, got %s", sig.SourceTimeframe)
	}
}

func TestCombineUsesPrimaryDirection(t *testing.T) {
	d := combinerDetector(2)
	results := []tfResult{
		directionalResult(types.Timeframe1m, types.OrderSideSell),
		directionalResult(types.Timeframe5m, types.OrderSideSell),
		directionalResult(types.Timeframe15m, types.OrderSideBuy),
	}
	sig := d.combine("BTCUSDT", results)
	if sig == nil || sig.Side != types.OrderSideSell {
		t.Fatalf("expected the primary timeframe's direction, got %+v", sig)
	}
	if sig.TimeframeSides[types.Timeframe15m] != types.OrderSideBuy {
		t.Fatalf("timeframe map should record the dissenting timeframe")
	}
}

func TestSyntheticBookVoteThresholds(t *testing.T) {
	d := combinerDetector(1)
	d.cfg.BookScoreThreshold = decimal.NewFromFloat(0.25)
	regime := types.RegimeState{Trend: "ranging", Volatility: "normal"}

	v, side, magnitude := d.syntheticBookVote("BTCUSDT", types.Timeframe1m,
		types.BookAnalysis{BookScore: decimal.NewFromFloat(0.4)}, regime)
	if v == nil || side != types.OrderSideBuy || !magnitude.Equal(decimal.NewFromFloat(0.4)) {
		t.Fatalf("expected a bid-side synthetic vote at |score|=0.4")
	}
	if v.sig.Strategy != SyntheticBookStrategy {
		t.Fatalf("synthetic vote must carry the order_book strategy name")
	}

	v, _, _ = d.syntheticBookVote("BTCUSDT", types.Timeframe1m,
		types.BookAnalysis{BookScore: decimal.NewFromFloat(0.1)}, regime)
	if v != nil {
		t.Fatalf("score inside the threshold must not produce a vote")
	}

	v, side, _ = d.syntheticBookVote("BTCUSDT", types.Timeframe1m,
		types.BookAnalysis{BookScore: decimal.NewFromFloat(-0.5)}, regime)
	if v == nil || side != types.OrderSideSell {
		t.Fatalf("negative score must vote sell")
	}
}

func TestGuardrailDisablesAndAutoReenables(t *testing.T) {
	g := NewGuardrail(GuardrailConfig{
		Window:          5,
		MinTrades:       5,
		MinWinRate:      0.60,
		MinProfitFactor: 1.20,
		DisableFor:      30 * time.Minute,
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		g.RecordResult("keltner_breakout", decimal.NewFromInt(-12))
	}
	if !g.IsDisabled("keltner_breakout") {
		t.Fatalf("expected strategy disabled after 5 consecutive losses")
	}

	// A win elsewhere changes nothing for this strategy.
	g.RecordResult("trend_following", decimal.NewFromInt(5))
	if !g.IsDisabled("keltner_breakout") {
		t.Fatalf("unrelated result re-enabled the strategy")
	}

	// 29 minutes in, still disabled; past the 30-minute window, re-enabled.
	now = now.Add(29 * time.Minute)
	if !g.IsDisabled("keltner_breakout") {
		t.Fatalf("disable window expired early")
	}
	now = now.Add(2 * time.Minute)
	if g.IsDisabled("keltner_breakout") {
		t.Fatalf("expected auto re-enable after the disable window elapsed")
	}
}

func TestGuardrailOperatorReenable(t *testing.T) {
	g := NewGuardrail(GuardrailConfig{Window: 5, MinTrades: 5, MinWinRate: 0.60, MinProfitFactor: 1.20, DisableFor: time.Hour})
	for i := 0; i < 5; i++ {
		g.RecordResult("keltner_breakout", decimal.NewFromInt(-12))
	}
	if !g.IsDisabled("keltner_breakout") {
		t.Fatalf("expected disable")
	}
	g.Reenable("keltner_breakout")
	if g.IsDisabled("keltner_breakout") {
		t.Fatalf("expected operator re-enable to clear the disable")
	}
}

func TestGuardrailHealthyWindowStaysEnabled(t *testing.T) {
	g := NewGuardrail(GuardrailConfig{Window: 6, MinTrades: 6, MinWinRate: 0.60, MinProfitFactor: 1.20, DisableFor: time.Hour})
	// 50% win rate but a profit factor well above the floor: must stay on.
	for i := 0; i < 3; i++ {
		g.RecordResult("supertrend", decimal.NewFromInt(10))
		g.RecordResult("supertrend", decimal.NewFromInt(-2))
	}
	if g.IsDisabled("supertrend") {
		t.Fatalf("profitable strategy must not be disabled")
	}
}

func TestGuardrailNeedsMinTrades(t *testing.T) {
	g := NewGuardrail(GuardrailConfig{Window: 30, MinTrades: 20, MinWinRate: 0.35, MinProfitFactor: 0.85, DisableFor: time.Hour})
	for i := 0; i < 19; i++ {
		g.RecordResult("reversal", decimal.NewFromInt(-1))
	}
	if g.IsDisabled("reversal") {
		t.Fatalf("guardrail must not trip below the minimum trade count")
	}
}

func TestClassifyRegimeLowVolRange(t *testing.T) {
	// Flat series: closes oscillate 100 -> 100.1 -> 100 -> 99.9 -> 100, so no
	// direction persists, and the bar range is tiny.
	bars := syntheticBars(100, 100, 0, 7)
	offsets := []float64{0, 0.1, 0, -0.1}
	for i := range bars {
		open := 100 + offsets[(i+3)%4]
		price := 100 + offsets[i%4]
		bars[i].Open = decimal.NewFromFloat(open)
		bars[i].High = decimal.NewFromFloat(math.Max(open, price) * 1.001)
		bars[i].Low = decimal.NewFromFloat(math.Min(open, price) * 0.999)
		bars[i].Close = decimal.NewFromFloat(price)
	}
	regime := ClassifyRegime(bars)
	if regime.Trend != "ranging" {
		t.Fatalf("flat series classified as %s", regime.Trend)
	}
	if regime.Volatility == "high" {
		t.Fatalf("flat series classified as high volatility")
	}
}

func TestSessionMultiplierNeutralWithoutHistory(t *testing.T) {
	m := NewSessionMultiplier(func(string) (float64, bool) { return 0, false })
	if !m.Multiplier(time.Now()).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected neutral multiplier without history")
	}
}

func TestSessionMultiplierScalesWithWinRate(t *testing.T) {
	m := NewSessionMultiplier(func(string) (float64, bool) { return 1.0, true })
	if !m.Multiplier(time.Now()).Equal(decimal.NewFromFloat(1.15)) {
		t.Fatalf("expected 1.15 at a perfect win rate")
	}
	m = NewSessionMultiplier(func(string) (float64, bool) { return 0, true })
	if !m.Multiplier(time.Now()).Equal(decimal.NewFromFloat(0.70)) {
		t.Fatalf("expected 0.70 at a zero win rate")
	}
}

func TestCurrentSessionBuckets(t *testing.T) {
	cases := map[int]string{
		2:  SessionAsia,
		8:  SessionLondon,
		13: SessionOverlap,
		18: SessionNewYork,
		23: SessionAsia,
	}
	for hour, want := range cases {
		at := time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC)
		if got := CurrentSession(at); got != want {
			t.Fatalf("hour %d: got %s want %s", hour, got, want)
		}
	}
}
