package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestBlendConfidenceLoneVoteLeansOnModel(t *testing.T) {
	got := blendConfidence(dec(0.8), dec(0.4), 1)
	want := dec(0.8).Mul(dec(0.7)).Add(dec(0.4).Mul(dec(0.3)))
	if !got.Equal(want) {
		t.Fatalf("lone-vote blend: got %s want %s", got, want)
	}
}

func TestBlendConfidenceConsensusGuardsAgainstAIVeto(t *testing.T) {
	// A hostile model score cannot drag consensus confidence below 85% of
	// the strategies' own confidence.
	got := blendConfidence(dec(0.8), dec(0.1), 3)
	if got.LessThan(dec(0.8).Mul(dec(0.85))) {
		t.Fatalf("consensus blend fell below the 0.85 guard: %s", got)
	}

	// A supportive model averages in normally.
	got = blendConfidence(dec(0.8), dec(0.9), 3)
	if !got.Equal(dec(0.85)) {
		t.Fatalf("expected plain average 0.85, got %s", got)
	}
}

func TestClampConfidenceFloorBounds(t *testing.T) {
	if got := clampConfidenceFloor(dec(0.2)); !got.Equal(dec(0.45)) {
		t.Fatalf("floor below bound not clamped: %s", got)
	}
	if got := clampConfidenceFloor(dec(0.9)); !got.Equal(dec(0.75)) {
		t.Fatalf("floor above bound not clamped: %s", got)
	}
	if got := clampConfidenceFloor(dec(0.6)); !got.Equal(dec(0.6)) {
		t.Fatalf("in-bounds floor altered: %s", got)
	}
}

func TestRealVotesExcludesSyntheticOrderBookVote(t *testing.T) {
	sig := types.ConfluenceSignal{
		Side: types.OrderSideBuy,
		Contributors: []types.StrategySignal{
			{Strategy: "trend_following", Side: types.OrderSideBuy},
			{Strategy: "order_book", Side: types.OrderSideBuy},
			{Strategy: "mean_reversion", Side: types.OrderSideSell},
		},
	}
	if got := realVotes(sig); got != 1 {
		t.Fatalf("expected 1 real agreeing vote, got %d", got)
	}
}

func soloSignal(strategyName string, confidence decimal.Decimal) types.ConfluenceSignal {
	return types.ConfluenceSignal{
		Side:       types.OrderSideBuy,
		Confidence: confidence,
		Contributors: []types.StrategySignal{
			{Strategy: strategyName, Side: types.OrderSideBuy, Confidence: confidence},
		},
	}
}

func TestSoloAllowedWhitelistedStrategy(t *testing.T) {
	e := &Engine{cfg: Config{
		SoloStrategies: map[string]decimal.Decimal{"keltner_breakout": dec(0.75)},
	}}
	if !e.soloAllowed(soloSignal("keltner_breakout", dec(0.8)), 1) {
		t.Fatalf("whitelisted strategy above its solo threshold must pass")
	}
	if e.soloAllowed(soloSignal("keltner_breakout", dec(0.7)), 1) {
		t.Fatalf("whitelisted strategy below its solo threshold must not pass")
	}
	if e.soloAllowed(soloSignal("trend_following", dec(0.9)), 1) {
		t.Fatalf("non-whitelisted strategy must not pass without any-solo")
	}
}

func TestSoloAllowedAnySolo(t *testing.T) {
	e := &Engine{cfg: Config{AllowAnySolo: true, SoloMinConfidence: dec(0.8)}}
	if !e.soloAllowed(soloSignal("trend_following", dec(0.85)), 1) {
		t.Fatalf("any-solo above the floor must pass")
	}
	if e.soloAllowed(soloSignal("trend_following", dec(0.7)), 1) {
		t.Fatalf("any-solo below the floor must not pass")
	}
	if e.soloAllowed(soloSignal("trend_following", dec(0.85)), 2) {
		t.Fatalf("solo mode only applies to exactly one real vote")
	}
}

func TestBookSpreadPct(t *testing.T) {
	book := types.OrderBookSnapshot{
		Bids: []types.OrderBookLevel{{Price: dec(99.9), Quantity: dec(1)}},
		Asks: []types.OrderBookLevel{{Price: dec(100.1), Quantity: dec(1)}},
	}
	spread, ok := bookSpreadPct(book)
	if !ok {
		t.Fatalf("expected spread for a two-sided book")
	}
	if spread.LessThan(dec(0.0019)) || spread.GreaterThan(dec(0.0021)) {
		t.Fatalf("expected ~0.2%% spread, got %s", spread)
	}
	if _, ok := bookSpreadPct(types.OrderBookSnapshot{}); ok {
		t.Fatalf("expected no spread for an empty book")
	}
}
