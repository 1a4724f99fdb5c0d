package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

func constantBars(n int, price float64) []types.Bar {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := decimal.NewFromFloat(price)
	bars := make([]types.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, types.Bar{
			Pair: "BTCUSDT", Timeframe: types.Timeframe1m,
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(1), Closed: true,
		})
	}
	return bars
}

func TestEMAConvergesToConstant(t *testing.T) {
	ema := EMA(constantBars(100, 50), 20)
	if got := Last(ema); math.Abs(got-50) > 1e-9 {
		t.Fatalf("EMA of a constant series should be the constant, got %f", got)
	}
}

func TestATRZeroForConstantSeries(t *testing.T) {
	atr := ATR(constantBars(100, 50), 14)
	if got := Last(atr); got != 0 {
		t.Fatalf("ATR of a constant series should be zero, got %f", got)
	}
}

func TestKeltnerChannelsBracketTheEMA(t *testing.T) {
	bars := constantBars(60, 100)
	upper, middle, lower := KeltnerChannels(bars, 20, 10, 1.5)
	n := len(bars) - 1
	if upper[n] < middle[n] || lower[n] > middle[n] {
		t.Fatalf("channel bands must bracket the middle line: %f / %f / %f", upper[n], middle[n], lower[n])
	}
}

func TestOrderBookImbalance(t *testing.T) {
	book := types.OrderBookSnapshot{
		Bids: []types.OrderBookLevel{{Price: decimal.NewFromInt(99), Quantity: decimal.NewFromInt(30)}},
		Asks: []types.OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(10)}},
	}
	obi := OrderBookImbalance(book, 10)
	if !obi.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected OBI (30-10)/(30+10)=0.5, got %s", obi)
	}
	if !OrderBookImbalance(types.OrderBookSnapshot{}, 10).IsZero() {
		t.Fatalf("empty book should have zero imbalance")
	}
}

func TestComputeStopLossTakeProfitSides(t *testing.T) {
	entry := decimal.NewFromInt(100)
	atr := decimal.NewFromInt(2)
	noFee := decimal.Zero
	sl, tp := ComputeStopLossTakeProfit(entry, types.OrderSideBuy, atr, decimal.NewFromFloat(1.5), decimal.NewFromInt(2), noFee)
	if !sl.Equal(decimal.NewFromInt(97)) || !tp.Equal(decimal.NewFromInt(106)) {
		t.Fatalf("long SL/TP wrong: %s / %s", sl, tp)
	}
	sl, tp = ComputeStopLossTakeProfit(entry, types.OrderSideSell, atr, decimal.NewFromFloat(1.5), decimal.NewFromInt(2), noFee)
	if !sl.Equal(decimal.NewFromInt(103)) || !tp.Equal(decimal.NewFromInt(94)) {
		t.Fatalf("short SL/TP wrong: %s / %s", sl, tp)
	}
}

func TestTakeProfitCoversRoundTripFees(t *testing.T) {
	entry := decimal.NewFromInt(10000)
	tinyATR := decimal.NewFromFloat(0.5)
	fee := decimal.NewFromFloat(0.002) // 0.2% round trip => 20 on a 10000 entry

	_, tp := ComputeStopLossTakeProfit(entry, types.OrderSideBuy, tinyATR, decimal.NewFromInt(1), decimal.NewFromInt(1), fee)
	if tp.Sub(entry).LessThan(entry.Mul(fee)) {
		t.Fatalf("long TP %s does not cover round-trip fees", tp)
	}

	_, tp = ComputeStopLossTakeProfit(entry, types.OrderSideSell, tinyATR, decimal.NewFromInt(1), decimal.NewFromInt(1), fee)
	if entry.Sub(tp).LessThan(entry.Mul(fee)) {
		t.Fatalf("short TP %s does not cover round-trip fees", tp)
	}

	// A level-derived target inside the fee floor is widened out to it.
	got := EnsureTakeProfitCoversFees(entry, decimal.NewFromInt(10005), types.OrderSideBuy, fee)
	if got.Sub(entry).LessThan(entry.Mul(fee)) {
		t.Fatalf("fee floor not applied to level target, got %s", got)
	}
}

func TestAnalyzeBookScoreAndWhaleBias(t *testing.T) {
	book := types.OrderBookSnapshot{
		Bids: []types.OrderBookLevel{
			{Price: decimal.NewFromFloat(99.9), Quantity: decimal.NewFromInt(30)}, // ~2997 notional: whale at 1000 threshold
			{Price: decimal.NewFromFloat(99.8), Quantity: decimal.NewFromInt(2)},  // ~200: retail
		},
		Asks: []types.OrderBookLevel{
			{Price: decimal.NewFromFloat(100.1), Quantity: decimal.NewFromInt(10)}, // ~1001: whale
		},
	}
	analysis := AnalyzeBook(book, decimal.NewFromInt(1000))

	if analysis.WhaleBias.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("bid-heavy whale levels should give a positive whale bias, got %s", analysis.WhaleBias)
	}
	if analysis.BookScore.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("bid-heavy book should score positive, got %s", analysis.BookScore)
	}

	// Without a threshold no level counts as whale-sized.
	analysis = AnalyzeBook(book, decimal.Zero)
	if !analysis.WhaleBias.IsZero() {
		t.Fatalf("whale bias must be zero when the threshold is unset")
	}
}

func TestIchimokuMidpointsOnConstantSeries(t *testing.T) {
	lines := Ichimoku(constantBars(120, 100), 9, 26, 52)
	n := 119
	if math.Abs(lines.Tenkan[n]-100) > 1e-9 || math.Abs(lines.Kijun[n]-100) > 1e-9 {
		t.Fatalf("constant series midpoints should equal the price: %f / %f", lines.Tenkan[n], lines.Kijun[n])
	}
}

func TestGarmanKlassVolatilityZeroForConstantSeries(t *testing.T) {
	if got := GarmanKlassVolatility(constantBars(100, 50), 30, 525600); got != 0 {
		t.Fatalf("constant series has zero volatility, got %f", got)
	}
}
