package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

func barAt(t0 time.Time, minuteOffset int, close float64) types.Bar {
	c := decimal.NewFromFloat(close)
	return types.Bar{
		Pair:      "BTCUSDT",
		Timeframe: types.Timeframe1m,
		OpenTime:  t0.Add(time.Duration(minuteOffset) * time.Minute),
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(1),
		Closed:    true,
	}
}

func seedCache(t *testing.T, n int, price float64) (*Cache, time.Time) {
	t.Helper()
	c := New(500, time.Minute, zap.NewNop())
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, barAt(t0, i, price))
	}
	c.Warmup("BTCUSDT", types.Timeframe1m, bars)
	return c, t0
}

func TestUpdateBarReportsNewBarOnlyForLaterOpenTime(t *testing.T) {
	c, t0 := seedCache(t, 12, 100)

	if !c.UpdateBar(barAt(t0, 12, 100.5)) {
		t.Fatalf("expected a later open_time to count as a new bar")
	}
	// Same open_time again: an in-place update, not a new bar.
	if c.UpdateBar(barAt(t0, 12, 100.7)) {
		t.Fatalf("expected duplicate open_time to not count as a new bar")
	}
	// Out-of-order bar is dropped.
	if c.UpdateBar(barAt(t0, 5, 100.2)) {
		t.Fatalf("expected out-of-order bar to be rejected")
	}
}

func TestUpdateBarRejectsOutlier(t *testing.T) {
	c, t0 := seedCache(t, 12, 100)
	before := len(c.Bars("BTCUSDT", types.Timeframe1m))

	if c.UpdateBar(barAt(t0, 12, 200)) {
		t.Fatalf("expected 100%% jump vs median to be rejected")
	}
	if got := len(c.Bars("BTCUSDT", types.Timeframe1m)); got != before {
		t.Fatalf("ring buffer length changed on rejected bar: %d -> %d", before, got)
	}

	// A move inside the threshold is accepted.
	if !c.UpdateBar(barAt(t0, 12, 110)) {
		t.Fatalf("expected 10%% move to be accepted")
	}
}

func TestDuplicateUpdatesLeaveCacheUnchanged(t *testing.T) {
	c, t0 := seedCache(t, 20, 100)
	dup := barAt(t0, 19, 100)
	for i := 0; i < 5; i++ {
		if c.UpdateBar(dup) {
			t.Fatalf("duplicate update %d reported a new bar", i)
		}
	}
	if got := len(c.Bars("BTCUSDT", types.Timeframe1m)); got != 20 {
		t.Fatalf("expected 20 bars, got %d", got)
	}
}

func TestUpdateLatestCloseNeverCreatesBars(t *testing.T) {
	c, t0 := seedCache(t, 10, 100)
	forming := barAt(t0, 10, 100)
	forming.Closed = false
	c.UpdateBar(forming)

	c.UpdateLatestClose("BTCUSDT", types.Timeframe1m, decimal.NewFromFloat(101.5))
	bars := c.Bars("BTCUSDT", types.Timeframe1m)
	if len(bars) != 11 {
		t.Fatalf("expected 11 bars, got %d", len(bars))
	}
	if !bars[len(bars)-1].Close.Equal(decimal.NewFromFloat(101.5)) {
		t.Fatalf("expected forming bar close patched, got %s", bars[len(bars)-1].Close)
	}
}

func TestLastPrice(t *testing.T) {
	c, _ := seedCache(t, 10, 100)
	price, ok := c.LastPrice("BTCUSDT")
	if !ok || !price.Equal(decimal.NewFromFloat(100)) {
		t.Fatalf("expected last price 100, got %s ok=%v", price, ok)
	}
	if _, ok := c.LastPrice("UNKNOWN"); ok {
		t.Fatalf("expected no price for unknown pair")
	}
}

func TestIsWarmAndIsStale(t *testing.T) {
	c, _ := seedCache(t, 50, 100)
	if !c.IsWarm("BTCUSDT", types.Timeframe1m, 50) {
		t.Fatalf("expected warm at exactly the threshold")
	}
	if c.IsWarm("BTCUSDT", types.Timeframe1m, 51) {
		t.Fatalf("expected not warm above the threshold")
	}
	// Warmup stamps lastUpdate from bar open times, which are historical.
	if !c.IsStale("BTCUSDT", types.Timeframe1m) {
		t.Fatalf("expected staleness for historical-only data")
	}
}

func TestScanQueueDedup(t *testing.T) {
	q := NewScanQueue([]string{"BTCUSDT", "ETHUSDT"}, time.Second)
	if !q.Enqueue("BTCUSDT") {
		t.Fatalf("first enqueue should succeed")
	}
	if q.Enqueue("BTCUSDT") {
		t.Fatalf("second enqueue of a waiting pair should dedup")
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}

	ev := <-q.Events()
	if ev.Pair != "BTCUSDT" {
		t.Fatalf("unexpected event pair %s", ev.Pair)
	}
	q.Done("BTCUSDT")
	if !q.Enqueue("BTCUSDT") {
		t.Fatalf("enqueue after Done should succeed")
	}
}
