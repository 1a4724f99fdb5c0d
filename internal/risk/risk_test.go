package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

type fakeHistory struct {
	tradesToday int
	lastLoss    map[string]time.Time
	lastClose   map[string]time.Time
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{lastLoss: map[string]time.Time{}, lastClose: map[string]time.Time{}}
}

func (f *fakeHistory) TradesSince(pair string, since time.Time) (int, error) { return 0, nil }
func (f *fakeHistory) TradesToday() (int, error)                             { return f.tradesToday, nil }
func (f *fakeHistory) LastLossAt(pair string) (time.Time, bool, error) {
	t, ok := f.lastLoss[pair]
	return t, ok, nil
}
func (f *fakeHistory) LastCloseAt(pair string) (time.Time, bool, error) {
	t, ok := f.lastClose[pair]
	return t, ok, nil
}

func testConfig() types.RiskConfig {
	return types.RiskConfig{
		InitialBankroll:              decimal.NewFromInt(10000),
		RiskPerTradePct:              decimal.NewFromFloat(0.01),
		KellyFractionCap:             decimal.NewFromFloat(0.25),
		MaxKellySize:                 decimal.NewFromFloat(0.2),
		MaxPositionUSD:               decimal.NewFromInt(2000),
		MaxDailyLossPct:              decimal.NewFromFloat(0.03),
		MaxDailyTrades:               10,
		MaxTradesPerHour:             0,
		MinRiskRewardRatio:           decimal.NewFromFloat(1.2),
		MaxConcurrentPositions:       3,
		MaxTotalExposurePct:          decimal.NewFromFloat(0.5),
		PerPairCooldown:              0,
		GlobalCooldownOnLoss:         15 * time.Minute,
		ConsecutiveLossesForCooldown: 3,
		RiskOfRuinThreshold:          decimal.NewFromFloat(0.5),
	}
}

func baseIntent() Intent {
	return Intent{
		Pair:            "BTCUSDT",
		Side:            types.OrderSideBuy,
		EntryPrice:      decimal.NewFromInt(100),
		StopLoss:        decimal.NewFromInt(95),
		TakeProfit:      decimal.NewFromInt(110),
		Confidence:      decimal.NewFromFloat(0.8),
		WinRate:         decimal.NewFromFloat(0.55),
		AvgWinLossRatio: decimal.NewFromFloat(1.5),
	}
}

func TestApproveHappyPath(t *testing.T) {
	m := NewManager(testConfig(), newFakeHistory(), zap.NewNop())
	d := m.Approve(baseIntent())
	if !d.Allowed {
		t.Fatalf("expected approval, got reason=%s", d.Reason)
	}
	if d.SizeUSD.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("expected positive size, got %s", d.SizeUSD)
	}
}

func TestApproveRejectsBelowMinRR(t *testing.T) {
	m := NewManager(testConfig(), newFakeHistory(), zap.NewNop())
	intent := baseIntent()
	intent.TakeProfit = decimal.NewFromInt(102) // RR = 2/5 = 0.4, below 1.2 minimum
	d := m.Approve(intent)
	if d.Allowed {
		t.Fatalf("expected rejection on RR ratio")
	}
	if d.Reason != "risk_reward_below_minimum" {
		t.Fatalf("expected risk_reward_below_minimum, got %s", d.Reason)
	}
}

func TestApproveRejectsWhenPaused(t *testing.T) {
	m := NewManager(testConfig(), newFakeHistory(), zap.NewNop())
	m.Pause()
	d := m.Approve(baseIntent())
	if d.Allowed || d.Reason != "trading_paused" {
		t.Fatalf("expected trading_paused rejection, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
	m.Resume()
	d = m.Approve(baseIntent())
	if !d.Allowed {
		t.Fatalf("expected approval after resume, got reason=%s", d.Reason)
	}
}

func TestApproveRejectsMaxConcurrentPositions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPositions = 1
	m := NewManager(cfg, newFakeHistory(), zap.NewNop())
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
	d := m.Approve(baseIntent())
	if d.Allowed || d.Reason != "max_concurrent_positions" {
		t.Fatalf("expected max_concurrent_positions rejection, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
}

func TestGlobalCooldownAfterConsecutiveLosses(t *testing.T) {
	cfg := testConfig()
	m := NewManager(cfg, newFakeHistory(), zap.NewNop())
	for i := 0; i < 3; i++ {
		m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
		m.RecordClose("BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(-10))
	}
	d := m.Approve(baseIntent())
	if d.Allowed || d.Reason != "global_loss_cooldown" {
		t.Fatalf("expected global_loss_cooldown rejection, got allowed=%v reason=%s", d.Allowed, d.Reason)
	}
}

func TestDrawdownFactorReducesSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLossPct = decimal.Zero // keep the daily loss gate from rejecting outright
	m := NewManager(cfg, newFakeHistory(), zap.NewNop())
	before := m.Approve(baseIntent())
	// Force bankroll down to an 8%+ drawdown from peak.
	m.RegisterOpen("BTCUSDT", decimal.NewFromInt(100))
	m.RecordClose("BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(-1200))
	after := m.Approve(baseIntent())
	if !after.Allowed {
		t.Fatalf("expected approval at a reduced size after drawdown, got reason=%s", after.Reason)
	}
	if !after.SizeUSD.LessThan(before.SizeUSD) {
		t.Fatalf("expected reduced size after drawdown: before=%s after=%s", before.SizeUSD, after.SizeUSD)
	}
}

func TestStopTrackerRatchetsMonotonically(t *testing.T) {
	cfg := testConfig()
	cfg.BreakevenAtR = decimal.NewFromFloat(1.0)
	cfg.TrailStartAtR = decimal.NewFromFloat(1.5)
	cfg.TrailDistancePct = decimal.NewFromFloat(0.01)

	tr := NewStopTracker(types.OrderSideBuy, decimal.NewFromInt(100), decimal.NewFromInt(95), cfg)
	if tr.State().Stage != types.StopLossInitial {
		t.Fatalf("expected initial stage")
	}

	tr.Update(decimal.NewFromInt(106)) // +1.2R -> breakeven
	if tr.State().Stage == types.StopLossInitial {
		t.Fatalf("expected stage to advance past initial")
	}
	if tr.State().CurrentStop.LessThan(decimal.NewFromInt(100)) {
		t.Fatalf("expected stop at or above breakeven, got %s", tr.State().CurrentStop)
	}

	tr.Update(decimal.NewFromInt(108)) // +1.6R -> trailing
	if tr.State().Stage != types.StopLossTrailing {
		t.Fatalf("expected trailing stage, got %s", tr.State().Stage)
	}
	trailedStop := tr.State().CurrentStop

	// Price pulls back but stop must never move down for a long.
	tr.Update(decimal.NewFromInt(103))
	if tr.State().CurrentStop.LessThan(trailedStop) {
		t.Fatalf("stop moved backward on pullback: had %s, now %s", trailedStop, tr.State().CurrentStop)
	}

	if !tr.Hit(decimal.NewFromInt(50)) {
		t.Fatalf("expected stop hit on crash through stop level")
	}
}
