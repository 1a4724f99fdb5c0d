package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/internal/store"
	"github.com/fenwick-trading/confluence-engine/internal/strategy"
	"github.com/fenwick-trading/confluence-engine/internal/venue"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// fakeAdapter fills every market order instantly at the submitted price,
// standing in for venue.PaperAdapter without a market data feed.
type fakeAdapter struct {
	mu     sync.Mutex
	orders []types.Order
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) Connect(ctx context.Context, pairs []string, tfs []types.Timeframe) error {
	return nil
}
func (f *fakeAdapter) Disconnect() error        { return nil }
func (f *fakeAdapter) Connected() bool          { return true }
func (f *fakeAdapter) OnBar(venue.BarHandler)   {}
func (f *fakeAdapter) OnBook(venue.BookHandler) {}
func (f *fakeAdapter) FetchCandles(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order.ID = fmt.Sprintf("o%d", len(f.orders)+1)
	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = order.Price
	f.orders = append(f.orders, order)
	return order, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, pair, orderID string) error { return nil }
func (f *fakeAdapter) GetOrder(ctx context.Context, pair, orderID string) (types.Order, error) {
	return types.Order{}, fmt.Errorf("unknown order")
}
func (f *fakeAdapter) GetOpenOrders(ctx context.Context, pair string) ([]types.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context) ([]types.Position, error) { return nil, nil }
func (f *fakeAdapter) ServerTime(ctx context.Context) (time.Time, error)          { return time.Now(), nil }

// fakePrices is a settable PriceSource.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newFakePrices() *fakePrices { return &fakePrices{prices: map[string]decimal.Decimal{}} }

func (f *fakePrices) set(pair string, p float64) {
	f.mu.Lock()
	f.prices[pair] = decimal.NewFromFloat(p)
	f.mu.Unlock()
}

func (f *fakePrices) LastPrice(pair string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[pair]
	return p, ok
}

func riskConfig() types.RiskConfig {
	return types.RiskConfig{
		InitialBankroll:    decimal.NewFromInt(10000),
		KellyFractionCap:   decimal.NewFromFloat(0.25),
		MaxKellySize:       decimal.NewFromFloat(0.2),
		MaxPositionUSD:     decimal.NewFromInt(500),
		MinRiskRewardRatio: decimal.NewFromFloat(1.0),
		BreakevenAtR:       decimal.NewFromFloat(1.0),
		TrailStartAtR:      decimal.NewFromFloat(1.5),
		TrailDistancePct:   decimal.NewFromFloat(0.005),
	}
}

func newTestExecutor(t *testing.T) (*Executor, *store.Store, *risk.Manager, *fakePrices) {
	t.Helper()
	logger := zap.NewNop()
	ledger, err := store.Open(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	riskMgr := risk.NewManager(riskConfig(), ledger, logger)
	prices := newFakePrices()
	registry := strategy.NewRegistry()
	guardrail := confluence.NewGuardrail(confluence.DefaultGuardrailConfig())

	exec := New(logger, DefaultConfig(), riskConfig(), &fakeAdapter{}, ledger, riskMgr, nil, guardrail, registry, nil, prices)
	return exec, ledger, riskMgr, prices
}

func TestPaperTradeLifecycle(t *testing.T) {
	ctx := context.Background()
	exec, ledger, riskMgr, prices := newTestExecutor(t)
	prices.set("BTCUSDT", 50000)

	err := exec.Open(ctx, "BTCUSDT", types.OrderSideBuy,
		decimal.NewFromInt(500), decimal.NewFromInt(49000), decimal.NewFromInt(52000),
		"trend_following", decimal.NewFromFloat(0.7), []float64{0.7, 0.6, 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	open, err := ledger.OpenTrades(ctx, "BTCUSDT")
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open trade, got %d err=%v", len(open), err)
	}
	trade := open[0]
	if trade.Quantity.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("open trade must carry positive quantity, got %s", trade.Quantity)
	}
	if riskMgr.GetReport().OpenPositions != 1 {
		t.Fatalf("risk manager should count the open position")
	}

	// Price reaches take-profit: the next management tick closes the trade.
	prices.set("BTCUSDT", 52100)
	if err := exec.ManageOpenPositions(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}

	closed, err := ledger.GetTrade(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("get closed: %v", err)
	}
	if closed.Status != types.TradeStatusClosed {
		t.Fatalf("expected closed status, got %s", closed.Status)
	}
	if !closed.PnL.IsPositive() {
		t.Fatalf("take-profit exit should realize a gain, got pnl=%s", closed.PnL)
	}
	if closed.ExitTime == nil || closed.ExitTime.Before(closed.EntryTime) {
		t.Fatalf("exit_time must not precede entry_time")
	}

	// The ML feature row must be labeled 1 in the same transaction as the close.
	labeled, err := ledger.LabeledFeatures(ctx, 10)
	if err != nil || len(labeled) != 1 {
		t.Fatalf("expected one labeled feature row, got %d err=%v", len(labeled), err)
	}
	if labeled[0].Label == nil || *labeled[0].Label != 1 {
		t.Fatalf("expected label=1 for a profitable trade")
	}
	if riskMgr.GetReport().OpenPositions != 0 {
		t.Fatalf("risk manager should release the position on close")
	}
}

func TestStopLossExitRealizesLoss(t *testing.T) {
	ctx := context.Background()
	exec, ledger, _, prices := newTestExecutor(t)
	prices.set("ETHUSDT", 3000)

	if err := exec.Open(ctx, "ETHUSDT", types.OrderSideBuy,
		decimal.NewFromInt(300), decimal.NewFromInt(2940), decimal.NewFromInt(3150),
		"mean_reversion", decimal.NewFromFloat(0.6), nil); err != nil {
		t.Fatalf("open: %v", err)
	}

	prices.set("ETHUSDT", 2930) // through the stop
	if err := exec.ManageOpenPositions(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}

	open, _ := ledger.OpenTrades(ctx, "ETHUSDT")
	if len(open) != 0 {
		t.Fatalf("expected stop-loss exit to close the trade")
	}
}

func TestOpenRejectsShortOnSpot(t *testing.T) {
	ctx := context.Background()
	exec, _, _, prices := newTestExecutor(t)
	prices.set("BTCUSDT", 50000)

	err := exec.Open(ctx, "BTCUSDT", types.OrderSideSell,
		decimal.NewFromInt(500), decimal.NewFromInt(51000), decimal.NewFromInt(48000),
		"trend_following", decimal.NewFromFloat(0.7), nil)
	if err == nil {
		t.Fatalf("expected sell-side entry to be rejected on spot")
	}
	if exec.GetMetrics().Rejected != 1 {
		t.Fatalf("expected rejection counter to increment")
	}
}

func TestCloseAllForceClosesEverything(t *testing.T) {
	ctx := context.Background()
	exec, ledger, _, prices := newTestExecutor(t)
	prices.set("BTCUSDT", 50000)
	prices.set("ETHUSDT", 3000)

	for pair, sl := range map[string]int64{"BTCUSDT": 49000, "ETHUSDT": 2940} {
		if err := exec.Open(ctx, pair, types.OrderSideBuy,
			decimal.NewFromInt(300), decimal.NewFromInt(sl), decimal.Zero,
			"trend_following", decimal.NewFromFloat(0.7), nil); err != nil {
			t.Fatalf("open %s: %v", pair, err)
		}
	}

	if err := exec.CloseAll(ctx, "kill"); err != nil {
		t.Fatalf("close all: %v", err)
	}
	open, _ := ledger.OpenTrades(ctx, "")
	if len(open) != 0 {
		t.Fatalf("expected all positions closed, %d remain", len(open))
	}
	if exec.GetMetrics().Closed != 2 {
		t.Fatalf("expected 2 closes recorded, got %d", exec.GetMetrics().Closed)
	}
}

func TestSecondCloseIsNoOp(t *testing.T) {
	ctx := context.Background()
	exec, ledger, _, prices := newTestExecutor(t)
	prices.set("BTCUSDT", 50000)

	if err := exec.Open(ctx, "BTCUSDT", types.OrderSideBuy,
		decimal.NewFromInt(300), decimal.NewFromInt(49000), decimal.NewFromInt(50500),
		"trend_following", decimal.NewFromFloat(0.7), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	open, _ := ledger.OpenTrades(ctx, "BTCUSDT")
	trade := open[0]

	prices.set("BTCUSDT", 50600)
	if err := exec.ManageOpenPositions(ctx); err != nil {
		t.Fatalf("manage: %v", err)
	}
	first, _ := ledger.GetTrade(ctx, trade.TradeID)

	// A second close attempt for the same trade leaves the row untouched.
	exec.close(ctx, &trade, decimal.NewFromInt(40000), "stop_loss", true)
	second, _ := ledger.GetTrade(ctx, trade.TradeID)
	if !second.ExitPrice.Equal(first.ExitPrice) || !second.PnL.Equal(first.PnL) {
		t.Fatalf("second close mutated a terminal trade: %s -> %s", first.ExitPrice, second.ExitPrice)
	}
}
