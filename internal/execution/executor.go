// Package execution turns approved confluence signals into venue orders and
// manages the resulting positions to exit. It follows the teacher's
// Executor shape (config struct with defaults, kill-switch-style force
// close, metrics counters) with the multi-exchange adapter map collapsed to
// the single venue.Adapter this engine trades on, and paper simulation
// delegated to venue.PaperAdapter.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/mlgate"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/internal/store"
	"github.com/fenwick-trading/confluence-engine/internal/strategy"
	"github.com/fenwick-trading/confluence-engine/internal/venue"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
	"github.com/fenwick-trading/confluence-engine/pkg/utils"
)

// PriceSource supplies the executor's mark price for open-position
// management, implemented by marketdata.Cache.
type PriceSource interface {
	LastPrice(pair string) (decimal.Decimal, bool)
}

// Config configures the executor.
type Config struct {
	Live           bool
	TenantID       string
	FeePctPerSide  decimal.Decimal
	SlipPctPerSide decimal.Decimal
	QtyStep        decimal.Decimal
	MinQty         decimal.Decimal
	MaxHold        time.Duration // 0 disables the max-hold exit
	AllowShort     bool          // spot venues reject sell-side entries
}

// DefaultConfig returns conservative paper-mode defaults.
func DefaultConfig() Config {
	return Config{
		Live:           false,
		TenantID:       "default",
		FeePctPerSide:  decimal.NewFromFloat(0.001),
		SlipPctPerSide: decimal.NewFromFloat(0.0005),
		QtyStep:        decimal.NewFromFloat(0.00001),
		MinQty:         decimal.NewFromFloat(0.00001),
	}
}

// Metrics tracks execution outcomes for the dashboard.
type Metrics struct {
	Opened         int
	Closed         int
	Rejected       int
	ReconcileFixes int
}

// Executor owns order placement, open-position management and PnL
// accounting. SL state is delegated to risk.StopTracker; persistence to
// internal/store.
type Executor struct {
	logger    *zap.Logger
	cfg       Config
	riskCfg   types.RiskConfig
	adapter   venue.Adapter
	ledger    *store.Store
	riskMgr   *risk.Manager
	mlGate    *mlgate.Gate
	guardrail *confluence.Guardrail
	registry  *strategy.Registry
	mirror    *store.AnalyticsMirror
	prices    PriceSource

	mu        sync.Mutex
	stops     map[string]*risk.StopTracker // by trade_id
	features  map[string]mlgate.Features   // by trade_id, for outcome feedback
	notionals map[string]decimal.Decimal   // by trade_id, entry USD exposure
	pending   map[string]pendingOpen       // by symbol, live-mode submitted-not-recorded orders
	loops     int
	metrics   Metrics
}

// New constructs an Executor. mlGate and mirror may be nil.
func New(logger *zap.Logger, cfg Config, riskCfg types.RiskConfig, adapter venue.Adapter, ledger *store.Store, riskMgr *risk.Manager, mlGate *mlgate.Gate, guardrail *confluence.Guardrail, registry *strategy.Registry, mirror *store.AnalyticsMirror, prices PriceSource) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		cfg:       cfg,
		riskCfg:   riskCfg,
		adapter:   adapter,
		ledger:    ledger,
		riskMgr:   riskMgr,
		mlGate:    mlGate,
		guardrail: guardrail,
		registry:  registry,
		mirror:    mirror,
		prices:    prices,
		stops:     make(map[string]*risk.StopTracker),
		features:  make(map[string]mlgate.Features),
		notionals: make(map[string]decimal.Decimal),
		pending:   make(map[string]pendingOpen),
	}
}

// Open places an entry order for an approved signal and records the open
// trade. In live mode an order that does not fill promptly is parked in the
// pending-opens map and reconciled on later ticks instead of being lost.
func (e *Executor) Open(ctx context.Context, pair string, side types.OrderSide, sizeUSD, stopLoss, takeProfit decimal.Decimal, strategyName string, confidence decimal.Decimal, features mlgate.Features) error {
	if side == types.OrderSideSell && !e.cfg.AllowShort {
		e.countReject()
		return fmt.Errorf("short entries are not supported on a spot venue")
	}

	plannedEntry, ok := e.prices.LastPrice(pair)
	if !ok || plannedEntry.IsZero() {
		e.countReject()
		return fmt.Errorf("no reference price for %s", pair)
	}

	qty := utils.RoundToStepSize(sizeUSD.Div(plannedEntry), e.cfg.QtyStep)
	if qty.LessThan(e.cfg.MinQty) {
		e.countReject()
		return fmt.Errorf("quantity %s below venue minimum for %s", qty, pair)
	}

	tradeID := uuid.NewString()
	order, err := e.adapter.PlaceOrder(ctx, types.Order{
		ClientOrderID: tradeID,
		Symbol:        pair,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      qty,
		Price:         plannedEntry,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		e.countReject()
		return fmt.Errorf("place order %s: %w", pair, err)
	}

	if order.Status != types.OrderStatusFilled {
		if !e.cfg.Live {
			e.countReject()
			return fmt.Errorf("paper order unexpectedly unfilled for %s", pair)
		}
		e.parkPending(pair, tradeID, order, side, qty, plannedEntry, stopLoss, takeProfit, strategyName, confidence, features, sizeUSD)
		return nil
	}

	fill := order.AvgFillPrice
	if fill.IsZero() {
		fill = plannedEntry
	}
	// Shift the protective levels by the fill drift so the intended risk
	// distance survives slippage.
	drift := fill.Sub(plannedEntry)
	stopLoss = stopLoss.Add(drift)
	takeProfit = takeProfit.Add(drift)

	return e.recordOpen(ctx, types.LedgerTrade{
		TradeID:    tradeID,
		TenantID:   e.cfg.TenantID,
		Pair:       pair,
		Side:       side,
		Status:     types.TradeStatusOpen,
		Strategy:   strategyName,
		Confidence: confidence,
		EntryPrice: fill,
		Quantity:   order.FilledQty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		EntryTime:  time.Now(),
	}, sizeUSD, features)
}

// recordOpen persists the open trade, registers exposure with the risk
// manager, seeds the stop tracker and records the unlabeled ML feature row.
func (e *Executor) recordOpen(ctx context.Context, t types.LedgerTrade, sizeUSD decimal.Decimal, features mlgate.Features) error {
	if err := e.ledger.InsertTrade(ctx, t); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if len(features) > 0 {
		if err := e.ledger.InsertMLFeatures(ctx, types.MLFeatureRow{
			TradeID:   t.TradeID,
			Pair:      t.Pair,
			Features:  features,
			CreatedAt: t.EntryTime,
		}); err != nil {
			// Degraded subsystem: the trade stands, the ML row does not.
			e.logger.Warn("failed to record ml features", zap.String("tradeId", t.TradeID), zap.Error(err))
		}
	}

	e.riskMgr.RegisterOpen(t.Pair, sizeUSD)

	e.mu.Lock()
	e.stops[t.TradeID] = risk.NewStopTracker(t.Side, t.EntryPrice, t.StopLoss, e.riskCfg)
	e.features[t.TradeID] = features
	e.notionals[t.TradeID] = sizeUSD
	e.metrics.Opened++
	e.mu.Unlock()

	e.mirrorTradeEvent("opened", t)
	e.logger.Info("position opened",
		zap.String("tradeId", t.TradeID),
		zap.String("pair", t.Pair),
		zap.String("side", string(t.Side)),
		zap.String("entry", t.EntryPrice.String()),
		zap.String("qty", t.Quantity.String()))
	return nil
}

// ManageOpenPositions runs once per position-loop tick: advance stops,
// evaluate exits, and (in live mode) reconcile pending opens.
func (e *Executor) ManageOpenPositions(ctx context.Context) error {
	e.mu.Lock()
	e.loops++
	loops := e.loops
	e.mu.Unlock()
	if e.cfg.Live && loops%brokerReconcileIntervalLoops == 0 {
		e.reconcilePending(ctx)
	}

	open, err := e.ledger.OpenTrades(ctx, "")
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}
	for i := range open {
		e.manageOne(ctx, &open[i])
	}
	return nil
}

func (e *Executor) manageOne(ctx context.Context, t *types.LedgerTrade) {
	price, ok := e.prices.LastPrice(t.Pair)
	if !ok || price.IsZero() {
		return
	}

	tracker := e.trackerFor(t)
	prevStop := tracker.State().CurrentStop
	newStop := tracker.Update(price)
	if !newStop.Equal(prevStop) {
		fields := store.UpdateFields{"stop_loss": newStop.String()}
		if tracker.State().Stage == types.StopLossTrailing {
			fields["trailing_stop"] = newStop.String()
		}
		if err := e.ledger.UpdateTrade(ctx, t.TradeID, fields); err != nil {
			e.logger.Warn("failed to persist stop update", zap.String("tradeId", t.TradeID), zap.Error(err))
		}
	}

	switch {
	case tracker.Hit(price):
		e.close(ctx, t, price, "stop_loss", false)
	case takeProfitHit(t, price):
		e.close(ctx, t, price, "take_profit", false)
	case e.cfg.MaxHold > 0 && time.Since(t.EntryTime) >= e.cfg.MaxHold:
		e.close(ctx, t, price, "max_hold", false)
	}
}

// trackerFor returns (creating after a restart if needed) the stop tracker
// for an open trade.
func (e *Executor) trackerFor(t *types.LedgerTrade) *risk.StopTracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	tracker, ok := e.stops[t.TradeID]
	if !ok {
		tracker = risk.NewStopTracker(t.Side, t.EntryPrice, t.StopLoss, e.riskCfg)
		e.stops[t.TradeID] = tracker
	}
	return tracker
}

func takeProfitHit(t *types.LedgerTrade, price decimal.Decimal) bool {
	if t.TakeProfit.IsZero() {
		return false
	}
	if t.Side == types.OrderSideBuy {
		return price.GreaterThanOrEqual(t.TakeProfit)
	}
	return price.LessThanOrEqual(t.TakeProfit)
}

// close exits one open trade at (approximately) price, computes realized
// PnL net of fees and slippage, atomically persists the close together with
// the ML label, and fans the outcome out to the risk manager, the
// strategy's performance window, the guardrail and the online learner.
func (e *Executor) close(ctx context.Context, t *types.LedgerTrade, price decimal.Decimal, reason string, force bool) {
	if cur, err := e.ledger.GetTrade(ctx, t.TradeID); err == nil && cur.Status != types.TradeStatusOpen {
		return
	}
	exitPrice := price
	if e.cfg.Live {
		order, err := e.adapter.PlaceOrder(ctx, types.Order{
			ClientOrderID: t.TradeID + "-close",
			Symbol:        t.Pair,
			Side:          oppositeSide(t.Side),
			Type:          types.OrderTypeMarket,
			Quantity:      t.Quantity,
			Price:         price,
			CreatedAt:     time.Now(),
		})
		if err != nil {
			if !force {
				e.logger.Error("close order failed, will retry next tick", zap.String("tradeId", t.TradeID), zap.Error(err))
				return
			}
			e.logger.Error("forced close: venue order failed, closing locally", zap.String("tradeId", t.TradeID), zap.Error(err))
		} else if !order.AvgFillPrice.IsZero() {
			exitPrice = order.AvgFillPrice
		}
	}

	entryNotional := t.EntryPrice.Mul(t.Quantity)
	exitNotional := exitPrice.Mul(t.Quantity)
	fees := entryNotional.Add(exitNotional).Mul(e.cfg.FeePctPerSide)
	slippage := entryNotional.Add(exitNotional).Mul(e.cfg.SlipPctPerSide)

	sign := decimal.NewFromInt(t.Sign())
	pnl := exitPrice.Sub(t.EntryPrice).Mul(t.Quantity).Mul(sign).Sub(fees).Sub(slippage)
	pnlPct := decimal.Zero
	if !entryNotional.IsZero() {
		pnlPct = pnl.Div(entryNotional)
	}

	exitTime := time.Now()
	if err := e.ledger.CloseTradeAndLabel(ctx, t.TradeID, types.TradeStatusClosed, exitPrice, pnl, pnlPct, fees, slippage, exitTime); err != nil {
		e.logger.Error("failed to persist close", zap.String("tradeId", t.TradeID), zap.Error(err))
		return
	}

	e.mu.Lock()
	feats := e.features[t.TradeID]
	notional, hadNotional := e.notionals[t.TradeID]
	delete(e.stops, t.TradeID)
	delete(e.features, t.TradeID)
	delete(e.notionals, t.TradeID)
	e.metrics.Closed++
	e.mu.Unlock()
	if !hadNotional {
		notional = entryNotional
	}

	e.riskMgr.RecordClose(t.Pair, notional, pnl)
	e.registry.RecordTradeResult(t.Strategy, pnl)
	if e.guardrail != nil {
		e.guardrail.RecordResult(t.Strategy, pnl)
	}
	if e.mlGate != nil && len(feats) > 0 {
		go e.mlGate.RecordOutcome(feats, pnl)
	}
	if err := e.ledger.UpsertDailySummary(ctx, exitTime, pnl.IsPositive(), pnlFloat(pnl)); err != nil {
		e.logger.Warn("failed to update daily summary", zap.Error(err))
	}

	closed := *t
	closed.Status = types.TradeStatusClosed
	closed.ExitPrice = exitPrice
	closed.PnL = pnl
	closed.PnLPct = pnlPct
	closed.Fees = fees
	closed.Slippage = slippage
	closed.ExitTime = &exitTime
	e.mirrorTradeEvent("closed", closed)

	e.logger.Info("position closed",
		zap.String("tradeId", t.TradeID),
		zap.String("pair", t.Pair),
		zap.String("reason", reason),
		zap.String("exit", exitPrice.String()),
		zap.String("pnl", pnl.String()))
}

// CloseAll force-closes every open trade, used by the kill command and the
// emergency-close-on-auto-pause path.
func (e *Executor) CloseAll(ctx context.Context, reason string) error {
	open, err := e.ledger.OpenTrades(ctx, "")
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}
	for i := range open {
		t := &open[i]
		price, ok := e.prices.LastPrice(t.Pair)
		if !ok || price.IsZero() {
			price = t.EntryPrice
		}
		e.close(ctx, t, price, "close_all:"+reason, true)
	}
	return nil
}

// GetMetrics snapshots execution counters for the dashboard.
func (e *Executor) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

func (e *Executor) countReject() {
	e.mu.Lock()
	e.metrics.Rejected++
	e.mu.Unlock()
}

func (e *Executor) mirrorTradeEvent(event string, t types.LedgerTrade) {
	if e.mirror == nil {
		return
	}
	e.mirror.Write("trades", map[string]any{
		"event":    event,
		"tradeId":  t.TradeID,
		"pair":     t.Pair,
		"side":     string(t.Side),
		"status":   string(t.Status),
		"entry":    t.EntryPrice.String(),
		"exit":     t.ExitPrice.String(),
		"quantity": t.Quantity.String(),
		"pnl":      t.PnL.String(),
		"strategy": t.Strategy,
	})
}

func oppositeSide(side types.OrderSide) types.OrderSide {
	if side == types.OrderSideBuy {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

func pnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
