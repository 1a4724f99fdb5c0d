package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/mlgate"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// brokerReconcileIntervalLoops is how many position-loop ticks pass between
// full pending-open reconciliation sweeps in live mode.
const brokerReconcileIntervalLoops = 5

// pendingGiveUpAfter is how long a submitted order may stay unresolved with
// no broker position before the entry is abandoned.
const pendingGiveUpAfter = 15 * time.Minute

// pendingOpen remembers a live order that was submitted but has no local
// open row yet: the crash-window between submit and record that SPEC_FULL
// §4.7 requires recovering from via broker truth.
type pendingOpen struct {
	tradeID     string
	orderID     string
	side        types.OrderSide
	qty         decimal.Decimal
	planned     decimal.Decimal
	stopLoss    decimal.Decimal
	takeProfit  decimal.Decimal
	strategy    string
	confidence  decimal.Decimal
	features    mlgate.Features
	sizeUSD     decimal.Decimal
	submittedAt time.Time
}

func (e *Executor) parkPending(symbol, tradeID string, order types.Order, side types.OrderSide, qty, planned, stopLoss, takeProfit decimal.Decimal, strategyName string, confidence decimal.Decimal, features mlgate.Features, sizeUSD decimal.Decimal) {
	e.mu.Lock()
	e.pending[symbol] = pendingOpen{
		tradeID:     tradeID,
		orderID:     order.ID,
		side:        side,
		qty:         qty,
		planned:     planned,
		stopLoss:    stopLoss,
		takeProfit:  takeProfit,
		strategy:    strategyName,
		confidence:  confidence,
		features:    features,
		sizeUSD:     sizeUSD,
		submittedAt: time.Now(),
	}
	e.mu.Unlock()
	e.logger.Info("order submitted, awaiting fill",
		zap.String("symbol", symbol), zap.String("orderId", order.ID), zap.String("tradeId", tradeID))
}

// reconcilePending resolves every parked order: already-recorded entries
// are dropped, broker positions are materialized into local rows, filled
// orders are persisted, terminal rejections are discarded, and entries that
// have gone unresolved past the deadline with no broker position are
// abandoned.
func (e *Executor) reconcilePending(ctx context.Context) {
	e.mu.Lock()
	snapshot := make(map[string]pendingOpen, len(e.pending))
	for k, v := range e.pending {
		snapshot[k] = v
	}
	e.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	brokerPositions := e.brokerPositionsBySymbol(ctx)

	for symbol, p := range snapshot {
		if open, err := e.ledger.OpenTrades(ctx, symbol); err == nil && len(open) > 0 {
			e.dropPending(symbol)
			continue
		}

		if pos, ok := brokerPositions[symbol]; ok && pos.Side == types.PositionSideLong {
			e.materializeFromBroker(ctx, symbol, p, pos)
			e.dropPending(symbol)
			continue
		}

		order, err := e.adapter.GetOrder(ctx, symbol, p.orderID)
		if err != nil {
			e.logger.Warn("pending order lookup failed", zap.String("symbol", symbol), zap.Error(err))
			if time.Since(p.submittedAt) > pendingGiveUpAfter {
				e.logger.Error("abandoning unresolved pending order", zap.String("symbol", symbol), zap.String("orderId", p.orderID))
				e.dropPending(symbol)
			}
			continue
		}

		switch order.Status {
		case types.OrderStatusFilled:
			fill := order.AvgFillPrice
			if fill.IsZero() {
				fill = p.planned
			}
			drift := fill.Sub(p.planned)
			if err := e.recordOpen(ctx, types.LedgerTrade{
				TradeID:    p.tradeID,
				TenantID:   e.cfg.TenantID,
				Pair:       symbol,
				Side:       p.side,
				Status:     types.TradeStatusOpen,
				Strategy:   p.strategy,
				Confidence: p.confidence,
				EntryPrice: fill,
				Quantity:   order.FilledQty,
				StopLoss:   p.stopLoss.Add(drift),
				TakeProfit: p.takeProfit.Add(drift),
				EntryTime:  p.submittedAt,
			}, p.sizeUSD, p.features); err != nil {
				e.logger.Error("failed to record reconciled fill", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			e.countReconcileFix()
			e.dropPending(symbol)

		case types.OrderStatusRejected, types.OrderStatusCancelled, types.OrderStatusExpired:
			e.logger.Warn("pending order terminally rejected",
				zap.String("symbol", symbol), zap.String("status", string(order.Status)))
			e.countReject()
			e.dropPending(symbol)

		default:
			if time.Since(p.submittedAt) > pendingGiveUpAfter {
				e.logger.Error("abandoning stuck pending order",
					zap.String("symbol", symbol), zap.String("orderId", p.orderID))
				e.dropPending(symbol)
			}
		}
	}
}

// ReconcileStartup runs once at engine start: any broker long position with
// no local open row is materialized from broker truth, and quantity
// mismatches between local rows and broker state are logged.
func (e *Executor) ReconcileStartup(ctx context.Context) error {
	if !e.cfg.Live {
		return nil
	}
	positions := e.brokerPositionsBySymbol(ctx)
	for symbol, pos := range positions {
		if pos.Side != types.PositionSideLong {
			continue
		}
		open, err := e.ledger.OpenTrades(ctx, symbol)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			e.materializeFromBroker(ctx, symbol, pendingOpen{}, pos)
			continue
		}
		local := decimal.Zero
		for _, t := range open {
			local = local.Add(t.Quantity)
		}
		if !local.Equal(pos.Quantity) {
			e.logger.Warn("broker/local quantity mismatch",
				zap.String("symbol", symbol),
				zap.String("local", local.String()),
				zap.String("broker", pos.Quantity.String()))
		}
	}
	return nil
}

// materializeFromBroker creates a local open row from the broker's view of
// a position: the crash-recovery path for the submit-then-crash window.
func (e *Executor) materializeFromBroker(ctx context.Context, symbol string, p pendingOpen, pos types.Position) {
	tradeID := p.tradeID
	if tradeID == "" {
		tradeID = "recovered-" + symbol + "-" + time.Now().UTC().Format("20060102T150405")
	}
	strategyName := p.strategy
	if strategyName == "" {
		strategyName = "reconciled"
	}
	stopLoss := p.stopLoss
	if stopLoss.IsZero() && !pos.EntryPrice.IsZero() {
		// No planned stop survived the crash: derive a conservative one.
		stopLoss = pos.EntryPrice.Mul(decimal.NewFromFloat(0.98))
	}
	sizeUSD := p.sizeUSD
	if sizeUSD.IsZero() {
		sizeUSD = pos.EntryPrice.Mul(pos.Quantity)
	}

	t := types.LedgerTrade{
		TradeID:    tradeID,
		TenantID:   e.cfg.TenantID,
		Pair:       symbol,
		Side:       types.OrderSideBuy,
		Status:     types.TradeStatusOpen,
		Strategy:   strategyName,
		Confidence: p.confidence,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   stopLoss,
		TakeProfit: p.takeProfit,
		EntryTime:  time.Now(),
	}
	if err := e.recordOpen(ctx, t, sizeUSD, p.features); err != nil {
		e.logger.Error("failed to materialize broker position", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	e.countReconcileFix()
	e.logger.Warn("materialized open trade from broker truth",
		zap.String("symbol", symbol),
		zap.String("qty", pos.Quantity.String()),
		zap.String("entry", pos.EntryPrice.String()))
}

func (e *Executor) brokerPositionsBySymbol(ctx context.Context) map[string]types.Position {
	out := make(map[string]types.Position)
	positions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		e.logger.Warn("broker position fetch failed", zap.Error(err))
		return out
	}
	for _, pos := range positions {
		out[pos.Symbol] = pos
	}
	return out
}

func (e *Executor) dropPending(symbol string) {
	e.mu.Lock()
	delete(e.pending, symbol)
	e.mu.Unlock()
}

func (e *Executor) countReconcileFix() {
	e.mu.Lock()
	e.metrics.ReconcileFixes++
	e.mu.Unlock()
}
