package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/marketdata"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// scanLoop drains the scan queue, runs confluence for each popped pair, and
// passes actionable signals through the gating pipeline.
func (e *Engine) scanLoop(ctx context.Context, q *marketdata.ScanQueue, lastRound *time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-q.Events():
			if !ok {
				return nil
			}
			if e.IsPaused() {
				q.Done(ev.Pair)
				continue
			}
			started := time.Now()
			e.evaluatePair(ctx, ev.Pair)
			q.Done(ev.Pair)
			*lastRound = time.Since(started)
		}
	}
}

// evaluatePair runs the confluence detector for one pair and, if it
// produces an actionable signal, runs it through the pre-trade gate.
func (e *Engine) evaluatePair(ctx context.Context, pair string) {
	sig := e.detector.Evaluate(ctx, pair)
	if sig == nil {
		return
	}
	if e.ledger != nil {
		if err := e.ledger.SaveSignal(ctx, *sig); err != nil {
			e.logger.Warn("failed to persist signal", zap.Error(err))
		}
	}
	decision := e.gate(ctx, *sig)
	if !decision.allowed {
		e.logger.Debug("signal rejected by gate", zap.String("pair", pair), zap.String("reason", decision.reason))
		return
	}
	if err := e.executor.Open(ctx, sig.Pair, sig.Side, decision.sizeUSD, sig.StopLoss, sig.TakeProfit, decision.strategy, decision.confidence, decision.features); err != nil {
		e.logger.Error("executor open failed", zap.String("pair", pair), zap.Error(err))
	}
}

// InjectSignal runs an externally sourced signal (the control surface's
// verified webhook) through the same gating pipeline scanner signals take.
// It returns whether the signal executed and, if not, why.
func (e *Engine) InjectSignal(ctx context.Context, sig types.ConfluenceSignal) (bool, string) {
	if e.IsPaused() {
		return false, "trading_paused"
	}
	if e.ledger != nil {
		if err := e.ledger.SaveSignal(ctx, sig); err != nil {
			e.logger.Warn("failed to persist injected signal", zap.Error(err))
		}
	}
	decision := e.gate(ctx, sig)
	if !decision.allowed {
		return false, decision.reason
	}
	if err := e.executor.Open(ctx, sig.Pair, sig.Side, decision.sizeUSD, sig.StopLoss, sig.TakeProfit, decision.strategy, decision.confidence, decision.features); err != nil {
		return false, err.Error()
	}
	return true, "executed"
}

// positionLoop runs every PositionLoopEvery (fixed 2s per SPEC_FULL §4.5),
// iterating open trades to update trailing stops and evaluate SL/TP exits.
func (e *Engine) positionLoop(ctx context.Context) error {
	interval := e.cfg.PositionLoopEvery
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.executor.ManageOpenPositions(ctx); err != nil {
				e.logger.Error("manage open positions failed", zap.Error(err))
			}
		}
	}
}

// wsIngestionLoop establishes the venue's streaming subscriptions, then
// parks until shutdown; per-stream reconnection is the Adapter's own
// responsibility, this loop only exists so a failed initial Connect is
// retried under supervision.
func (e *Engine) wsIngestionLoop(ctx context.Context) error {
	if err := e.adapter.Connect(ctx, e.cfg.Pairs, e.cfg.Timeframes); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// restPollLoop is the fallback candle source for venues without a push
// feed; it runs whenever CandlePollEvery is positive (and returns at once
// otherwise), feeding the newest bars into the cache so gaps the stream
// missed are backfilled.
func (e *Engine) restPollLoop(ctx context.Context) error {
	if e.cfg.CandlePollEvery <= 0 {
		return nil
	}
	ticker := time.NewTicker(e.cfg.CandlePollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, pair := range e.cfg.Pairs {
				for _, tf := range e.cfg.Timeframes {
					bars, err := e.adapter.FetchCandles(ctx, pair, tf, 5)
					if err != nil {
						e.logger.Warn("rest candle poll failed", zap.String("pair", pair), zap.Error(err))
						continue
					}
					fresh := false
					for _, bar := range bars {
						if e.cache.UpdateBar(bar) {
							fresh = true
						}
					}
					if fresh && e.queue != nil {
						e.queue.Enqueue(pair)
					}
				}
			}
		}
	}
}

// cleanupLoop purges metrics/snapshots/signals past retention hourly, per
// SPEC_FULL §4.5. The retention SQL lives in internal/store; this loop only
// drives the cadence.
func (e *Engine) cleanupLoop(ctx context.Context) error {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.ledger == nil || e.cfg.Retention <= 0 {
				continue
			}
			purged, err := e.ledger.PurgeOlderThan(ctx, e.cfg.Retention)
			if err != nil {
				e.logger.Warn("retention cleanup failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				e.logger.Info("retention cleanup done", zap.Int64("rowsPurged", purged))
			}
		}
	}
}
