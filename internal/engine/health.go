package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// healthLoop evaluates the circuit breakers from SPEC_FULL §4.5 on each
// tick. Each breaker transitions the engine to paused idempotently; resume
// is operator-initiated only.
func (e *Engine) healthLoop(ctx context.Context) error {
	interval := e.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.healthTick(ctx)
		}
	}
}

func (e *Engine) healthTick(ctx context.Context) {
	e.checkStaleData(ctx)
	e.checkWSConnection(ctx)
	e.checkLossAndDrawdown(ctx)
}

// checkStaleData pauses after StaleTickThreshold consecutive ticks in which
// at least one pair's base-timeframe data has gone stale.
func (e *Engine) checkStaleData(ctx context.Context) {
	if len(e.cfg.Timeframes) == 0 {
		return
	}
	baseTF := e.cfg.Timeframes[0]
	stalePair := ""
	for _, pair := range e.cfg.Pairs {
		if e.cache.IsStale(pair, baseTF) {
			stalePair = pair
			break
		}
	}

	e.mu.Lock()
	if stalePair == "" {
		e.staleTicks = 0
		e.mu.Unlock()
		return
	}
	e.staleTicks++
	ticks := e.staleTicks
	e.mu.Unlock()

	threshold := e.cfg.StaleTickThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if ticks >= threshold {
		e.autoPause(ctx, "stale_data", "no fresh bars for "+stalePair)
	} else {
		e.logger.Warn("stale market data", zap.String("pair", stalePair), zap.Int("consecutiveTicks", ticks))
	}
}

// checkWSConnection pauses once the venue's streaming connection has been
// down for longer than the configured window.
func (e *Engine) checkWSConnection(ctx context.Context) {
	if e.cfg.WSDisconnectPauseAfter <= 0 {
		return
	}
	if e.adapter.Connected() {
		e.mu.Lock()
		e.wsDisconnectedAt = time.Time{}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if e.wsDisconnectedAt.IsZero() {
		e.wsDisconnectedAt = time.Now()
	}
	downFor := time.Since(e.wsDisconnectedAt)
	e.mu.Unlock()

	if downFor >= e.cfg.WSDisconnectPauseAfter {
		e.autoPause(ctx, "ws_disconnected", "stream down for "+downFor.Truncate(time.Second).String())
	}
}

// checkLossAndDrawdown reads the risk manager's report and fires the
// consecutive-loss and drawdown breakers.
func (e *Engine) checkLossAndDrawdown(ctx context.Context) {
	report := e.riskMgr.GetReport()

	if t := e.cfg.ConsecutiveLossesPauseThreshold; t > 0 && report.ConsecutiveLosses >= t {
		e.autoPause(ctx, "consecutive_losses", "loss streak reached breaker threshold")
		return
	}

	if e.cfg.DrawdownPausePct.IsPositive() && report.CurrentDrawdownPct.GreaterThanOrEqual(e.cfg.DrawdownPausePct) {
		e.autoPause(ctx, "drawdown_limit", "drawdown "+report.CurrentDrawdownPct.StringFixed(4)+" from peak")
	}
}
