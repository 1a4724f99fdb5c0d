package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/marketdata"
	"github.com/fenwick-trading/confluence-engine/internal/mlgate"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/internal/store"
	"github.com/fenwick-trading/confluence-engine/internal/venue"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// Executor is the surface the engine needs from internal/execution, kept as
// an interface so engine never imports execution's venue/order-book
// internals directly (SPEC_FULL §9's "cyclic references ... replaced by
// back-pointer handles injected at construction").
type Executor interface {
	Open(ctx context.Context, pair string, side types.OrderSide, sizeUSD, stopLoss, takeProfit decimal.Decimal, strategy string, confidence decimal.Decimal, features mlgate.Features) error
	ManageOpenPositions(ctx context.Context) error
	CloseAll(ctx context.Context, reason string) error
}

// Config bundles the scheduler's timing knobs, sourced from types.TradingConfig/MonitoringConfig.
type Config struct {
	Pairs                           []string
	Timeframes                      []types.Timeframe
	ScanInterval                    time.Duration
	PositionLoopEvery               time.Duration
	CandlePollEvery                 time.Duration
	HealthCheckInterval             time.Duration
	CleanupInterval                 time.Duration
	Retention                       time.Duration
	StaleTickThreshold              int // consecutive stale health ticks before auto-pause
	WSDisconnectPauseAfter          time.Duration
	ConsecutiveLossesPauseThreshold int
	DrawdownPausePct                decimal.Decimal
	EmergencyCloseOnPause           bool

	MinConfluenceVotes int
	QuietHoursUTC      []int

	// Solo mode: a lone strategy vote may still execute when its name has a
	// per-strategy confidence threshold here, or when AllowAnySolo is set
	// and the confidence clears SoloMinConfidence.
	SoloStrategies    map[string]decimal.Decimal
	AllowAnySolo      bool
	SoloMinConfidence decimal.Decimal

	ExecConfidenceFloor decimal.Decimal
	MinRiskRewardRatio  decimal.Decimal
	MaxSpreadPct        decimal.Decimal
	BookMaxAge          time.Duration
	MLGateEnabled       bool
}

// Engine is the single cooperative scheduler described in SPEC_FULL §4.5/§5.
// It owns no business logic of its own beyond the pre-trade gating pipeline
// and circuit breakers: scanning/confluence, sizing/risk and order
// placement are delegated to the injected collaborators.
type Engine struct {
	logger *zap.Logger
	cfg    Config

	cache    *marketdata.Cache
	detector *confluence.Detector
	mlGate   *mlgate.Gate
	riskMgr  *risk.Manager
	executor Executor
	adapter  venue.Adapter
	ledger   *store.Store

	queue *marketdata.ScanQueue

	mu     sync.Mutex
	paused bool

	staleTicks       int
	wsDisconnectedAt time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs an Engine. mlGate may be nil if ai.ml_gate_enabled=false.
func New(logger *zap.Logger, cfg Config, cache *marketdata.Cache, detector *confluence.Detector, mlGate *mlgate.Gate, riskMgr *risk.Manager, executor Executor, adapter venue.Adapter, ledger *store.Store) *Engine {
	return &Engine{
		logger:   logger.Named("engine"),
		cfg:      cfg,
		cache:    cache,
		detector: detector,
		mlGate:   mlGate,
		riskMgr:  riskMgr,
		executor: executor,
		adapter:  adapter,
		ledger:   ledger,
	}
}

// Start launches every supervised loop and blocks until ctx is cancelled,
// then waits up to 15s for loops to settle before returning, per SPEC_FULL §5.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	scanQueue := marketdata.NewScanQueue(e.cfg.Pairs, e.cfg.ScanInterval)
	e.queue = scanQueue
	if err := e.warmup(runCtx, scanQueue); err != nil {
		return fmt.Errorf("engine warmup: %w", err)
	}
	var lastRound time.Duration

	tasks := []supervisedTask{
		{name: "scan", critical: true, run: func(ctx context.Context) error {
			go scanQueue.Run(ctx, func() time.Duration { return lastRound })
			return e.scanLoop(ctx, scanQueue, &lastRound)
		}},
		{name: "position_management", critical: true, run: e.positionLoop},
		{name: "ws_ingestion", critical: true, run: e.wsIngestionLoop},
		{name: "rest_candle_poll", critical: true, run: e.restPollLoop},
		{name: "health_monitor", critical: true, run: e.healthLoop},
		{name: "cleanup", critical: false, run: e.cleanupLoop},
	}

	for _, task := range tasks {
		task := task
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.supervise(runCtx, task, e.onCriticalTaskFailure)
		}()
	}

	<-runCtx.Done()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		e.logger.Warn("engine shutdown timed out waiting for loops to settle")
	}
	return nil
}

// Stop cancels all supervised loops.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
}

func (e *Engine) warmup(ctx context.Context, q *marketdata.ScanQueue) error {
	for _, pair := range e.cfg.Pairs {
		for _, tf := range e.cfg.Timeframes {
			bars, err := e.adapter.FetchCandles(ctx, pair, tf, 200)
			if err != nil {
				e.logger.Warn("warmup fetch failed", zap.String("pair", pair), zap.String("tf", string(tf)), zap.Error(err))
				continue
			}
			e.cache.Warmup(pair, tf, bars)
		}
	}
	// A new closed bar is a scan trigger; in-place updates to the forming
	// candle are not.
	e.adapter.OnBar(func(bar types.Bar) {
		if e.cache.UpdateBar(bar) {
			q.Enqueue(bar.Pair)
		}
	})
	e.adapter.OnBook(e.cache.UpdateOrderBook)
	return nil
}

// onCriticalTaskFailure implements SPEC_FULL §4.5's "for tasks marked
// CRITICAL ... if failures >= 3, pause trading via the auto-pause path."
func (e *Engine) onCriticalTaskFailure(taskName string) {
	e.autoPause(context.Background(), "task_failures", taskName+" failed repeatedly")
}

func (e *Engine) recordThought(ctx context.Context, reasonCode, detail string) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.RecordThought(ctx, reasonCode, detail); err != nil {
		e.logger.Warn("failed to record thought", zap.Error(err))
	}
}

// IsPaused reports the engine's current pause state.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Pause is the operator-initiated equivalent of autoPause, without a
// specific circuit-breaker reason code.
func (e *Engine) Pause(ctx context.Context, reason string) {
	e.autoPause(ctx, "operator_pause", reason)
}

// Resume clears the pause flag; only the operator (via the control router)
// may call this.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.staleTicks = 0
	e.mu.Unlock()
	e.riskMgr.Resume()
	e.recordThought(ctx, "resume", "operator resumed trading")
}

// autoPause idempotently transitions the engine to paused, logging a
// thought row and optionally closing all positions, per SPEC_FULL §4.5/§7.
func (e *Engine) autoPause(ctx context.Context, reasonCode, detail string) {
	e.mu.Lock()
	alreadyPaused := e.paused
	e.paused = true
	e.mu.Unlock()

	e.riskMgr.Pause()
	if alreadyPaused {
		return
	}

	e.logger.Warn("AUTO-PAUSE", zap.String("reason", reasonCode), zap.String("detail", detail))
	e.recordThought(ctx, "auto_pause:"+reasonCode, detail)

	if e.cfg.EmergencyCloseOnPause && e.executor != nil {
		if err := e.executor.CloseAll(ctx, reasonCode); err != nil {
			e.logger.Error("emergency close_all failed", zap.Error(err))
		}
	}
}
