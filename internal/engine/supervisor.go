// Package engine is the scheduler described in SPEC_FULL §4.5: it owns the
// scan, position-management, WS ingestion, REST poll, health-monitor and
// cleanup loops and supervises each with restart-on-failure. Grounded on
// internal/orchestrator/orchestrator.go's Start/Stop task-loop-plus-config
// shape and internal/workers/pool.go's panic-safe task execution; the
// orchestrator's HMM regime detector, Monte Carlo validator and
// walk-forward optimizer are not part of the hot path here (confluence
// owns regime classification) and are not part of this module.
package engine

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/errtax"
)

// supervisorBaseDelay/CapDelay/ResetAfter implement SPEC_FULL §4.5's restart
// supervisor: "sleep an exponentially backed-off delay with jitter (base 2s,
// cap 30s, reset counter if task survived >= 600s)".
const (
	supervisorBaseDelay  = 2 * time.Second
	supervisorCapDelay   = 30 * time.Second
	supervisorResetAfter = 600 * time.Second
)

// criticalTaskFailureThreshold is SPEC_FULL §4.5's "if failures >= 3, pause
// trading" rule for tasks marked CRITICAL.
const criticalTaskFailureThreshold = 3

// supervisedTask is one long-lived loop the engine runs under restart
// supervision.
type supervisedTask struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

// supervise runs task.run in a loop, restarting on error (including panics,
// recovered here in the idiom of workers.Pool) with exponential backoff and
// jitter, until ctx is cancelled. onCriticalFailure is invoked on each
// failure of a critical task whose consecutive-failure count is at or past
// the threshold; a run that survived supervisorResetAfter starts the count
// afresh.
func (e *Engine) supervise(ctx context.Context, task supervisedTask, onCriticalFailure func(taskName string)) {
	failures := 0
	delay := supervisorBaseDelay

	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := e.runTaskSafely(ctx, task)
		ran := time.Since(started)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Loops normally run until ctx cancellation; a nil return means
			// the loop exited voluntarily (e.g. pair list became empty).
			return
		}

		if ran >= supervisorResetAfter {
			failures = 0
			delay = supervisorBaseDelay
		}
		failures++
		e.logger.Error("supervised task failed",
			zap.String("task", task.name),
			zap.Int("failures", failures),
			zap.String("severity", string(errtax.SeverityOf(err))),
			zap.Error(err))
		e.recordThought(ctx, "task_failure", task.name+": "+err.Error())

		if task.critical && failures >= criticalTaskFailureThreshold && onCriticalFailure != nil {
			onCriticalFailure(task.name)
		}

		sleepFor := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > supervisorCapDelay {
			delay = supervisorCapDelay
		}
	}
}

// runTaskSafely recovers a panicking task into an error, mirroring
// internal/workers/pool.go's panic-safe execution wrapper.
func (e *Engine) runTaskSafely(ctx context.Context, task supervisedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("supervised task panicked", zap.String("task", task.name), zap.Any("panic", r))
			err = &taskPanicError{task: task.name, value: r}
		}
	}()
	return task.run(ctx)
}

type taskPanicError struct {
	task  string
	value any
}

func (e *taskPanicError) Error() string {
	return "task " + e.task + " panicked: " + formatPanic(e.value)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "recovered panic"
}
