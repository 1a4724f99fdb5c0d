package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testEngineForSupervision() *Engine {
	return &Engine{logger: zap.NewNop()}
}

func TestSuperviseRestartsFailingTask(t *testing.T) {
	e := testEngineForSupervision()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int32
	task := supervisedTask{
		name:     "flaky",
		critical: false,
		run: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) >= 3 {
				cancel()
				return nil
			}
			return errors.New("boom")
		},
	}

	done := make(chan struct{})
	go func() {
		e.supervise(ctx, task, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("supervisor did not settle")
	}
	if atomic.LoadInt32(&runs) < 3 {
		t.Fatalf("expected at least 3 runs, got %d", runs)
	}
}

func TestSuperviseRecoversPanics(t *testing.T) {
	e := testEngineForSupervision()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int32
	task := supervisedTask{
		name: "panicky",
		run: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) >= 2 {
				cancel()
				return nil
			}
			panic("kaboom")
		},
	}

	done := make(chan struct{})
	go func() {
		e.supervise(ctx, task, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("supervisor did not recover the panic")
	}
}

func TestSuperviseFlagsCriticalFailures(t *testing.T) {
	e := testEngineForSupervision()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var flagged atomic.Bool
	var runs int32
	task := supervisedTask{
		name:     "critical",
		critical: true,
		run: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) > criticalTaskFailureThreshold {
				cancel()
				return nil
			}
			return errors.New("down")
		},
	}

	done := make(chan struct{})
	go func() {
		e.supervise(ctx, task, func(name string) { flagged.Store(true) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatalf("supervisor did not settle")
	}
	if !flagged.Load() {
		t.Fatalf("expected onCriticalFailure to fire after %d failures", criticalTaskFailureThreshold)
	}
}
