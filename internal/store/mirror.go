package store

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// mirrorDoc is one unit the analytics mirror accepts. Every doc is stamped
// canonical_source="sqlite" so nothing downstream mistakes the mirror for a
// source of truth, per SPEC_FULL §4.8/§8.
type mirrorDoc struct {
	DocType         string         `json:"docType"`
	CanonicalSource string         `json:"canonical_source"`
	AnalyticsMirror bool           `json:"analytics_mirror"`
	Payload         map[string]any `json:"payload"`
	StampedAt       time.Time      `json:"stampedAt"`
}

// ledgerDocTypes are write-only to the mirror: SPEC_FULL §4.8 says these
// "refuse to be read back -- the canonical source is SQL."
var ledgerDocTypes = map[string]bool{
	"trades": true, "positions": true, "backtest_runs": true,
}

// AnalyticsMirror is a bounded, best-effort async sink for ledger events.
// It drops the oldest queued doc on overflow rather than blocking or
// erroring the caller, since SPEC_FULL §7 classifies it as a degraded
// subsystem (skip, keep trading).
type AnalyticsMirror struct {
	logger *zap.Logger
	queue  chan mirrorDoc

	mu      sync.Mutex
	dropped int64
	stored  []mirrorDoc // in-memory sink; a real deployment points this at an external analytics store
}

// NewAnalyticsMirror starts a mirror with the given bounded buffer size.
func NewAnalyticsMirror(capacity int, logger *zap.Logger) *AnalyticsMirror {
	m := &AnalyticsMirror{
		logger: logger.Named("analytics_mirror"),
		queue:  make(chan mirrorDoc, capacity),
	}
	go m.run()
	return m
}

func (m *AnalyticsMirror) run() {
	for doc := range m.queue {
		m.mu.Lock()
		m.stored = append(m.stored, doc)
		m.mu.Unlock()
	}
}

// Write enqueues a doc, dropping the oldest queued (not yet drained) doc on
// overflow rather than blocking the caller.
func (m *AnalyticsMirror) Write(docType string, payload map[string]any) {
	doc := mirrorDoc{
		DocType:         docType,
		CanonicalSource: "sqlite",
		AnalyticsMirror: true,
		Payload:         payload,
		StampedAt:       time.Now(),
	}
	select {
	case m.queue <- doc:
	default:
		select {
		case <-m.queue:
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
		default:
		}
		select {
		case m.queue <- doc:
		default:
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
		}
	}
}

// DroppedDocs reports the running count of dropped-on-overflow docs.
func (m *AnalyticsMirror) DroppedDocs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Read is intentionally absent for ledger doc types: SPEC_FULL §8 requires
// "analytics mirror never stores a row identified as canonical" and that
// ledger doc types "refuse to be read back." ReadNonLedger supports the
// remaining, non-ledger analytics uses (e.g. signal telemetry).
func (m *AnalyticsMirror) ReadNonLedger(docType string) []map[string]any {
	if ledgerDocTypes[docType] {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, d := range m.stored {
		if d.DocType == docType {
			out = append(out, d.Payload)
		}
	}
	return out
}

// Close stops accepting new docs. Queued docs already buffered finish
// draining.
func (m *AnalyticsMirror) Close() {
	close(m.queue)
}
