// Package errtax classifies errors by how the engine should react to them,
// rather than by where they originated. The store's Open and the venue
// adapters wrap their errors with Classify so callers higher up the stack
// can decide retry/backoff/halt behavior without type-switching on package
// internals; errors that were never classified count as Permanent.
package errtax

import (
	"errors"
	"fmt"
)

// Severity is the reaction tier an error belongs to.
type Severity string

const (
	// Transient errors are expected to clear on their own: network hiccups,
	// rate limit responses, temporary venue 5xx. Retry with backoff.
	Transient Severity = "transient"
	// Permanent errors will not succeed on retry: bad request, invalid
	// symbol, auth failure. Surface and drop the operation.
	Permanent Severity = "permanent"
	// LocalData errors indicate the in-memory cache or local store is
	// inconsistent (stale bar, missing warm-up). Recoverable by
	// re-fetching, not by retrying the same call.
	LocalData Severity = "local_data"
	// CriticalSubsystem errors mean a component the whole engine depends on
	// (the ledger, the venue connection) is down. Halt the affected loop
	// and alert.
	CriticalSubsystem Severity = "critical_subsystem"
	// DegradedSubsystem errors mean a non-essential component (ML gate,
	// analytics mirror) failed; continue without it.
	DegradedSubsystem Severity = "degraded_subsystem"
)

// Classified wraps an error with its severity and originating component.
type Classified struct {
	Severity  Severity
	Component string
	Err       error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("[%s:%s] %v", c.Component, c.Severity, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with a severity and component name. Returns nil if err
// is nil, so it is safe to use as `return errtax.Classify(...)` at a
// function's tail.
func Classify(component string, sev Severity, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Severity: sev, Component: component, Err: err}
}

// SeverityOf extracts the severity from err, walking the unwrap chain.
// Unclassified errors default to Permanent, since treating an unknown
// error as safely retryable is the wrong default for a live trading loop.
func SeverityOf(err error) Severity {
	var c *Classified
	if errors.As(err, &c) {
		return c.Severity
	}
	return Permanent
}

// IsRetryable reports whether the engine should retry the operation that
// produced err.
func IsRetryable(err error) bool {
	switch SeverityOf(err) {
	case Transient:
		return true
	default:
		return false
	}
}

// ShouldHalt reports whether the owning loop/task should stop running
// rather than continue after logging err.
func ShouldHalt(err error) bool {
	return SeverityOf(err) == CriticalSubsystem
}
