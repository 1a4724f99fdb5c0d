package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// RecordWebhookEvent inserts a signal_webhook_events row for event_id if
// and only if it does not already exist, returning duplicate=true when a
// prior delivery with the same event_id was already recorded. This is the
// sole idempotency gate for SPEC_FULL §6's external signal webhook and §8's
// "second submission with identical event_id returns duplicate=true and has
// no side effects" invariant -- callers must check duplicate before acting.
func (s *Store) RecordWebhookEvent(ctx context.Context, eventID, source, pair, side string) (duplicate bool, err error) {
	err = s.withWriteLock(ctx, func() error {
		var existing string
		lookupErr := s.db.QueryRowContext(ctx, `SELECT event_id FROM signal_webhook_events WHERE event_id = ?`, eventID).Scan(&existing)
		if lookupErr == nil {
			duplicate = true
			return nil
		}
		if !errors.Is(lookupErr, sql.ErrNoRows) {
			return lookupErr
		}
		_, insertErr := s.db.ExecContext(ctx, `
			INSERT INTO signal_webhook_events (event_id, source, pair, side, received_at)
			VALUES (?,?,?,?,?)`, eventID, source, pair, side, time.Now())
		return insertErr
	})
	return duplicate, err
}

// RecentWebhookEvents lists the latest recorded signal deliveries for the
// audit endpoint, newest first.
func (s *Store) RecentWebhookEvents(ctx context.Context, limit int) ([]types.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source, pair, side, received_at
		FROM signal_webhook_events ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WebhookEvent
	for rows.Next() {
		var ev types.WebhookEvent
		var side string
		if err := rows.Scan(&ev.EventID, &ev.Source, &ev.Pair, &side, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Side = types.OrderSide(side)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordStripeWebhookEvent is the billing-surface analogue of
// RecordWebhookEvent, kept as a separate table per SPEC_FULL §4.8's table
// list (stripe_webhook_events is a degraded-subsystem concern, billing).
func (s *Store) RecordStripeWebhookEvent(ctx context.Context, eventID string, resultCode int) (duplicate bool, err error) {
	err = s.withWriteLock(ctx, func() error {
		var existing string
		lookupErr := s.db.QueryRowContext(ctx, `SELECT event_id FROM stripe_webhook_events WHERE event_id = ?`, eventID).Scan(&existing)
		if lookupErr == nil {
			duplicate = true
			return nil
		}
		if !errors.Is(lookupErr, sql.ErrNoRows) {
			return lookupErr
		}
		_, insertErr := s.db.ExecContext(ctx, `
			INSERT INTO stripe_webhook_events (event_id, received_at, result_code)
			VALUES (?,?,?)`, eventID, time.Now(), resultCode)
		return insertErr
	})
	return duplicate, err
}
