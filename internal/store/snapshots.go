package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// SaveOrderBookSnapshot persists a depth snapshot for audit/replay.
func (s *Store) SaveOrderBookSnapshot(ctx context.Context, snap types.OrderBookSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO order_book_snapshots (tenant_id, pair, payload, updated_at)
			VALUES (?,?,?,?)`, "default", snap.Pair, string(payload), snap.UpdatedAt)
		return err
	})
}

// SaveSignal persists a confluence signal for audit/replay and for the
// dashboard's recent-signals feed.
func (s *Store) SaveSignal(ctx context.Context, sig types.ConfluenceSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO signals (tenant_id, pair, side, score, confidence, source_timeframe, payload, generated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			"default", sig.Pair, string(sig.Side), sig.Score.String(), sig.Confidence.String(),
			string(sig.SourceTimeframe), string(payload), sig.GeneratedAt)
		return err
	})
}

// UpsertDailySummary rolls a closed trade's outcome into the day's summary
// row, uniqueness (date, tenant_id) per SPEC_FULL §4.8.
func (s *Store) UpsertDailySummary(ctx context.Context, day time.Time, won bool, pnl float64) error {
	date := day.UTC().Format("2006-01-02")
	return s.withWriteLock(ctx, func() error {
		win := 0
		if won {
			win = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO daily_summary (date, tenant_id, trade_count, win_count, total_pnl)
			VALUES (?, 'default', 1, ?, ?)
			ON CONFLICT(date, tenant_id) DO UPDATE SET
				trade_count = trade_count + 1,
				win_count = win_count + ?,
				total_pnl = CAST(total_pnl AS REAL) + ?`,
			date, win, pnl, win, pnl)
		return err
	})
}

// PurgeOlderThan deletes metrics, order book snapshots, signals and thought
// log rows older than the retention window; trades are never purged (the
// ledger is permanent).
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var total int64
	err := s.withWriteLock(ctx, func() error {
		for _, stmt := range []struct{ query, col string }{
			{"DELETE FROM metrics WHERE recorded_at < ?", "recorded_at"},
			{"DELETE FROM order_book_snapshots WHERE updated_at < ?", "updated_at"},
			{"DELETE FROM signals WHERE generated_at < ?", "generated_at"},
			{"DELETE FROM thought_log WHERE created_at < ?", "created_at"},
		} {
			res, err := s.db.ExecContext(ctx, stmt.query, cutoff)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				total += n
			}
		}
		return nil
	})
	return total, err
}

// WinRateBetweenUTCHours computes the closed-trade win rate for entries in
// the [fromHour, toHour) UTC window (wrapping past midnight when fromHour >
// toHour), feeding the confluence session multiplier. ok is false until at
// least minTrades have closed in the window.
func (s *Store) WinRateBetweenUTCHours(ctx context.Context, fromHour, toHour, minTrades int) (winRate float64, ok bool, err error) {
	cond := `CAST(strftime('%H', entry_time) AS INTEGER) >= ? AND CAST(strftime('%H', entry_time) AS INTEGER) < ?`
	args := []any{fromHour, toHour}
	if fromHour > toHour {
		cond = `(CAST(strftime('%H', entry_time) AS INTEGER) >= ? OR CAST(strftime('%H', entry_time) AS INTEGER) < ?)`
	}
	var n, wins int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN CAST(pnl AS REAL) > 0 THEN 1 ELSE 0 END), 0)
		FROM trades WHERE status = 'closed' AND `+cond, args...).Scan(&n, &wins)
	if err != nil || n < minTrades {
		return 0, false, err
	}
	return float64(wins) / float64(n), true, nil
}

// RecordMetric appends a point-in-time named metric value.
func (s *Store) RecordMetric(ctx context.Context, name string, value float64) error {
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO metrics (tenant_id, name, value, recorded_at) VALUES (?,?,?,?)`,
			"default", name, value, time.Now())
		return err
	})
}
