package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// SaveBacktestRun records a completed backtest/viability check published by
// the external strategy tuner. The trading loop itself never writes these;
// the table exists so the tuner's artifacts are queryable next to the
// ledger they were derived from.
func (s *Store) SaveBacktestRun(ctx context.Context, run types.BacktestRun) error {
	metricsJSON, err := json.Marshal(run.Metrics)
	if err != nil {
		return err
	}
	return s.withWriteLock(ctx, func() error {
		viable := 0
		if run.Viable {
			viable = 1
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO backtest_runs (id, tenant_id, strategy, pair, started_at, finished_at, viable, metrics, notes)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				finished_at = excluded.finished_at,
				viable = excluded.viable,
				metrics = excluded.metrics,
				notes = excluded.notes`,
			run.ID, "default", run.Strategy, run.Pair, run.StartedAt, run.FinishedAt,
			viable, string(metricsJSON), run.Notes)
		return err
	})
}

// ListBacktestRuns returns the most recent runs, newest first.
func (s *Store) ListBacktestRuns(ctx context.Context, limit int) ([]types.BacktestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy, pair, started_at, finished_at, viable, metrics, notes
		FROM backtest_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.BacktestRun
	for rows.Next() {
		var run types.BacktestRun
		var viable int
		var metricsJSON string
		var finished *time.Time
		if err := rows.Scan(&run.ID, &run.Strategy, &run.Pair, &run.StartedAt, &finished, &viable, &metricsJSON, &run.Notes); err != nil {
			return nil, err
		}
		if finished != nil {
			run.FinishedAt = *finished
		}
		run.Viable = viable == 1
		if metricsJSON != "" && metricsJSON != "{}" {
			var m types.PerformanceMetrics
			if err := json.Unmarshal([]byte(metricsJSON), &m); err == nil {
				run.Metrics = &m
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SessionStats aggregates closed-trade outcomes for one UTC-hour window,
// wrapping past midnight when fromHour > toHour.
func (s *Store) SessionStats(ctx context.Context, session string, fromHour, toHour int) (types.SessionStats, error) {
	cond := `CAST(strftime('%H', entry_time) AS INTEGER) >= ? AND CAST(strftime('%H', entry_time) AS INTEGER) < ?`
	if fromHour > toHour {
		cond = `(CAST(strftime('%H', entry_time) AS INTEGER) >= ? OR CAST(strftime('%H', entry_time) AS INTEGER) < ?)`
	}
	stats := types.SessionStats{Session: session}
	var total, avg float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN CAST(pnl AS REAL) > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CAST(pnl AS REAL)), 0),
			COALESCE(AVG(CAST(pnl AS REAL)), 0)
		FROM trades WHERE status = 'closed' AND `+cond, fromHour, toHour).
		Scan(&stats.TradeCount, &stats.WinCount, &total, &avg)
	if err != nil {
		return stats, err
	}
	stats.TotalPnL = decimalFromFloat(total)
	stats.AvgPnL = decimalFromFloat(avg)
	return stats, nil
}
