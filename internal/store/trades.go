package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// tradeUpdateWhitelist is the fixed column set trade updates may touch, per
// SPEC_FULL §4.8 -- dynamic column names are never accepted from callers.
var tradeUpdateWhitelist = map[string]bool{
	"exit_price": true, "pnl": true, "pnl_pct": true, "fees": true,
	"slippage": true, "status": true, "stop_loss": true, "take_profit": true,
	"trailing_stop": true, "exit_time": true, "duration_seconds": true,
	"notes": true, "metadata": true, "quantity": true,
}

// InsertTrade creates a new open trade row.
func (s *Store) InsertTrade(ctx context.Context, t types.LedgerTrade) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trades (
				trade_id, tenant_id, pair, side, status, strategy, confidence,
				entry_price, exit_price, quantity, stop_loss, take_profit,
				trailing_stop, pnl, pnl_pct, fees, slippage, entry_time,
				exit_time, duration_seconds, notes, metadata
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.TradeID, tenantOrDefault(t.TenantID), t.Pair, string(t.Side), string(t.Status), t.Strategy,
			t.Confidence.String(), t.EntryPrice.String(), t.ExitPrice.String(), t.Quantity.String(),
			t.StopLoss.String(), t.TakeProfit.String(), t.TrailingStop.String(),
			t.PnL.String(), t.PnLPct.String(), t.Fees.String(), t.Slippage.String(),
			t.EntryTime, t.ExitTime, t.DurationSeconds, t.Notes, string(metaJSON),
		)
		return err
	})
}

// UpdateFields is a whitelisted column->value map for UpdateTrade; keys not
// in tradeUpdateWhitelist cause UpdateTrade to fail before touching the DB.
type UpdateFields map[string]any

// UpdateTrade applies a whitelisted set of column updates to one trade,
// idempotently: if the trade is already closed/cancelled/error, a second
// attempt to move it to the same terminal status is a no-op per SPEC_FULL
// §8's "second close_trade call is a no-op" invariant.
func (s *Store) UpdateTrade(ctx context.Context, tradeID string, fields UpdateFields) error {
	if len(fields) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for col, val := range fields {
		if !tradeUpdateWhitelist[col] {
			return fmt.Errorf("store: column %q is not in the trade update whitelist", col)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	args = append(args, tradeID)

	return s.withWriteLock(ctx, func() error {
		existing, err := s.getTradeStatus(ctx, tradeID)
		if err != nil {
			return err
		}
		if isTerminal(existing) {
			return nil // a closed/cancelled/error trade never changes
		}
		query := "UPDATE trades SET " + joinSetClauses(setClauses) + " WHERE trade_id = ?"
		_, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isTerminal(status string) bool {
	return status == string(types.TradeStatusClosed) ||
		status == string(types.TradeStatusCancelled) ||
		status == string(types.TradeStatusError)
}

func (s *Store) getTradeStatus(ctx context.Context, tradeID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM trades WHERE trade_id = ?`, tradeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func joinSetClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

// CloseTrade sets a trade to a terminal status with exit fields, applying
// the monotonic-close invariant: a trade already in a terminal status is
// untouched by a second call (SPEC_FULL §8).
func (s *Store) CloseTrade(ctx context.Context, tradeID string, status types.TradeStatus, exitPrice, pnl, pnlPct, fees, slippage decimal.Decimal, exitTime time.Time) error {
	entryTime, err := s.getTradeEntryTime(ctx, tradeID)
	if err != nil {
		return err
	}
	duration := int64(exitTime.Sub(entryTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	return s.UpdateTrade(ctx, tradeID, UpdateFields{
		"status":           string(status),
		"exit_price":       exitPrice.String(),
		"pnl":              pnl.String(),
		"pnl_pct":          pnlPct.String(),
		"fees":             fees.String(),
		"slippage":         slippage.String(),
		"exit_time":        exitTime,
		"duration_seconds": duration,
	})
}

// CloseTradeAndLabel closes a trade and stamps its ml_features row's label
// in one transaction, per SPEC_FULL §4.7 step 5's "atomically label the ML
// feature row ... in the same transaction". A trade already in a terminal
// status is untouched and the label row is left as-is (the first close won).
func (s *Store) CloseTradeAndLabel(ctx context.Context, tradeID string, status types.TradeStatus, exitPrice, pnl, pnlPct, fees, slippage decimal.Decimal, exitTime time.Time) error {
	return s.withWriteLock(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existing string
		var entryTime time.Time
		err = tx.QueryRowContext(ctx, `SELECT status, entry_time FROM trades WHERE trade_id = ?`, tradeID).Scan(&existing, &entryTime)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if isTerminal(existing) {
			return nil
		}

		duration := int64(exitTime.Sub(entryTime).Seconds())
		if duration < 0 {
			duration = 0
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE trades SET status = ?, exit_price = ?, pnl = ?, pnl_pct = ?,
				fees = ?, slippage = ?, exit_time = ?, duration_seconds = ?
			WHERE trade_id = ?`,
			string(status), exitPrice.String(), pnl.String(), pnlPct.String(),
			fees.String(), slippage.String(), exitTime, duration, tradeID)
		if err != nil {
			return err
		}

		label := 0
		if pnl.IsPositive() {
			label = 1
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ml_features SET label = ? WHERE trade_id = ?`, label, tradeID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) getTradeEntryTime(ctx context.Context, tradeID string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT entry_time FROM trades WHERE trade_id = ?`, tradeID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	return t, err
}

// GetTrade fetches one trade by id.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*types.LedgerTrade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trade_id, tenant_id, pair, side, status, strategy, confidence,
			entry_price, exit_price, quantity, stop_loss, take_profit,
			trailing_stop, pnl, pnl_pct, fees, slippage, entry_time,
			exit_time, duration_seconds, notes, metadata
		FROM trades WHERE trade_id = ?`, tradeID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// OpenTrades returns all open trades for a pair (or all pairs if pair=="").
func (s *Store) OpenTrades(ctx context.Context, pair string) ([]types.LedgerTrade, error) {
	var rows *sql.Rows
	var err error
	base := `SELECT trade_id, tenant_id, pair, side, status, strategy, confidence,
			entry_price, exit_price, quantity, stop_loss, take_profit,
			trailing_stop, pnl, pnl_pct, fees, slippage, entry_time,
			exit_time, duration_seconds, notes, metadata
		FROM trades WHERE status = 'open'`
	if pair != "" {
		rows, err = s.db.QueryContext(ctx, base+" AND pair = ?", pair)
	} else {
		rows, err = s.db.QueryContext(ctx, base)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LedgerTrade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TradesSince implements risk.TradeHistory: trades for a pair opened at or
// after the given time.
func (s *Store) TradesSince(pair string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE pair = ? AND entry_time >= ?`, pair, since).Scan(&n)
	return n, err
}

// TradesToday implements risk.TradeHistory: trades opened since UTC midnight.
func (s *Store) TradesToday() (int, error) {
	start := time.Now().UTC().Truncate(24 * time.Hour)
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE entry_time >= ?`, start).Scan(&n)
	return n, err
}

// LastLossAt implements risk.TradeHistory.
func (s *Store) LastLossAt(pair string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRow(`
		SELECT exit_time FROM trades
		WHERE pair = ? AND status = 'closed' AND CAST(pnl AS REAL) < 0 AND exit_time IS NOT NULL
		ORDER BY exit_time DESC LIMIT 1`, pair).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	return t, err == nil, err
}

// LastCloseAt implements risk.TradeHistory.
func (s *Store) LastCloseAt(pair string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRow(`
		SELECT exit_time FROM trades
		WHERE pair = ? AND status = 'closed' AND exit_time IS NOT NULL
		ORDER BY exit_time DESC LIMIT 1`, pair).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	return t, err == nil, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*types.LedgerTrade, error) {
	return scanTradeRows(row)
}

func scanTradeRows(row rowScanner) (*types.LedgerTrade, error) {
	var t types.LedgerTrade
	var side, status string
	var confidence, entryPrice, exitPrice, quantity, stopLoss, takeProfit, trailingStop, pnl, pnlPct, fees, slippage string
	var exitTime sql.NullTime
	var durationSeconds sql.NullInt64
	var metaJSON string

	err := row.Scan(
		&t.TradeID, &t.TenantID, &t.Pair, &side, &status, &t.Strategy, &confidence,
		&entryPrice, &exitPrice, &quantity, &stopLoss, &takeProfit, &trailingStop,
		&pnl, &pnlPct, &fees, &slippage, &t.EntryTime, &exitTime, &durationSeconds,
		&t.Notes, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	t.Side = types.OrderSide(side)
	t.Status = types.TradeStatus(status)
	t.Confidence = mustDecimal(confidence)
	t.EntryPrice = mustDecimal(entryPrice)
	t.ExitPrice = mustDecimal(exitPrice)
	t.Quantity = mustDecimal(quantity)
	t.StopLoss = mustDecimal(stopLoss)
	t.TakeProfit = mustDecimal(takeProfit)
	t.TrailingStop = mustDecimal(trailingStop)
	t.PnL = mustDecimal(pnl)
	t.PnLPct = mustDecimal(pnlPct)
	t.Fees = mustDecimal(fees)
	t.Slippage = mustDecimal(slippage)
	if exitTime.Valid {
		et := exitTime.Time
		t.ExitTime = &et
	}
	if durationSeconds.Valid {
		d := durationSeconds.Int64
		t.DurationSeconds = &d
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	}
	return &t, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func tenantOrDefault(t string) string {
	if t == "" {
		return "default"
	}
	return t
}
