package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// InsertMLFeatures records a trade's feature vector at open time, unlabeled.
func (s *Store) InsertMLFeatures(ctx context.Context, row types.MLFeatureRow) error {
	featJSON, err := json.Marshal(row.Features)
	if err != nil {
		return err
	}
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ml_features (trade_id, tenant_id, pair, features, label, created_at)
			VALUES (?,?,?,?,NULL,?)`, row.TradeID, "default", row.Pair, string(featJSON), row.CreatedAt)
		return err
	})
}

// LabelMLFeatures sets the outcome label on a closed trade's feature row,
// per SPEC_FULL §8: "label in {0,1} matches sign(pnl)".
func (s *Store) LabelMLFeatures(ctx context.Context, tradeID string, profitable bool) error {
	label := 0
	if profitable {
		label = 1
	}
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE ml_features SET label = ? WHERE trade_id = ?`, label, tradeID)
		return err
	})
}

// LabeledFeatures returns up to limit feature rows that already carry a
// label, newest first, as training input for a retrain job.
func (s *Store) LabeledFeatures(ctx context.Context, limit int) ([]types.MLFeatureRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, pair, features, label, created_at
		FROM ml_features WHERE label IS NOT NULL ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MLFeatureRow
	for rows.Next() {
		var r types.MLFeatureRow
		var featJSON string
		var label sql.NullInt64
		if err := rows.Scan(&r.TradeID, &r.Pair, &featJSON, &label, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(featJSON), &r.Features); err != nil {
			return nil, err
		}
		if label.Valid {
			l := int(label.Int64)
			r.Label = &l
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordThought inserts an audit-log row for an auto-pause or other
// operator-visible reasoning event, per SPEC_FULL §7: "on any auto-pause,
// ... an SQL 'thought' row ... emitted with the reason code and a one-line
// detail."
func (s *Store) RecordThought(ctx context.Context, reasonCode, detail string) error {
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thought_log (tenant_id, reason_code, detail, created_at)
			VALUES (?,?,?,?)`, "default", reasonCode, detail, time.Now())
		return err
	})
}

// SetSystemState upserts a tenant-scoped key/value, used for the engine's
// pause flag and other small bits of durable cross-restart state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_state (tenant_id, key, value, updated_at) VALUES (?,?,?,?)
			ON CONFLICT(tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			"default", key, value, time.Now())
		return err
	})
}

// GetSystemState reads a tenant-scoped key, returning ("", false, nil) if unset.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE tenant_id = ? AND key = ?`, "default", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return value, err == nil, err
}
