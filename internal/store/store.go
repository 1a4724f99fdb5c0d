// Package store is the canonical SQL ledger described in SPEC_FULL §4.8.
// New, since the teacher's internal/data.Store is a JSON-file-backed OHLCV
// cache rather than a trade ledger; this package follows that struct's
// mutex+logger+cache shape but persists to modernc.org/sqlite with WAL mode
// and a single-writer mutex, per the spec's persistence invariants.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/errtax"
)

// writeTimeout bounds how long a write may wait for the store's mutex,
// per SPEC_FULL §4.8's "mutex with a 30s timeout guards every write".
const writeTimeout = 30 * time.Second

// Store is the single-writer, many-reader canonical ledger.
type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	writeMu sync.Mutex

	statsOnce sync.Once
	stats     *statsCache
}

// Open opens (creating if absent) the SQLite database at path, applies the
// WAL/PRAGMA settings SPEC_FULL §4.8 calls for, and runs migrations.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errtax.Classify("store", errtax.CriticalSubsystem, fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + our own writeMu serialize writes anyway; avoid driver-level lock contention noise
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=30000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteLock serializes every write behind writeMu, failing closed if
// the lock cannot be acquired within writeTimeout rather than blocking
// forever (SPEC_FULL §4.8).
func (s *Store) withWriteLock(ctx context.Context, fn func() error) error {
	acquired := make(chan struct{})
	go func() {
		s.writeMu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		defer s.writeMu.Unlock()
	case <-time.After(writeTimeout):
		// The goroutine above will still take the lock eventually; release
		// it as soon as it does so later writers are not wedged.
		go func() { <-acquired; s.writeMu.Unlock() }()
		return fmt.Errorf("store: write lock not acquired within %s", writeTimeout)
	case <-ctx.Done():
		go func() { <-acquired; s.writeMu.Unlock() }()
		return ctx.Err()
	}
	return fn()
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_api_keys (
	key_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	key_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	pair TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	strategy TEXT NOT NULL,
	confidence TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL DEFAULT '0',
	quantity TEXT NOT NULL,
	stop_loss TEXT NOT NULL DEFAULT '0',
	take_profit TEXT NOT NULL DEFAULT '0',
	trailing_stop TEXT NOT NULL DEFAULT '0',
	pnl TEXT NOT NULL DEFAULT '0',
	pnl_pct TEXT NOT NULL DEFAULT '0',
	fees TEXT NOT NULL DEFAULT '0',
	slippage TEXT NOT NULL DEFAULT '0',
	entry_time TIMESTAMP NOT NULL,
	exit_time TIMESTAMP,
	duration_seconds INTEGER,
	notes TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair);
CREATE INDEX IF NOT EXISTS idx_trades_tenant_status ON trades(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time);

CREATE TABLE IF NOT EXISTS order_book_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	pair TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_obs_pair_time ON order_book_snapshots(pair, updated_at);

CREATE TABLE IF NOT EXISTS signals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	pair TEXT NOT NULL,
	side TEXT NOT NULL,
	score TEXT NOT NULL,
	confidence TEXT NOT NULL,
	source_timeframe TEXT NOT NULL,
	payload TEXT NOT NULL,
	generated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_pair_time ON signals(pair, generated_at);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	name TEXT NOT NULL,
	value TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ml_features (
	trade_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	pair TEXT NOT NULL,
	features TEXT NOT NULL,
	label INTEGER,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS thought_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	reason_code TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS system_state (
	tenant_id TEXT NOT NULL DEFAULT 'default',
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS daily_summary (
	date TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	trade_count INTEGER NOT NULL DEFAULT 0,
	win_count INTEGER NOT NULL DEFAULT 0,
	total_pnl TEXT NOT NULL DEFAULT '0',
	UNIQUE(date, tenant_id)
);

CREATE TABLE IF NOT EXISTS backtest_runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	strategy TEXT NOT NULL,
	pair TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	viable INTEGER NOT NULL DEFAULT 0,
	metrics TEXT NOT NULL DEFAULT '{}',
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS copy_trading_providers (
	provider_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS stripe_webhook_events (
	event_id TEXT PRIMARY KEY,
	received_at TIMESTAMP NOT NULL,
	result_code INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_webhook_events (
	event_id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	pair TEXT NOT NULL,
	side TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}
