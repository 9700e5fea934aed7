package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema step. Versions apply in ascending
// order exactly once, tracked in schema_version.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the authoritative schema sequence. The original project
// shipped two migrations sharing revision 0002 against the same parent;
// version 2 here is their union and the runner rejects duplicate versions
// so the collision cannot recur.
var migrations = []Migration{
	{
		Version:     1,
		Description: "journal core: sessions, groups, legs, trades, session logs",
		SQL: `
CREATE TABLE sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TIMESTAMP NOT NULL,
	upstream_session_id TEXT
);

CREATE TABLE recommendation_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	created_at TIMESTAMP NOT NULL,
	thesis TEXT NOT NULL,
	equivalence_notes TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	estimated_edge_pct REAL NOT NULL,
	computed_edge_pct REAL,
	computed_fees_usd REAL,
	total_exposure_usd REAL NOT NULL DEFAULT 0,
	expires_at TIMESTAMP NOT NULL,
	reviewed_at TIMESTAMP,
	executed_at TIMESTAMP,
	hypothetical_pnl_usd REAL
);

CREATE TABLE recommendation_legs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id INTEGER NOT NULL REFERENCES recommendation_groups(id),
	leg_index INTEGER NOT NULL,
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	action TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity >= 1),
	price_cents INTEGER NOT NULL CHECK (price_cents BETWEEN 1 AND 99),
	is_maker INTEGER NOT NULL DEFAULT 0,
	order_type TEXT NOT NULL DEFAULT 'limit',
	status TEXT NOT NULL DEFAULT 'pending',
	exchange_order_id TEXT,
	fill_price_cents INTEGER,
	fill_quantity INTEGER,
	orderbook_snapshot TEXT NOT NULL DEFAULT '',
	settlement_value INTEGER,
	settled_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (group_id, leg_index)
);

CREATE TABLE trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	leg_id INTEGER REFERENCES recommendation_legs(id),
	exchange TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	market_id TEXT NOT NULL,
	action TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	price_cents INTEGER NOT NULL,
	order_type TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	raw_response TEXT NOT NULL DEFAULT ''
);

CREATE TABLE session_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	created_at TIMESTAMP NOT NULL,
	content TEXT NOT NULL
);

CREATE INDEX idx_groups_session ON recommendation_groups(session_id);
CREATE INDEX idx_groups_status ON recommendation_groups(status);
CREATE INDEX idx_legs_group ON recommendation_legs(group_id);
CREATE INDEX idx_trades_session ON trades(session_id);
CREATE INDEX idx_session_logs_session ON session_logs(session_id);
`,
	},
	{
		Version:     2,
		Description: "collector outputs: snapshots, events, daily bars, market meta",
		SQL: `
CREATE TABLE market_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	event_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	yes_bid_cents INTEGER NOT NULL DEFAULT 0,
	yes_ask_cents INTEGER NOT NULL DEFAULT 0,
	volume INTEGER NOT NULL DEFAULT 0,
	open_time TIMESTAMP,
	close_time TIMESTAMP,
	captured_at TIMESTAMP NOT NULL
);

CREATE TABLE events (
	market_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	event_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (market_id, exchange)
);

CREATE TABLE daily_bars (
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	date TEXT NOT NULL,
	open_cents INTEGER NOT NULL,
	high_cents INTEGER NOT NULL,
	low_cents INTEGER NOT NULL,
	close_cents INTEGER NOT NULL,
	volume INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (exchange, market_id, date)
);

CREATE TABLE market_meta (
	exchange TEXT NOT NULL,
	market_id TEXT NOT NULL,
	tick_size INTEGER NOT NULL DEFAULT 1,
	close_time TIMESTAMP,
	source TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (exchange, market_id)
);

CREATE INDEX idx_snapshots_market ON market_snapshots(exchange, market_id, captured_at);
`,
	},
}

// Migrate applies all pending migrations in ascending version order.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	seen := map[int]bool{}
	for _, m := range migrations {
		if seen[m.Version] {
			return fmt.Errorf("duplicate migration version %d", m.Version)
		}
		seen[m.Version] = true
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}
