// Package journal is the single writer of persistent trading state:
// sessions, recommendation groups and legs, audit trades, session logs,
// and the collector tables. Every other component reads and mutates the
// journal through this package only.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/edgeterm/edgeterm/internal/models"
)

var (
	// ErrNotFound marks lookups of absent rows.
	ErrNotFound = errors.New("journal: not found")
	// ErrTerminalGroup marks a status transition attempted on a group that
	// already reached a terminal state.
	ErrTerminalGroup = errors.New("journal: group already terminal")
)

// Store owns the journal database file. Safe for concurrent use; SQLite's
// own locking serializes individual statements, and multi-row operations
// run inside explicit transactions.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens (creating if necessary) the journal database at path, enables
// WAL for concurrent readers, and applies pending migrations.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between our own
	// goroutines; the busy timeout covers external readers.
	db.SetMaxOpenConns(1)

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:   db,
		path: path,
		log:  log.With().Str("component", "journal").Logger(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the on-disk location of the journal file.
func (s *Store) Path() string { return s.path }

// DB exposes the raw handle for the migration CLI and tests.
func (s *Store) DB() *sql.DB { return s.db }

// --- sessions ---

// CreateSession starts a new session row and returns its id.
func (s *Store) CreateSession(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (started_at) VALUES (?)", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create session id: %w", err)
	}
	s.log.Info().Int64("session_id", id).Msg("Session created")
	return id, nil
}

// UpdateSessionUpstreamID records the upstream agent session id, set once
// on the first upstream response and never mutated after.
func (s *Store) UpdateSessionUpstreamID(ctx context.Context, sessionID int64, upstreamID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET upstream_session_id = ? WHERE id = ? AND upstream_session_id IS NULL",
		upstreamID, sessionID)
	if err != nil {
		return fmt.Errorf("update session upstream id: %w", err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, started_at, upstream_session_id FROM sessions WHERE id = ?", sessionID)
	var out models.Session
	if err := row.Scan(&out.ID, &out.StartedAt, &out.UpstreamSessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &out, nil
}

// GetUnloggedSessions returns sessions older than grace that have no
// session-log row. Used on startup to find sessions that died without a
// wrap-up summary. The caller excludes the currently active session.
func (s *Store) GetUnloggedSessions(ctx context.Context, grace time.Duration) ([]models.Session, error) {
	cutoff := time.Now().UTC().Add(-grace)
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.upstream_session_id
		FROM sessions s
		LEFT JOIN session_logs l ON l.session_id = s.id
		WHERE l.id IS NULL AND s.started_at < ?
		ORDER BY s.id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get unlogged sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &sess.UpstreamSessionID); err != nil {
			return nil, fmt.Errorf("scan unlogged session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LogSessionSummary writes the session's wrap-up prose (or a stub) and
// returns the log id.
func (s *Store) LogSessionSummary(ctx context.Context, sessionID int64, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO session_logs (session_id, created_at, content) VALUES (?, ?, ?)",
		sessionID, time.Now().UTC(), content)
	if err != nil {
		return 0, fmt.Errorf("log session summary: %w", err)
	}
	return res.LastInsertId()
}

// HasSessionLog reports whether a session already has a log row.
func (s *Store) HasSessionLog(ctx context.Context, sessionID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_logs WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check session log: %w", err)
	}
	return n > 0, nil
}

// LatestSummaryBefore returns the most recent session log written for any
// session started before the given session, or "" when none exists.
func (s *Store) LatestSummaryBefore(ctx context.Context, sessionID int64) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT l.content FROM session_logs l
		WHERE l.session_id < ?
		ORDER BY l.session_id DESC, l.id DESC LIMIT 1`, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest summary: %w", err)
	}
	return content, nil
}
