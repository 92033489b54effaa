// Package sqlite implements reverie.Store and reverie.SettingsStore using
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/reverie"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements reverie.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ reverie.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	s := &Store{path: dbPath, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.db = open(dbPath)
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

func open(dbPath string) *sql.DB {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return db
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Reopen closes the handle, reopens the file, and re-applies the schema.
// The archive manager calls this after swapping the working database file.
func (s *Store) Reopen(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close before reopen: %w", err)
	}
	s.db = open(s.path)
	s.logger.Info("sqlite: store reopened", "path", s.path)
	return s.Init(ctx)
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			real_updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			speaker TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'NORMAL',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_characters (
			message_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			PRIMARY KEY (message_id, character_id)
		)`,
		`CREATE TABLE IF NOT EXISTS periods (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			period_id TEXT NOT NULL,
			period_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			character_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE (session_id, period_id, period_type)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			key_type TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			character_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (session_id, key, character_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_clocks (
			session_id TEXT PRIMARY KEY,
			base_virtual INTEGER NOT NULL,
			base_real INTEGER NOT NULL,
			actions TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frontend_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages(session_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_speaker ON messages(session_id, speaker, category)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_periods_session ON periods(session_id, period_type)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_periods_window ON periods(session_id, start_at, end_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_kv_session ON kv_entries(session_id, key_type)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_frontend_session ON frontend_messages(session_id, created_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- busy retry ---

const (
	busyAttempts  = 4
	busyBaseDelay = 50 * time.Millisecond
)

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn, retrying lock contention with capped exponential
// backoff. Logical errors return immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := busyBaseDelay
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
		s.logger.Warn("sqlite: busy, retrying", "op", op, "attempt", attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}

// --- time encoding ---

// Timestamps are stored as integer nanoseconds since the Unix epoch so
// virtual times order and range-scan correctly, including dates before 1970.
func encodeTime(t time.Time) int64 { return t.UnixNano() }

func decodeTime(n int64) time.Time { return time.Unix(0, n).UTC() }

// --- sessions ---

// EnsureSession returns the session, creating it at virtualNow when absent.
func (s *Store) EnsureSession(ctx context.Context, id string, virtualNow time.Time) (reverie.Session, error) {
	start := time.Now()
	err := s.withRetry(ctx, "ensure session", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (id, name, created_at, updated_at, real_updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			id, id, encodeTime(virtualNow), encodeTime(virtualNow), encodeTime(time.Now()),
		)
		return err
	})
	if err != nil {
		return reverie.Session{}, fmt.Errorf("ensure session: %w", err)
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return reverie.Session{}, err
	}
	s.logger.Debug("sqlite: ensure session ok", "session_id", id, "duration", time.Since(start))
	return sess, nil
}

// GetSession returns one session row.
func (s *Store) GetSession(ctx context.Context, id string) (reverie.Session, error) {
	var sess reverie.Session
	var created, updated, realUpdated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at, real_updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Name, &created, &updated, &realUpdated)
	if err == sql.ErrNoRows {
		return reverie.Session{}, &reverie.ErrNotFound{Kind: "session", ID: id}
	}
	if err != nil {
		return reverie.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = decodeTime(created)
	sess.UpdatedAt = decodeTime(updated)
	sess.RealUpdatedAt = decodeTime(realUpdated)
	return sess, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]reverie.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at, real_updated_at FROM sessions ORDER BY real_updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var sessions []reverie.Session
	for rows.Next() {
		var sess reverie.Session
		var created, updated, realUpdated int64
		if err := rows.Scan(&sess.ID, &sess.Name, &created, &updated, &realUpdated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = decodeTime(created)
		sess.UpdatedAt = decodeTime(updated)
		sess.RealUpdatedAt = decodeTime(realUpdated)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RenameSession updates the session's display name.
func (s *Store) RenameSession(ctx context.Context, id, name string) error {
	return s.withRetry(ctx, "rename session", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET name = ?, real_updated_at = ? WHERE id = ?`,
			name, encodeTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("rename session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &reverie.ErrNotFound{Kind: "session", ID: id}
		}
		return nil
	})
}

// DeleteSession removes a session and everything it owns.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		for _, stmt := range []string{
			`DELETE FROM message_characters WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`,
			`DELETE FROM messages WHERE session_id = ?`,
			`DELETE FROM periods WHERE session_id = ?`,
			`DELETE FROM kv_entries WHERE session_id = ?`,
			`DELETE FROM session_clocks WHERE session_id = ?`,
			`DELETE FROM frontend_messages WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		return tx.Commit()
	})
}

// touchSession bumps the owning session's virtual updated_at inside the
// caller's transaction.
func touchSession(ctx context.Context, tx *sql.Tx, sessionID string, virtualAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, real_updated_at = ? WHERE id = ?`,
		encodeTime(virtualAt), encodeTime(time.Now()), sessionID)
	return err
}

// --- session clocks ---

// LoadClock implements reverie.ClockStore.
func (s *Store) LoadClock(ctx context.Context, sessionID string) (reverie.ClockState, bool, error) {
	var baseVirtual, baseReal int64
	var actionsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT base_virtual, base_real, actions FROM session_clocks WHERE session_id = ?`, sessionID,
	).Scan(&baseVirtual, &baseReal, &actionsJSON)
	if err == sql.ErrNoRows {
		return reverie.ClockState{}, false, nil
	}
	if err != nil {
		return reverie.ClockState{}, false, fmt.Errorf("load clock: %w", err)
	}
	state := reverie.ClockState{
		BaseVirtual: decodeTime(baseVirtual),
		BaseReal:    decodeTime(baseReal),
	}
	if err := unmarshalActions(actionsJSON, &state.Actions); err != nil {
		return reverie.ClockState{}, false, err
	}
	return state, true, nil
}

// SaveClock implements reverie.ClockStore. The owning session's virtual
// updated_at moves to updatedAt in the same transaction.
func (s *Store) SaveClock(ctx context.Context, sessionID string, state reverie.ClockState, updatedAt time.Time) error {
	actionsJSON, err := marshalActions(state.Actions)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "save clock", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_clocks (session_id, base_virtual, base_real, actions, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (session_id) DO UPDATE SET
			   base_virtual = excluded.base_virtual,
			   base_real = excluded.base_real,
			   actions = excluded.actions,
			   updated_at = excluded.updated_at`,
			sessionID, encodeTime(state.BaseVirtual), encodeTime(state.BaseReal), actionsJSON, encodeTime(updatedAt))
		if err != nil {
			return fmt.Errorf("save clock: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ?, real_updated_at = ? WHERE id = ?`,
			encodeTime(updatedAt), encodeTime(time.Now()), sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
}
