// Package db implements the durable session store: per-(user, context,
// engine) agent session identifiers, message-event dedup claims, and
// rotation summaries. It wraps a single SQLite database under dataDir.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the sessions SQLite database.
type DB struct {
	conn *sql.DB
	log  *slog.Logger
}

// Session maps one (user, context, engine) triple to an opaque agent
// session identifier, plus usage bookkeeping for rotation decisions.
type Session struct {
	UserID                  string
	ContextID               string
	Engine                  string
	SessionID               string
	CreatedAt               string
	LastUsedAt              string
	MessageCount            int
	CumulativeContextTokens int64
	ContextWindow           int64
}

// RotationSummary is the handoff from a rotated-out session to the next
// fresh one. Consumed (read once, then deleted) by ConsumeSummary.
type RotationSummary struct {
	UserID                  string
	ContextID               string
	Engine                  string
	SummaryText             string
	SourceSessionID         string
	ContextTokensAtRotation int64
	CreatedAt               string
}

// Open creates a new DB connection, applies the legacy engine-column
// bootstrap, and runs all pending migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := bootstrapLegacyEngine(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn, log: logger.With("component", "sessiondb")}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- Session methods ---

// GetSession returns the session id for the triple, or "" when absent.
func (d *DB) GetSession(userID, contextID, engine string) (string, error) {
	var id string
	err := d.conn.QueryRow(
		`SELECT session_id FROM sessions WHERE user_id = ? AND context_id = ? AND engine = ?`,
		userID, contextID, engine,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

// SaveSession inserts or replaces the session id for the triple. created_at
// is preserved for an existing row; message_count increments and
// last_used_at is stamped either way.
func (d *DB) SaveSession(userID, contextID, engine, sessionID string) error {
	now := nowRFC3339()
	_, err := d.conn.Exec(
		`INSERT INTO sessions (user_id, context_id, engine, session_id, created_at, last_used_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(user_id, context_id, engine) DO UPDATE SET
		   session_id = excluded.session_id,
		   last_used_at = excluded.last_used_at,
		   message_count = sessions.message_count + 1`,
		userID, contextID, engine, sessionID, now, now,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// TouchSession stamps last_used_at and increments message_count for an
// existing row. Missing rows are a no-op.
func (d *DB) TouchSession(userID, contextID, engine string) error {
	_, err := d.conn.Exec(
		`UPDATE sessions SET last_used_at = ?, message_count = message_count + 1
		 WHERE user_id = ? AND context_id = ? AND engine = ?`,
		nowRFC3339(), userID, contextID, engine,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// UpdateSessionTokens records cumulative context token usage and the model
// context window reported by the agent CLI, for rotation threshold checks.
func (d *DB) UpdateSessionTokens(userID, contextID, engine string, cumulativeTokens, contextWindow int64) error {
	_, err := d.conn.Exec(
		`UPDATE sessions SET cumulative_context_tokens = ?, context_window = ?
		 WHERE user_id = ? AND context_id = ? AND engine = ?`,
		cumulativeTokens, contextWindow, userID, contextID, engine,
	)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	return nil
}

// DeleteSession removes the session for the triple. An empty engine deletes
// the row for every engine of that (user, context).
func (d *DB) DeleteSession(userID, contextID, engine string) error {
	var err error
	if engine == "" {
		_, err = d.conn.Exec(
			`DELETE FROM sessions WHERE user_id = ? AND context_id = ?`, userID, contextID)
	} else {
		_, err = d.conn.Exec(
			`DELETE FROM sessions WHERE user_id = ? AND context_id = ? AND engine = ?`,
			userID, contextID, engine)
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// LoadSession returns the full session row for the triple, or nil.
func (d *DB) LoadSession(userID, contextID, engine string) (*Session, error) {
	s := &Session{}
	err := d.conn.QueryRow(
		`SELECT user_id, context_id, engine, session_id, created_at, last_used_at,
		        message_count, cumulative_context_tokens, context_window
		 FROM sessions WHERE user_id = ? AND context_id = ? AND engine = ?`,
		userID, contextID, engine,
	).Scan(&s.UserID, &s.ContextID, &s.Engine, &s.SessionID, &s.CreatedAt, &s.LastUsedAt,
		&s.MessageCount, &s.CumulativeContextTokens, &s.ContextWindow)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// ListSessions returns all sessions, optionally filtered by engine,
// ordered by last_used_at descending.
func (d *DB) ListSessions(engine string) ([]Session, error) {
	query := `SELECT user_id, context_id, engine, session_id, created_at, last_used_at,
	                 message_count, cumulative_context_tokens, context_window
	          FROM sessions`
	var args []any
	if engine != "" {
		query += ` WHERE engine = ?`
		args = append(args, engine)
	}
	query += ` ORDER BY last_used_at DESC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.UserID, &s.ContextID, &s.Engine, &s.SessionID, &s.CreatedAt,
			&s.LastUsedAt, &s.MessageCount, &s.CumulativeContextTokens, &s.ContextWindow); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CleanupOldSessions deletes sessions whose last_used_at is older than
// maxAge and returns the number removed.
func (d *DB) CleanupOldSessions(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := d.conn.Exec(`DELETE FROM sessions WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old sessions: %w", err)
	}
	return res.RowsAffected()
}

// --- Message-event dedup claims ---

// ClaimMessageEvent atomically prunes claims older than the window, then
// inserts message_id if absent. Returns true iff this call inserted the
// claim. Storage errors fail open (return true) so a broken database never
// silently drops user prompts.
func (d *DB) ClaimMessageEvent(messageID string, window time.Duration, now time.Time) bool {
	cutoff := now.Add(-window).UnixMilli()

	tx, err := d.conn.Begin()
	if err != nil {
		d.log.Warn("claim message event: begin failed, failing open", "error", err)
		return true
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM processed_message_events WHERE created_at < ?`, cutoff); err != nil {
		d.log.Warn("claim message event: prune failed, failing open", "error", err)
		return true
	}

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO processed_message_events (message_id, created_at) VALUES (?, ?)`,
		messageID, now.UnixMilli(),
	)
	if err != nil {
		d.log.Warn("claim message event: insert failed, failing open", "error", err)
		return true
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		d.log.Warn("claim message event: rows affected failed, failing open", "error", err)
		return true
	}

	if err := tx.Commit(); err != nil {
		d.log.Warn("claim message event: commit failed, failing open", "error", err)
		return true
	}
	return inserted == 1
}

// --- Rotation summaries ---

// SaveSummary upserts the rotation summary for the triple.
func (d *DB) SaveSummary(userID, contextID, engine, summaryText, sourceSessionID string, contextTokens int64) error {
	_, err := d.conn.Exec(
		`INSERT INTO rotation_summaries (user_id, context_id, engine, summary_text, source_session_id, context_tokens_at_rotation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, context_id, engine) DO UPDATE SET
		   summary_text = excluded.summary_text,
		   source_session_id = excluded.source_session_id,
		   context_tokens_at_rotation = excluded.context_tokens_at_rotation,
		   created_at = excluded.created_at`,
		userID, contextID, engine, summaryText, sourceSessionID, contextTokens, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// ConsumeSummary reads and deletes the rotation summary for the triple.
// Returns nil when none is pending.
func (d *DB) ConsumeSummary(userID, contextID, engine string) (*RotationSummary, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("consume summary: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	s := &RotationSummary{}
	err = tx.QueryRow(
		`SELECT user_id, context_id, engine, summary_text, source_session_id, context_tokens_at_rotation, created_at
		 FROM rotation_summaries WHERE user_id = ? AND context_id = ? AND engine = ?`,
		userID, contextID, engine,
	).Scan(&s.UserID, &s.ContextID, &s.Engine, &s.SummaryText, &s.SourceSessionID,
		&s.ContextTokensAtRotation, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume summary: %w", err)
	}

	if _, err := tx.Exec(
		`DELETE FROM rotation_summaries WHERE user_id = ? AND context_id = ? AND engine = ?`,
		userID, contextID, engine,
	); err != nil {
		return nil, fmt.Errorf("consume summary delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("consume summary commit: %w", err)
	}
	return s, nil
}
