package db

import (
	"database/sql"
	"fmt"
)

// bootstrapLegacyEngine upgrades a pre-engine sessions table in place.
// Early deployments keyed sessions by (user_id, context_id) only; every row
// from that era belongs to the primary engine. The rebuild runs inside a
// single transaction so a crash mid-upgrade leaves the old table intact.
// Idempotent: a sessions table that already has an engine column is left
// alone, as is a fresh database.
func bootstrapLegacyEngine(conn *sql.DB) error {
	var count int
	err := conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sessions'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check sessions table: %w", err)
	}
	if count == 0 {
		return nil // fresh database, goose will create everything
	}

	hasEngine, err := tableHasColumn(conn, "sessions", "engine")
	if err != nil {
		return err
	}
	if hasEngine {
		return nil
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin engine bootstrap: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{
		`ALTER TABLE sessions RENAME TO sessions_legacy`,
		`CREATE TABLE sessions (
			user_id TEXT NOT NULL,
			context_id TEXT NOT NULL,
			engine TEXT NOT NULL DEFAULT 'primary',
			session_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			cumulative_context_tokens INTEGER NOT NULL DEFAULT 0,
			context_window INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, context_id, engine)
		)`,
		`INSERT INTO sessions (user_id, context_id, engine, session_id, created_at, last_used_at, message_count)
		 SELECT user_id, context_id, 'primary', session_id, created_at, last_used_at, COALESCE(message_count, 0)
		 FROM sessions_legacy`,
		`DROP TABLE sessions_legacy`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return fmt.Errorf("engine bootstrap: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit engine bootstrap: %w", err)
	}
	return nil
}

// tableHasColumn reports whether the named table has the named column,
// using PRAGMA table_info.
func tableHasColumn(conn *sql.DB, table, column string) (bool, error) {
	rows, err := conn.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
