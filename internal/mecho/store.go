// Package mecho implements the durable memory service: per-mode core and
// curated records with a monotonic revision counter and append-only event
// log, session-sync bookkeeping, the prepare/ack two-phase turn protocol,
// and archival vector memory. Each mode owns its own directory with a
// primary store (mecho.db) and an archival store (archival.db).
package mecho

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Memory event types recorded in the append-only log.
const (
	EventCoreUpsert    = "core_upsert"
	EventCuratedUpsert = "curated_upsert"
	EventCuratedDelete = "curated_delete"
)

// Ack statuses for a prepare turn.
const (
	AckSuccess = "success"
	AckFailed  = "failed"
)

// Field limits enforced on writes.
const (
	CoreDescriptionMax    = 1000
	CoreDetailMax         = 3000
	CuratedDescriptionMax = 500
	CuratedDetailMax      = 3000
)

// CoreMemory is the single always-injected record of a mode.
type CoreMemory struct {
	ModeID      string
	Name        string
	Description string
	Detail      string
	UpdatedAt   string
}

// CuratedMemory is one of many curated records of a mode. Soft-deleted rows
// stay on disk for event-log consumers; listings filter them out.
type CuratedMemory struct {
	ModeID      string
	MemoryID    string
	Name        string
	Description string
	Detail      string
	IsDeleted   bool
	UpdatedAt   string
}

// MemoryEvent is one append-only log row. Total order is (rev, id).
type MemoryEvent struct {
	ID        int64
	ModeID    string
	Rev       int64
	EventType string
	MemoryID  string // empty for core events
	Payload   string // JSON snapshot of the mutation
	CreatedAt string
}

// PrepareTurn records one prepare of the two-phase turn protocol.
type PrepareTurn struct {
	PrepareID    string
	SessionKey   string
	ModeID       string
	FromRevision int64
	ToRevision   int64
	Mode         string // full, delta, none
	CreatedAt    string
	AckedAt      *string
	AckStatus    *string
}

// Store wraps one mode's primary SQLite database (mecho.db).
type Store struct {
	conn   *sql.DB
	modeID string
}

// querier is satisfied by both *sql.DB and *sql.Tx so mutating helpers can
// run inside a caller-owned transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// OpenStore opens (creating if needed) a mode's primary store, applying the
// legacy agent_id column rename and all pending migrations.
func OpenStore(path, modeID string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open mecho store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping mecho store: %w", err)
	}

	if err := renameLegacyAgentColumns(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	migrations, err := fs.Sub(storeMigrationFS, "migrations/store")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate mecho store: %w", err)
	}

	return &Store{conn: conn, modeID: modeID}, nil
}

// Close closes the store's database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Begin starts a transaction. Mutating APIs (UpsertCore, UpsertCurated,
// SoftDeleteCurated) must run inside a transaction that also calls
// BumpRevision and InsertMemoryEvent; that is the only way the
// one-event-per-revision invariant holds.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.conn.Begin()
}

// Checkpoint flushes the WAL into the main database file, best effort.
func (s *Store) Checkpoint() error {
	if _, err := s.conn.Exec(`PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// renameLegacyAgentColumns renames the agent_id column to mode_id in any
// table still carrying the old name. Idempotent: driven by PRAGMA
// table_info, so already-renamed tables are skipped.
func renameLegacyAgentColumns(conn *sql.DB) error {
	tables := []string{"core_memory", "curated_memory", "revisions", "memory_events"}
	for _, table := range tables {
		var exists int
		err := conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if exists == 0 {
			continue
		}

		var hasLegacy int
		err = conn.QueryRow(
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name='agent_id'`, table,
		).Scan(&hasLegacy)
		if err != nil {
			return fmt.Errorf("table_info %s: %w", table, err)
		}
		if hasLegacy == 0 {
			continue
		}

		if _, err := conn.Exec(
			fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN agent_id TO mode_id`, table),
		); err != nil {
			return fmt.Errorf("rename agent_id on %s: %w", table, err)
		}
	}
	return nil
}

func storeNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- Core memory ---

// GetCore returns the core record for the mode, or nil when unset.
func (s *Store) GetCore() (*CoreMemory, error) {
	c := &CoreMemory{}
	err := s.conn.QueryRow(
		`SELECT mode_id, name, description, detail, updated_at FROM core_memory WHERE mode_id = ?`,
		s.modeID,
	).Scan(&c.ModeID, &c.Name, &c.Description, &c.Detail, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get core: %w", err)
	}
	return c, nil
}

// UpsertCore writes the core record inside the caller's transaction.
func (s *Store) UpsertCore(tx querier, name, description, detail string) error {
	_, err := tx.Exec(
		`INSERT INTO core_memory (mode_id, name, description, detail, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(mode_id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   detail = excluded.detail,
		   updated_at = excluded.updated_at`,
		s.modeID, name, description, detail, storeNow(),
	)
	if err != nil {
		return fmt.Errorf("upsert core: %w", err)
	}
	return nil
}

// --- Curated memory ---

// GetCurated returns one curated record (including soft-deleted rows), or
// nil when it never existed.
func (s *Store) GetCurated(memoryID string) (*CuratedMemory, error) {
	c := &CuratedMemory{}
	var deleted int
	err := s.conn.QueryRow(
		`SELECT mode_id, memory_id, name, description, detail, is_deleted, updated_at
		 FROM curated_memory WHERE mode_id = ? AND memory_id = ?`,
		s.modeID, memoryID,
	).Scan(&c.ModeID, &c.MemoryID, &c.Name, &c.Description, &c.Detail, &deleted, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get curated %s: %w", memoryID, err)
	}
	c.IsDeleted = deleted == 1
	return c, nil
}

// ListCurated returns non-deleted curated records ordered by memory_id.
func (s *Store) ListCurated() ([]CuratedMemory, error) {
	rows, err := s.conn.Query(
		`SELECT mode_id, memory_id, name, description, detail, is_deleted, updated_at
		 FROM curated_memory WHERE mode_id = ? AND is_deleted = 0 ORDER BY memory_id`,
		s.modeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list curated: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var memories []CuratedMemory
	for rows.Next() {
		var c CuratedMemory
		var deleted int
		if err := rows.Scan(&c.ModeID, &c.MemoryID, &c.Name, &c.Description, &c.Detail, &deleted, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan curated: %w", err)
		}
		c.IsDeleted = deleted == 1
		memories = append(memories, c)
	}
	return memories, rows.Err()
}

// UpsertCurated writes a curated record inside the caller's transaction.
// Re-upserting a soft-deleted id revives it.
func (s *Store) UpsertCurated(tx querier, memoryID, name, description, detail string) error {
	_, err := tx.Exec(
		`INSERT INTO curated_memory (mode_id, memory_id, name, description, detail, is_deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(mode_id, memory_id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   detail = excluded.detail,
		   is_deleted = 0,
		   updated_at = excluded.updated_at`,
		s.modeID, memoryID, name, description, detail, storeNow(),
	)
	if err != nil {
		return fmt.Errorf("upsert curated %s: %w", memoryID, err)
	}
	return nil
}

// SoftDeleteCurated flags a curated record deleted inside the caller's
// transaction. Returns false when the id does not exist or is already
// deleted.
func (s *Store) SoftDeleteCurated(tx querier, memoryID string) (bool, error) {
	res, err := tx.Exec(
		`UPDATE curated_memory SET is_deleted = 1, updated_at = ?
		 WHERE mode_id = ? AND memory_id = ? AND is_deleted = 0`,
		storeNow(), s.modeID, memoryID,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete curated %s: %w", memoryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete curated %s: %w", memoryID, err)
	}
	return n == 1, nil
}

// --- Revision counter ---

// GetCurrentRevision returns the mode's revision, 0 if never bumped.
func (s *Store) GetCurrentRevision() (int64, error) {
	var rev int64
	err := s.conn.QueryRow(
		`SELECT current_rev FROM revisions WHERE mode_id = ?`, s.modeID,
	).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

// BumpRevision increments the mode's revision inside the caller's
// transaction and returns the new value.
func (s *Store) BumpRevision(tx querier) (int64, error) {
	_, err := tx.Exec(
		`INSERT INTO revisions (mode_id, current_rev) VALUES (?, 1)
		 ON CONFLICT(mode_id) DO UPDATE SET current_rev = current_rev + 1`,
		s.modeID,
	)
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}

	var rev int64
	if err := tx.QueryRow(
		`SELECT current_rev FROM revisions WHERE mode_id = ?`, s.modeID,
	).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read bumped revision: %w", err)
	}
	return rev, nil
}

// --- Memory events ---

// InsertMemoryEvent appends one event row inside the caller's transaction.
func (s *Store) InsertMemoryEvent(tx querier, rev int64, eventType, memoryID, payloadJSON string) error {
	_, err := tx.Exec(
		`INSERT INTO memory_events (mode_id, rev, event_type, memory_id, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.modeID, rev, eventType, memoryID, payloadJSON, storeNow(),
	)
	if err != nil {
		return fmt.Errorf("insert memory event: %w", err)
	}
	return nil
}

// ListMemoryEventsInRange returns events with from < rev <= to, ordered by
// (rev, id).
func (s *Store) ListMemoryEventsInRange(fromExclusive, toInclusive int64) ([]MemoryEvent, error) {
	rows, err := s.conn.Query(
		`SELECT id, mode_id, rev, event_type, COALESCE(memory_id, ''), payload_json, created_at
		 FROM memory_events
		 WHERE mode_id = ? AND rev > ? AND rev <= ?
		 ORDER BY rev, id`,
		s.modeID, fromExclusive, toInclusive,
	)
	if err != nil {
		return nil, fmt.Errorf("list memory events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []MemoryEvent
	for rows.Next() {
		var ev MemoryEvent
		if err := rows.Scan(&ev.ID, &ev.ModeID, &ev.Rev, &ev.EventType, &ev.MemoryID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Session sync ---

// GetLastAckedRevision returns the last successfully acked revision for the
// session key, 0 when the key has never acked.
func (s *Store) GetLastAckedRevision(sessionKey string) (int64, error) {
	var rev int64
	err := s.conn.QueryRow(
		`SELECT last_acked_rev FROM session_sync WHERE session_key = ?`, sessionKey,
	).Scan(&rev)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last acked revision: %w", err)
	}
	return rev, nil
}

// UpsertLastAckedRevision advances the session key's acked revision. The
// revision only moves forward: a stale ack arriving after a newer one must
// not rewind the sync cursor.
func (s *Store) UpsertLastAckedRevision(sessionKey string, rev int64) error {
	_, err := s.conn.Exec(
		`INSERT INTO session_sync (session_key, mode_id, last_acked_rev, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
		   last_acked_rev = MAX(last_acked_rev, excluded.last_acked_rev),
		   updated_at = excluded.updated_at`,
		sessionKey, s.modeID, rev, storeNow(),
	)
	if err != nil {
		return fmt.Errorf("upsert last acked revision: %w", err)
	}
	return nil
}

// --- Prepare turns ---

// CreatePrepareTurn records one prepare row.
func (s *Store) CreatePrepareTurn(pt *PrepareTurn) error {
	_, err := s.conn.Exec(
		`INSERT INTO prepare_turns (prepare_id, session_key, mode_id, from_revision, to_revision, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pt.PrepareID, pt.SessionKey, s.modeID, pt.FromRevision, pt.ToRevision, pt.Mode, storeNow(),
	)
	if err != nil {
		return fmt.Errorf("create prepare turn: %w", err)
	}
	return nil
}

// GetPrepareTurn returns the prepare row, or nil when unknown.
func (s *Store) GetPrepareTurn(prepareID string) (*PrepareTurn, error) {
	pt := &PrepareTurn{}
	err := s.conn.QueryRow(
		`SELECT prepare_id, session_key, mode_id, from_revision, to_revision, mode, created_at, acked_at, ack_status
		 FROM prepare_turns WHERE prepare_id = ?`,
		prepareID,
	).Scan(&pt.PrepareID, &pt.SessionKey, &pt.ModeID, &pt.FromRevision, &pt.ToRevision,
		&pt.Mode, &pt.CreatedAt, &pt.AckedAt, &pt.AckStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prepare turn: %w", err)
	}
	return pt, nil
}

// AckPrepareTurn stamps the prepare row acked. Returns true iff this call
// transitioned the row; a second ack of the same id is a no-op false.
func (s *Store) AckPrepareTurn(prepareID, status string, now time.Time) (bool, error) {
	res, err := s.conn.Exec(
		`UPDATE prepare_turns SET acked_at = ?, ack_status = ?
		 WHERE prepare_id = ? AND acked_at IS NULL`,
		now.UTC().Format(time.RFC3339), status, prepareID,
	)
	if err != nil {
		return false, fmt.Errorf("ack prepare turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack prepare turn: %w", err)
	}
	return n == 1, nil
}
