package mecho

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"time"

	"github.com/pressly/goose/v3"
)

// ArchivalMemory is one long-term record with its embedding vector stored
// verbatim. The L2 norm is cached so cosine scoring needs only a dot
// product per candidate.
type ArchivalMemory struct {
	MemoryID     string
	ModeID       string
	Name         string
	Description  string
	Detail       string
	Embedding    []float32
	EmbeddingDim int
	Norm         float64
	MetadataJSON string
	CreatedAt    string
	UpdatedAt    string
}

// ArchivalHit is one scored search result.
type ArchivalHit struct {
	Memory ArchivalMemory
	Score  float64
}

// ArchivalStore wraps one mode's archival SQLite database (archival.db).
type ArchivalStore struct {
	conn   *sql.DB
	modeID string
}

// OpenArchivalStore opens (creating if needed) a mode's archival store.
func OpenArchivalStore(path, modeID string) (*ArchivalStore, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archival store: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping archival store: %w", err)
	}

	migrations, err := fs.Sub(archivalMigrationFS, "migrations/archival")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("archival migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate archival store: %w", err)
	}

	return &ArchivalStore{conn: conn, modeID: modeID}, nil
}

// Close closes the archival database connection.
func (a *ArchivalStore) Close() error {
	return a.conn.Close()
}

// Upsert writes a record. Returns created=false when memoryID already
// existed and was updated in place.
func (a *ArchivalStore) Upsert(m *ArchivalMemory) (created bool, err error) {
	embJSON, err := json.Marshal(m.Embedding)
	if err != nil {
		return false, fmt.Errorf("encode embedding: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var exists int
	if err := a.conn.QueryRow(
		`SELECT COUNT(*) FROM archival_memory WHERE memory_id = ?`, m.MemoryID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check archival row: %w", err)
	}

	_, err = a.conn.Exec(
		`INSERT INTO archival_memory (memory_id, mode_id, name, description, detail, embedding, embedding_dim, embedding_norm, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(memory_id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   detail = excluded.detail,
		   embedding = excluded.embedding,
		   embedding_dim = excluded.embedding_dim,
		   embedding_norm = excluded.embedding_norm,
		   metadata_json = excluded.metadata_json,
		   updated_at = excluded.updated_at`,
		m.MemoryID, a.modeID, m.Name, m.Description, m.Detail,
		string(embJSON), len(m.Embedding), l2Norm(m.Embedding), m.MetadataJSON, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("upsert archival %s: %w", m.MemoryID, err)
	}
	return exists == 0, nil
}

// Delete removes a record. Returns true iff a row was deleted.
func (a *ArchivalStore) Delete(memoryID string) (bool, error) {
	res, err := a.conn.Exec(`DELETE FROM archival_memory WHERE memory_id = ?`, memoryID)
	if err != nil {
		return false, fmt.Errorf("delete archival %s: %w", memoryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete archival %s: %w", memoryID, err)
	}
	return n == 1, nil
}

// ListByDimension returns up to limit records whose embedding dimension
// matches dim, newest first. Rows of other dimensions are not candidates.
func (a *ArchivalStore) ListByDimension(dim, limit int) ([]ArchivalMemory, error) {
	rows, err := a.conn.Query(
		`SELECT memory_id, mode_id, name, description, detail, embedding, embedding_dim, embedding_norm, metadata_json, created_at, updated_at
		 FROM archival_memory
		 WHERE mode_id = ? AND embedding_dim = ?
		 ORDER BY updated_at DESC LIMIT ?`,
		a.modeID, dim, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list archival: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var memories []ArchivalMemory
	for rows.Next() {
		var m ArchivalMemory
		var embJSON string
		if err := rows.Scan(&m.MemoryID, &m.ModeID, &m.Name, &m.Description, &m.Detail,
			&embJSON, &m.EmbeddingDim, &m.Norm, &m.MetadataJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan archival: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &m.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", m.MemoryID, err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// Search scores candidates of the query's dimension by cosine similarity
// and returns the top topK at or above minScore. Non-finite scores are
// dropped.
func (a *ArchivalStore) Search(query []float32, topK, candidateLimit int, minScore float64) ([]ArchivalHit, error) {
	candidates, err := a.ListByDimension(len(query), candidateLimit)
	if err != nil {
		return nil, err
	}

	qNorm := l2Norm(query)
	var hits []ArchivalHit
	for _, m := range candidates {
		score := cosine(query, qNorm, m.Embedding, m.Norm)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		if score < minScore {
			continue
		}
		hits = append(hits, ArchivalHit{Memory: m, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// l2Norm returns the Euclidean norm of v.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity given precomputed norms.
func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return math.NaN()
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}
