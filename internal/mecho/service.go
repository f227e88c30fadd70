package mecho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Error categories the HTTP layer maps onto status codes.
var (
	ErrValidation = errors.New("validation")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrUpstream   = errors.New("upstream")
)

// Archival search defaults and caps.
const (
	DefaultSearchTopK     = 8
	MaxSearchTopK         = 50
	DefaultCandidateLimit = 600
)

// Service is the memory service proper: validated, transactional operations
// over the per-mode stores, the prepare/ack turn protocol, and archival
// search backed by an external embedder.
type Service struct {
	modes    *Manager
	embedder Embedder
	log      *slog.Logger
}

// NewService wires the service. embedder may be nil, which disables the
// archival endpoints with an upstream error.
func NewService(modes *Manager, embedder Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{modes: modes, embedder: embedder, log: logger}
}

// Modes exposes the mode manager for lifecycle endpoints.
func (s *Service) Modes() *Manager { return s.modes }

func validateLen(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrValidation, field, max)
	}
	return nil
}

// --- Core / curated mutations ---

// UpsertCore writes the mode's core record, bumps the revision, and appends
// the event, all in one transaction. Returns the new revision.
func (s *Service) UpsertCore(modeID, name, description, detail string) (int64, error) {
	if err := validateLen("description", description, CoreDescriptionMax); err != nil {
		return 0, err
	}
	if err := validateLen("detail", detail, CoreDetailMax); err != nil {
		return 0, err
	}

	store, err := s.modes.Store(modeID)
	if err != nil {
		return 0, err
	}

	payload, _ := json.Marshal(map[string]string{
		"name": name, "description": description, "detail": detail,
	})

	tx, err := store.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert core: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := store.UpsertCore(tx, name, description, detail); err != nil {
		return 0, err
	}
	rev, err := store.BumpRevision(tx)
	if err != nil {
		return 0, err
	}
	if err := store.InsertMemoryEvent(tx, rev, EventCoreUpsert, "", string(payload)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert core: %w", err)
	}
	return rev, nil
}

// UpsertCurated writes one curated record transactionally. Returns the new
// revision.
func (s *Service) UpsertCurated(modeID, memoryID, name, description, detail string) (int64, error) {
	memoryID = strings.TrimSpace(memoryID)
	if memoryID == "" {
		return 0, fmt.Errorf("%w: memoryId is required", ErrValidation)
	}
	if err := validateLen("description", description, CuratedDescriptionMax); err != nil {
		return 0, err
	}
	if err := validateLen("detail", detail, CuratedDetailMax); err != nil {
		return 0, err
	}

	store, err := s.modes.Store(modeID)
	if err != nil {
		return 0, err
	}

	payload, _ := json.Marshal(map[string]string{
		"memoryId": memoryID, "name": name, "description": description, "detail": detail,
	})

	tx, err := store.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert curated: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := store.UpsertCurated(tx, memoryID, name, description, detail); err != nil {
		return 0, err
	}
	rev, err := store.BumpRevision(tx)
	if err != nil {
		return 0, err
	}
	if err := store.InsertMemoryEvent(tx, rev, EventCuratedUpsert, memoryID, string(payload)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert curated: %w", err)
	}
	return rev, nil
}

// DeleteCurated soft-deletes one curated record transactionally. Returns the
// new revision; ErrNotFound when the id does not exist or is already deleted.
func (s *Service) DeleteCurated(modeID, memoryID string) (int64, error) {
	memoryID = strings.TrimSpace(memoryID)
	if memoryID == "" {
		return 0, fmt.Errorf("%w: memoryId is required", ErrValidation)
	}

	store, err := s.modes.Store(modeID)
	if err != nil {
		return 0, err
	}

	tx, err := store.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin delete curated: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deleted, err := store.SoftDeleteCurated(tx, memoryID)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return 0, fmt.Errorf("%w: curated memory %s", ErrNotFound, memoryID)
	}

	payload, _ := json.Marshal(map[string]string{"memoryId": memoryID})
	rev, err := store.BumpRevision(tx)
	if err != nil {
		return 0, err
	}
	if err := store.InsertMemoryEvent(tx, rev, EventCuratedDelete, memoryID, string(payload)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete curated: %w", err)
	}
	return rev, nil
}

// GetCore returns the mode's core record, or ErrNotFound when unset.
func (s *Service) GetCore(modeID string) (*CoreMemory, error) {
	store, err := s.modes.Store(modeID)
	if err != nil {
		return nil, err
	}
	core, err := store.GetCore()
	if err != nil {
		return nil, err
	}
	if core == nil {
		return nil, fmt.Errorf("%w: core memory", ErrNotFound)
	}
	return core, nil
}

// ListCurated returns the mode's non-deleted curated records.
func (s *Service) ListCurated(modeID string) ([]CuratedMemory, error) {
	store, err := s.modes.Store(modeID)
	if err != nil {
		return nil, err
	}
	return store.ListCurated()
}

// GetCurated returns one non-deleted curated record, or ErrNotFound.
func (s *Service) GetCurated(modeID, memoryID string) (*CuratedMemory, error) {
	store, err := s.modes.Store(modeID)
	if err != nil {
		return nil, err
	}
	row, err := store.GetCurated(memoryID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.IsDeleted {
		return nil, fmt.Errorf("%w: curated memory %s", ErrNotFound, memoryID)
	}
	return row, nil
}

// --- Turn protocol ---

// PrepareResult is the payload handed to a runner before a turn.
type PrepareResult struct {
	PrepareID    string `json:"prepareId"`
	Mode         string `json:"mode"`
	FromRevision int64  `json:"fromRevision"`
	ToRevision   int64  `json:"toRevision"`
	XML          string `json:"xml"`
}

// PrepareTurn computes the injection for a session and records the prepare
// row. forceFull renders a full snapshot regardless of sync state.
func (s *Service) PrepareTurn(modeID, sessionKey, engine string, forceFull bool) (*PrepareResult, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: sessionKey is required", ErrValidation)
	}

	store, err := s.modes.Store(modeID)
	if err != nil {
		return nil, err
	}

	from, err := store.GetLastAckedRevision(sessionKey)
	if err != nil {
		return nil, err
	}
	if forceFull {
		from = 0
	}
	to, err := store.GetCurrentRevision()
	if err != nil {
		return nil, err
	}

	mode, xml, err := CompileInjection(store, from, to)
	if err != nil {
		return nil, err
	}

	pt := &PrepareTurn{
		PrepareID:    uuid.NewString(),
		SessionKey:   sessionKey,
		FromRevision: from,
		ToRevision:   to,
		Mode:         mode,
	}
	if err := store.CreatePrepareTurn(pt); err != nil {
		return nil, err
	}

	s.log.Debug("prepared turn",
		"mode_id", store.modeID, "session_key", sessionKey,
		"injection", mode, "from", from, "to", to, "engine", engine)
	return &PrepareResult{
		PrepareID:    pt.PrepareID,
		Mode:         mode,
		FromRevision: from,
		ToRevision:   to,
		XML:          xml,
	}, nil
}

// AckResult reports the outcome of an ack.
type AckResult struct {
	OK         bool `json:"ok"`
	Idempotent bool `json:"idempotent,omitempty"`
}

// AckTurn finalizes a prepare. Only a successful ack advances the session's
// last acked revision; repeated acks of the same prepare are idempotent.
func (s *Service) AckTurn(modeID, prepareID, sessionKey, status string) (*AckResult, error) {
	if status != AckSuccess && status != AckFailed {
		return nil, fmt.Errorf("%w: status must be success or failed", ErrValidation)
	}

	store, err := s.modes.Store(modeID)
	if err != nil {
		return nil, err
	}

	pt, err := store.GetPrepareTurn(prepareID)
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return nil, fmt.Errorf("%w: prepare %s", ErrNotFound, prepareID)
	}
	if pt.SessionKey != sessionKey {
		return nil, fmt.Errorf("%w: prepare %s belongs to another session", ErrConflict, prepareID)
	}

	transitioned, err := store.AckPrepareTurn(prepareID, status, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return &AckResult{OK: true, Idempotent: true}, nil
	}

	if status == AckSuccess {
		if err := store.UpsertLastAckedRevision(sessionKey, pt.ToRevision); err != nil {
			return nil, err
		}
	}
	if err := store.Checkpoint(); err != nil {
		s.log.Warn("wal checkpoint after ack", "mode_id", store.modeID, "error", err)
	}
	return &AckResult{OK: true}, nil
}

// --- Archival ---

// ArchivalUpsertResult reports a stored archival record.
type ArchivalUpsertResult struct {
	MemoryID string `json:"memoryId"`
	Created  bool   `json:"created"`
}

// ArchivalUpsert embeds and stores one long-term record. A missing memoryId
// gets a generated one.
func (s *Service) ArchivalUpsert(ctx context.Context, modeID, memoryID, name, description, detail, metadataJSON string) (*ArchivalUpsertResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: embedding endpoint not configured", ErrUpstream)
	}
	if strings.TrimSpace(name) == "" && strings.TrimSpace(description) == "" && strings.TrimSpace(detail) == "" {
		return nil, fmt.Errorf("%w: empty archival record", ErrValidation)
	}

	archival, err := s.modes.Archival(modeID)
	if err != nil {
		return nil, err
	}

	memoryID = strings.TrimSpace(memoryID)
	if memoryID == "" {
		memoryID = uuid.NewString()
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}

	vec, err := s.embedder.Embed(ctx, EmbeddingText(name, description, detail))
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrUpstream, err)
	}

	created, err := archival.Upsert(&ArchivalMemory{
		MemoryID:     memoryID,
		Name:         name,
		Description:  description,
		Detail:       detail,
		Embedding:    Normalize(vec),
		MetadataJSON: metadataJSON,
	})
	if err != nil {
		return nil, err
	}
	return &ArchivalUpsertResult{MemoryID: memoryID, Created: created}, nil
}

// ArchivalSearch embeds the query and returns the best-scoring records.
func (s *Service) ArchivalSearch(ctx context.Context, modeID, query string, topK, candidateLimit int, minScore float64) ([]ArchivalHit, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: embedding endpoint not configured", ErrUpstream)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if topK <= 0 {
		topK = DefaultSearchTopK
	}
	if topK > MaxSearchTopK {
		topK = MaxSearchTopK
	}
	if candidateLimit <= 0 {
		candidateLimit = DefaultCandidateLimit
	}

	archival, err := s.modes.Archival(modeID)
	if err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrUpstream, err)
	}
	return archival.Search(Normalize(vec), topK, candidateLimit, minScore)
}

// ArchivalDelete removes one archival record. ErrNotFound when absent.
func (s *Service) ArchivalDelete(modeID, memoryID string) error {
	archival, err := s.modes.Archival(modeID)
	if err != nil {
		return err
	}
	deleted, err := archival.Delete(memoryID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: archival memory %s", ErrNotFound, memoryID)
	}
	return nil
}
