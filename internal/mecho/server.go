package mecho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the HTTP front of the memory service.
type Server struct {
	svc    *Service
	log    *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(svc *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, log: logger, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /v1/turn/prepare", s.handlePrepare)
	s.mux.HandleFunc("POST /v1/turn/ack", s.handleAck)

	s.mux.HandleFunc("GET /v1/memory/core", s.handleGetCore)
	s.mux.HandleFunc("PUT /v1/memory/core", s.handlePutCore)
	s.mux.HandleFunc("GET /v1/memory/curated", s.handleListCurated)
	s.mux.HandleFunc("GET /v1/memory/curated/detail", s.handleGetCurated)
	s.mux.HandleFunc("PUT /v1/memory/curated", s.handlePutCurated)
	s.mux.HandleFunc("DELETE /v1/memory/curated", s.handleDeleteCurated)

	s.mux.HandleFunc("POST /v1/archival/search", s.handleArchivalSearch)
	s.mux.HandleFunc("POST /v1/archival/upsert", s.handleArchivalUpsert)
	s.mux.HandleFunc("DELETE /v1/archival", s.handleArchivalDelete)

	s.mux.HandleFunc("GET /v1/mode/list", s.handleModeList)
	s.mux.HandleFunc("POST /v1/mode/create", s.handleModeCreate)
	s.mux.HandleFunc("POST /v1/mode/delete", s.handleModeDelete)
}

// Handler exposes the route mux, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Handle registers an extra route on the service mux. The orchestrator uses
// this to publish read-only status endpoints next to the memory API.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	s.log.Info("memory service listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("memory service: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps the service error categories onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrModeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUpstream):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("memory service internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// sanitized validates a raw mode id, writing a 400 on failure.
func sanitized(w http.ResponseWriter, raw string) (string, bool) {
	modeID, err := SanitizeModeID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return modeID, true
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID     string `json:"modeId"`
		SessionKey string `json:"sessionKey"`
		Engine     string `json:"engine"`
		ForceFull  bool   `json:"forceFull"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	res, err := s.svc.PrepareTurn(modeID, req.SessionKey, req.Engine, req.ForceFull)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID     string `json:"modeId"`
		PrepareID  string `json:"prepareId"`
		SessionKey string `json:"sessionKey"`
		Status     string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}
	if req.PrepareID == "" {
		writeError(w, http.StatusBadRequest, "prepareId is required")
		return
	}

	res, err := s.svc.AckTurn(modeID, req.PrepareID, req.SessionKey, req.Status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type coreResponse struct {
	ModeID      string `json:"modeId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
	UpdatedAt   string `json:"updatedAt"`
}

func (s *Server) handleGetCore(w http.ResponseWriter, r *http.Request) {
	modeID, ok := sanitized(w, r.URL.Query().Get("modeId"))
	if !ok {
		return
	}
	core, err := s.svc.GetCore(modeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coreResponse{
		ModeID:      core.ModeID,
		Name:        core.Name,
		Description: core.Description,
		Detail:      core.Detail,
		UpdatedAt:   core.UpdatedAt,
	})
}

func (s *Server) handlePutCore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID      string `json:"modeId"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Detail      string `json:"detail"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	rev, err := s.svc.UpsertCore(modeID, req.Name, req.Description, req.Detail)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}

type curatedSummary struct {
	MemoryID    string `json:"memoryId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	UpdatedAt   string `json:"updatedAt"`
}

func (s *Server) handleListCurated(w http.ResponseWriter, r *http.Request) {
	modeID, ok := sanitized(w, r.URL.Query().Get("modeId"))
	if !ok {
		return
	}
	memories, err := s.svc.ListCurated(modeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]curatedSummary, 0, len(memories))
	for _, m := range memories {
		out = append(out, curatedSummary{
			MemoryID:    m.MemoryID,
			Name:        m.Name,
			Description: m.Description,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

func (s *Server) handleGetCurated(w http.ResponseWriter, r *http.Request) {
	modeID, ok := sanitized(w, r.URL.Query().Get("modeId"))
	if !ok {
		return
	}
	memoryID := r.URL.Query().Get("memoryId")
	if memoryID == "" {
		writeError(w, http.StatusBadRequest, "memoryId is required")
		return
	}

	m, err := s.svc.GetCurated(modeID, memoryID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memoryId":    m.MemoryID,
		"name":        m.Name,
		"description": m.Description,
		"detail":      m.Detail,
		"updatedAt":   m.UpdatedAt,
	})
}

func (s *Server) handlePutCurated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID      string `json:"modeId"`
		MemoryID    string `json:"memoryId"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Detail      string `json:"detail"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	rev, err := s.svc.UpsertCurated(modeID, req.MemoryID, req.Name, req.Description, req.Detail)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}

func (s *Server) handleDeleteCurated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID   string `json:"modeId"`
		MemoryID string `json:"memoryId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	rev, err := s.svc.DeleteCurated(modeID, req.MemoryID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": rev})
}

func (s *Server) handleArchivalSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID         string  `json:"modeId"`
		Query          string  `json:"query"`
		TopK           int     `json:"topK"`
		CandidateLimit int     `json:"candidateLimit"`
		MinScore       float64 `json:"minScore"`
		IncludeDetail  bool    `json:"includeDetail"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	hits, err := s.svc.ArchivalSearch(r.Context(), modeID, req.Query, req.TopK, req.CandidateLimit, req.MinScore)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	type hit struct {
		MemoryID    string  `json:"memoryId"`
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Detail      string  `json:"detail,omitempty"`
		Score       float64 `json:"score"`
	}
	out := make([]hit, 0, len(hits))
	for _, h := range hits {
		item := hit{
			MemoryID:    h.Memory.MemoryID,
			Name:        h.Memory.Name,
			Description: h.Memory.Description,
			Score:       h.Score,
		}
		if req.IncludeDetail {
			item.Detail = h.Memory.Detail
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleArchivalUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID      string          `json:"modeId"`
		MemoryID    string          `json:"memoryId"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Detail      string          `json:"detail"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	res, err := s.svc.ArchivalUpsert(r.Context(), modeID, req.MemoryID, req.Name, req.Description, req.Detail, string(req.Metadata))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleArchivalDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID   string `json:"modeId"`
		MemoryID string `json:"memoryId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	modeID, ok := sanitized(w, req.ModeID)
	if !ok {
		return
	}

	if err := s.svc.ArchivalDelete(modeID, req.MemoryID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModeList(w http.ResponseWriter, r *http.Request) {
	modes, err := s.svc.Modes().ListModes()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if modes == nil {
		modes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"modes": modes})
}

func (s *Server) handleModeCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID string `json:"modeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	modeID, err := s.svc.Modes().CreateMode(req.ModeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "modeId": modeID})
}

func (s *Server) handleModeDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModeID string `json:"modeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.svc.Modes().DeleteMode(req.ModeID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
