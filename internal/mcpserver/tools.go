package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool Definitions ---

func queueStatusTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"queue_status",
		"Show the orchestrator task queue: running tasks with elapsed time, pending task keys, and capacity limits.",
		json.RawMessage(`{
			"type": "object",
			"properties": {}
		}`),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_sessions",
		"List stored agent sessions with usage bookkeeping, newest first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"engine": {
					"type": "string",
					"enum": ["primary", "secondary"],
					"description": "Filter by engine slot (optional)"
				}
			}
		}`),
	)
}

func memorySearchTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"memory_search",
		"Semantic search over a memory mode's archival store.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"mode_id": {
					"type": "string",
					"description": "Memory mode to search"
				},
				"query": {
					"type": "string",
					"description": "Natural-language search query"
				},
				"top_k": {
					"type": "integer",
					"description": "Number of results (default 8, max 50)"
				},
				"include_detail": {
					"type": "boolean",
					"description": "Include full detail text in results"
				}
			},
			"required": ["mode_id", "query"]
		}`),
	)
}

// --- Tool Handlers ---

func (s *Server) handleQueueStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.apiURL == "" {
		return mcp.NewToolResultError("no orchestrator API configured (MECHO_API_URL is unset)"), nil
	}
	body, err := s.get(ctx, "/v1/queue/status")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("queue status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// sessionResult mirrors the list_sessions response rows.
type sessionResult struct {
	UserID        string `json:"user_id"`
	ContextID     string `json:"context_id"`
	Engine        string `json:"engine"`
	SessionID     string `json:"session_id"`
	LastUsedAt    string `json:"last_used_at"`
	MessageCount  int    `json:"message_count"`
	ContextTokens int64  `json:"context_tokens"`
	ContextWindow int64  `json:"context_window"`
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("session store unavailable"), nil
	}

	var args struct {
		Engine string `json:"engine"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	sessions, err := s.store.ListSessions(args.Engine)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
	}

	results := make([]sessionResult, len(sessions))
	for i, sess := range sessions {
		results[i] = sessionResult{
			UserID:        sess.UserID,
			ContextID:     sess.ContextID,
			Engine:        sess.Engine,
			SessionID:     sess.SessionID,
			LastUsedAt:    sess.LastUsedAt,
			MessageCount:  sess.MessageCount,
			ContextTokens: sess.CumulativeContextTokens,
			ContextWindow: sess.ContextWindow,
		}
	}
	return resultJSON(results)
}

// memorySearchArgs mirrors the memory_search schema.
type memorySearchArgs struct {
	ModeID        string `json:"mode_id"`
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	IncludeDetail bool   `json:"include_detail"`
}

func (s *Server) handleMemorySearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.apiURL == "" {
		return mcp.NewToolResultError("no memory service configured (MECHO_API_URL is unset)"), nil
	}

	var args memorySearchArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ModeID == "" || args.Query == "" {
		return mcp.NewToolResultError("mode_id and query are required"), nil
	}

	payload := map[string]any{
		"modeId":        args.ModeID,
		"query":         args.Query,
		"includeDetail": args.IncludeDetail,
	}
	if args.TopK > 0 {
		payload["topK"] = args.TopK
	}
	body, err := s.post(ctx, "/v1/archival/search", payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("memory search: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// --- HTTP helpers ---

func (s *Server) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *Server) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *Server) do(req *http.Request) ([]byte, error) {
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
