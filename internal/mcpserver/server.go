// Package mcpserver exposes orchestrator state as MCP (Model Context
// Protocol) tools over stdio JSON-RPC, so agent CLIs spawned by the queue
// can inspect the queue, stored sessions, and archival memory. Queue and
// memory data come from the running instance's HTTP surface; sessions are
// read straight from the SQLite store.
package mcpserver

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rkka02/rikoclaw/internal/config"
	"github.com/rkka02/rikoclaw/internal/db"
)

// Server holds the tool dependencies.
type Server struct {
	apiURL string
	store  *db.DB
	http   *http.Client
}

// NewServer builds a server against the given service URL and session store.
// store may be nil when the database is unavailable; session tools then
// report an error per call.
func NewServer(apiURL string, store *db.DB) *Server {
	return &Server{
		apiURL: apiURL,
		store:  store,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Run starts the MCP stdio server. The service URL comes from MECHO_API_URL
// (set by the queue for spawned agents) with the configured value as
// fallback. Blocks until stdin closes.
func Run(cfg config.Config) error {
	apiURL := os.Getenv("MECHO_API_URL")
	if apiURL == "" {
		apiURL = cfg.MechoAPIURL
	}

	var store *db.DB
	if cfg.DataDir != "" {
		if opened, err := db.Open(filepath.Join(cfg.DataDir, "sessions.db"), nil); err == nil {
			store = opened
			defer store.Close() //nolint:errcheck
		} else {
			log.Printf("[mcp] session store unavailable: %v", err)
		}
	}

	s := NewServer(apiURL, store)

	mcpServer := server.NewMCPServer(
		"rikoclaw",
		config.Version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(
		server.ServerTool{Tool: queueStatusTool(), Handler: s.handleQueueStatus},
		server.ServerTool{Tool: listSessionsTool(), Handler: s.handleListSessions},
		server.ServerTool{Tool: memorySearchTool(), Handler: s.handleMemorySearch},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(context.Background(), os.Stdin, os.Stdout)
}
