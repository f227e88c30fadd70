// Package client is the runner-side face of the memory service: it wraps an
// agent invocation in the prepare/ack protocol and degrades to a plain run
// whenever the service is unreachable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ack statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Prepared is the state carried from a prepare to its ack.
type Prepared struct {
	ModeID     string
	SessionKey string
	PrepareID  string
	Mode       string
	XML        string
}

// Client talks to the memory service over HTTP. A nil client or an empty
// base URL means memory is disabled and every call is a no-op.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New creates a client. baseURL empty disables the client.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}
}

// Enabled reports whether the client points at a service.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// BaseURL returns the configured service URL.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// SessionKey builds the sync key for a (mode, engine, user, context) tuple.
// The engine collapses to its first letter so primary and secondary sessions
// sync independently without bloating the key.
func SessionKey(modeID, engine, userID, contextID string) string {
	initial := "p"
	if engine != "" {
		initial = engine[:1]
	}
	return fmt.Sprintf("%s:%s:%s:%s", modeID, initial, userID, contextID)
}

// WrapPrompt runs the prepare phase and returns the effective prompt. On any
// failure (or when disabled, or the mode is empty) the original prompt comes
// back with a nil Prepared: the run proceeds without injection. forceFull is
// set on the first turn of a fresh agent session.
func (c *Client) WrapPrompt(ctx context.Context, modeID, sessionKey, engine, prompt string, forceFull bool) (string, *Prepared) {
	if !c.Enabled() || modeID == "" {
		return prompt, nil
	}

	var res struct {
		PrepareID    string `json:"prepareId"`
		Mode         string `json:"mode"`
		FromRevision int64  `json:"fromRevision"`
		ToRevision   int64  `json:"toRevision"`
		XML          string `json:"xml"`
	}
	err := c.postJSON(ctx, "/v1/turn/prepare", map[string]any{
		"modeId":     modeID,
		"sessionKey": sessionKey,
		"engine":     engine,
		"forceFull":  forceFull,
	}, &res)
	if err != nil {
		c.log.Warn("memory prepare failed, running without injection",
			"mode_id", modeID, "session_key", sessionKey, "error", err)
		return prompt, nil
	}

	p := &Prepared{
		ModeID:     modeID,
		SessionKey: sessionKey,
		PrepareID:  res.PrepareID,
		Mode:       res.Mode,
		XML:        res.XML,
	}
	if (res.Mode == "full" || res.Mode == "delta") && res.XML != "" {
		return res.XML + "\n\n" + prompt, p
	}
	return prompt, p
}

// Finish acks a prepare. Ack failures are logged and swallowed; they never
// change the run's outcome.
func (c *Client) Finish(ctx context.Context, p *Prepared, success bool) {
	if !c.Enabled() || p == nil {
		return
	}
	status := StatusFailed
	if success {
		status = StatusSuccess
	}
	err := c.postJSON(ctx, "/v1/turn/ack", map[string]any{
		"modeId":     p.ModeID,
		"prepareId":  p.PrepareID,
		"sessionKey": p.SessionKey,
		"status":     status,
	}, nil)
	if err != nil {
		c.log.Warn("memory ack failed",
			"mode_id", p.ModeID, "prepare_id", p.PrepareID, "status", status, "error", err)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
	}
	return nil
}
