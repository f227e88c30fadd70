package mecho

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into a vector. Satisfied by EmbeddingClient; tests
// substitute a deterministic implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingClient calls an external embedding HTTP endpoint. Older
// deployments of the endpoint serve /v1/embeddings; newer ones dropped the
// version prefix, so a 404 on the legacy path falls through to /embeddings.
type EmbeddingClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewEmbeddingClient creates a client for the given endpoint base URL.
func NewEmbeddingClient(baseURL, apiKey, model string) *EmbeddingClient {
	return &EmbeddingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// Embed requests an embedding for text. The response body is decoded
// tolerantly: a bare array of numbers, the OpenAI-style nested object, and
// an array-of-objects shape are all accepted.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}

	paths := []string{"/v1/embeddings", "/embeddings"}
	var lastErr error
	for i, path := range paths {
		vec, status, err := c.post(ctx, c.baseURL+path, body)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		// Only a 404 on the legacy path justifies trying the modern one.
		if i == 0 && status != http.StatusNotFound {
			break
		}
	}
	return nil, lastErr
}

func (c *EmbeddingClient) post(ctx context.Context, url string, body []byte) ([]float32, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("embedding endpoint %s: status %d: %s",
			url, resp.StatusCode, truncateBody(data))
	}

	vec, err := decodeEmbedding(data)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return vec, resp.StatusCode, nil
}

// decodeEmbedding accepts the handful of shapes embedding endpoints emit.
func decodeEmbedding(data []byte) ([]float32, error) {
	// Bare array of numbers.
	var flat []float32
	if err := json.Unmarshal(data, &flat); err == nil && len(flat) > 0 {
		return flat, nil
	}

	// OpenAI-style: {"data":[{"embedding":[...]}]}.
	var nested struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &nested); err == nil {
		if len(nested.Data) > 0 && len(nested.Data[0].Embedding) > 0 {
			return nested.Data[0].Embedding, nil
		}
		if len(nested.Embedding) > 0 {
			return nested.Embedding, nil
		}
	}

	// Bare array of objects: [{"embedding":[...]}].
	var objects []struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &objects); err == nil && len(objects) > 0 && len(objects[0].Embedding) > 0 {
		return objects[0].Embedding, nil
	}

	return nil, fmt.Errorf("unrecognized embedding response shape")
}

// EmbeddingText builds the canonical text embedded for an archival record.
func EmbeddingText(name, description, detail string) string {
	return fmt.Sprintf("name: %s\ndescription: %s\ndetail: %s",
		strings.TrimSpace(name), strings.TrimSpace(description), strings.TrimSpace(detail))
}

// Normalize scales v to unit length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
