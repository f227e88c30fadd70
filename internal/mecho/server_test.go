package mecho

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	svc := NewService(mgr, &fakeEmbedder{}, nil)
	ts := httptest.NewServer(NewServer(svc, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var out map[string]string
	if code := doJSON(t, ts, http.MethodGet, "/health", nil, &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out["status"] != "ok" {
		t.Fatalf("body = %v", out)
	}
}

func TestTurnFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	if code := doJSON(t, ts, http.MethodPost, "/v1/mode/create",
		map[string]any{"modeId": "m1"}, nil); code != http.StatusOK {
		t.Fatalf("mode create status = %d", code)
	}

	var put struct {
		OK       bool  `json:"ok"`
		Revision int64 `json:"revision"`
	}
	code := doJSON(t, ts, http.MethodPut, "/v1/memory/curated",
		map[string]any{"modeId": "m1", "memoryId": "c1", "name": "N", "description": "D", "detail": "T"}, &put)
	if code != http.StatusOK || !put.OK || put.Revision != 1 {
		t.Fatalf("put curated: code=%d body=%+v", code, put)
	}

	var prep PrepareResult
	code = doJSON(t, ts, http.MethodPost, "/v1/turn/prepare",
		map[string]any{"modeId": "m1", "sessionKey": "m1:p:u:ch_1", "engine": "primary"}, &prep)
	if code != http.StatusOK {
		t.Fatalf("prepare status = %d", code)
	}
	if prep.Mode != "full" || prep.FromRevision != 0 || prep.ToRevision != 1 {
		t.Fatalf("prepare = %+v", prep)
	}
	if !strings.Contains(prep.XML, "memory_context") || !strings.Contains(prep.XML, "N") {
		t.Fatalf("prepare xml = %q", prep.XML)
	}

	var ack AckResult
	code = doJSON(t, ts, http.MethodPost, "/v1/turn/ack",
		map[string]any{"modeId": "m1", "prepareId": prep.PrepareID, "sessionKey": "m1:p:u:ch_1", "status": "success"}, &ack)
	if code != http.StatusOK || !ack.OK {
		t.Fatalf("ack: code=%d body=%+v", code, ack)
	}

	code = doJSON(t, ts, http.MethodPost, "/v1/turn/prepare",
		map[string]any{"modeId": "m1", "sessionKey": "m1:p:u:ch_1", "engine": "primary"}, &prep)
	if code != http.StatusOK || prep.Mode != "none" || prep.XML != "" {
		t.Fatalf("second prepare: code=%d body=%+v", code, prep)
	}
}

func TestValidationAndNotFoundStatuses(t *testing.T) {
	ts := newTestServer(t)

	// Invalid mode id.
	if code := doJSON(t, ts, http.MethodPost, "/v1/mode/create",
		map[string]any{"modeId": "!!!"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad mode id status = %d", code)
	}

	// Unknown mode.
	if code := doJSON(t, ts, http.MethodGet, "/v1/memory/core?modeId=ghost", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown mode status = %d", code)
	}

	if code := doJSON(t, ts, http.MethodPost, "/v1/mode/create",
		map[string]any{"modeId": "m1"}, nil); code != http.StatusOK {
		t.Fatal("mode create failed")
	}

	// Core unset.
	if code := doJSON(t, ts, http.MethodGet, "/v1/memory/core?modeId=m1", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unset core status = %d", code)
	}

	// Oversized description.
	long := strings.Repeat("x", CuratedDescriptionMax+1)
	if code := doJSON(t, ts, http.MethodPut, "/v1/memory/curated",
		map[string]any{"modeId": "m1", "memoryId": "c1", "description": long}, nil); code != http.StatusBadRequest {
		t.Fatalf("oversized description status = %d", code)
	}

	// Deleting a missing curated record.
	if code := doJSON(t, ts, http.MethodDelete, "/v1/memory/curated",
		map[string]any{"modeId": "m1", "memoryId": "ghost"}, nil); code != http.StatusNotFound {
		t.Fatalf("missing curated delete status = %d", code)
	}

	// Unknown prepare id.
	if code := doJSON(t, ts, http.MethodPost, "/v1/turn/ack",
		map[string]any{"modeId": "m1", "prepareId": "nope", "sessionKey": "k", "status": "success"}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown prepare status = %d", code)
	}
}

func TestAckSessionMismatchConflicts(t *testing.T) {
	ts := newTestServer(t)

	doJSON(t, ts, http.MethodPost, "/v1/mode/create", map[string]any{"modeId": "m1"}, nil)
	doJSON(t, ts, http.MethodPut, "/v1/memory/curated",
		map[string]any{"modeId": "m1", "memoryId": "c1", "name": "N"}, nil)

	var prep PrepareResult
	doJSON(t, ts, http.MethodPost, "/v1/turn/prepare",
		map[string]any{"modeId": "m1", "sessionKey": "session-a", "engine": "primary"}, &prep)

	code := doJSON(t, ts, http.MethodPost, "/v1/turn/ack",
		map[string]any{"modeId": "m1", "prepareId": prep.PrepareID, "sessionKey": "session-b", "status": "success"}, nil)
	if code != http.StatusConflict {
		t.Fatalf("mismatched ack status = %d, want 409", code)
	}
}

func TestCoreRoundTripOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	doJSON(t, ts, http.MethodPost, "/v1/mode/create", map[string]any{"modeId": "m1"}, nil)

	code := doJSON(t, ts, http.MethodPut, "/v1/memory/core",
		map[string]any{"modeId": "m1", "name": "persona", "description": "desc", "detail": "detail"}, nil)
	if code != http.StatusOK {
		t.Fatalf("put core status = %d", code)
	}

	var core coreResponse
	code = doJSON(t, ts, http.MethodGet, "/v1/memory/core?modeId=m1", nil, &core)
	if code != http.StatusOK || core.Name != "persona" || core.Detail != "detail" {
		t.Fatalf("get core: code=%d body=%+v", code, core)
	}
}

func TestModeListAndDeleteOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	doJSON(t, ts, http.MethodPost, "/v1/mode/create", map[string]any{"modeId": "b"}, nil)
	doJSON(t, ts, http.MethodPost, "/v1/mode/create", map[string]any{"modeId": "a"}, nil)

	var list struct {
		Modes []string `json:"modes"`
	}
	if code := doJSON(t, ts, http.MethodGet, "/v1/mode/list", nil, &list); code != http.StatusOK {
		t.Fatalf("mode list status = %d", code)
	}
	if len(list.Modes) != 2 || list.Modes[0] != "a" || list.Modes[1] != "b" {
		t.Fatalf("modes = %v", list.Modes)
	}

	if code := doJSON(t, ts, http.MethodPost, "/v1/mode/delete",
		map[string]any{"modeId": "a"}, nil); code != http.StatusOK {
		t.Fatalf("mode delete status = %d", code)
	}
	if code := doJSON(t, ts, http.MethodPost, "/v1/mode/delete",
		map[string]any{"modeId": "a"}, nil); code != http.StatusNotFound {
		t.Fatalf("repeat mode delete status = %d", code)
	}
}
