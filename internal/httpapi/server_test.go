package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agcluster/gateway/internal/app"
	"github.com/agcluster/gateway/internal/config"
)

func writePreset(t *testing.T, dir, id string) {
	t.Helper()
	body := "id: " + id + "\nname: " + id + "\nallowed_tools: [read_file]\nsystem_prompt: \"be helpful\"\n"
	if err := os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write preset: %v", err)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	presetDir := t.TempDir()
	customDir := t.TempDir()
	writePreset(t, presetDir, "default")

	cfg := config.Default()
	cfg.Configs.PresetDir = presetDir
	cfg.Configs.CustomDir = customDir
	cfg.Configs.Watch = false

	a, err := app.New(cfg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return New(a, nil)
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", body)
	}
	if _, ok := body["configs"]; !ok {
		t.Fatalf("expected configs count in body, got %+v", body)
	}
}

func TestHandleListConfigs(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/configs/", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Configs []any `json:"configs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Configs) != 1 {
		t.Fatalf("expected 1 config, got %d", len(body.Configs))
	}
}

func TestHandleGetConfig_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/configs/nonexistent", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandlePutCustomConfig_ValidationFailure(t *testing.T) {
	s := newTestServer(t)
	body := `{"id": "", "name": "bad"}`
	req := httptest.NewRequest(http.MethodPost, "/api/configs/custom", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlePutCustomConfig_Success(t *testing.T) {
	s := newTestServer(t)
	body := `{"id": "custom-1", "name": "custom-1", "allowed_tools": ["read_file"], "system_prompt": "be helpful"}`
	req := httptest.NewRequest(http.MethodPost, "/api/configs/custom", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	get := httptest.NewRequest(http.MethodGet, "/api/configs/custom-1", nil)
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, get)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected the custom config to be retrievable, got %d", getW.Code)
	}
}

func TestHandleListSessions_StartsEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agents/sessions", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Sessions []any `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(body.Sessions))
	}
}

func TestHandleGetSession_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agents/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleInterrupt_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/agents/sessions/nonexistent/interrupt", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleDeleteSession_UnknownSessionIsNotAnError(t *testing.T) {
	// ReleaseSession tears down whatever handle exists (none here) and then
	// removes the session from the index; removing an absent session is a
	// no-op, so this is still a 204.
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/agents/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestHandleToolStream_UnknownSessionIsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tools/nonexistent/stream", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleChatCompletions_RequiresBearerToken(t *testing.T) {
	s := newTestServer(t)
	body := `{"model": "default", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleChatCompletions_RejectsMissingUserMessage(t *testing.T) {
	s := newTestServer(t)
	body := `{"model": "default", "messages": [{"role": "system", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(req); got != "" {
		t.Fatalf("expected empty token for missing header, got %q", got)
	}
	req.Header.Set("Authorization", "Bearer sk-abc123")
	if got := bearerToken(req); got != "sk-abc123" {
		t.Fatalf("expected sk-abc123, got %q", got)
	}
	req.Header.Set("Authorization", "Basic xyz")
	if got := bearerToken(req); got != "" {
		t.Fatalf("expected empty token for non-bearer scheme, got %q", got)
	}
}
