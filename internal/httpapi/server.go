// Package httpapi is the HTTP Front: the REST/SSE surface the gateway
// exposes to OpenAI-compatible clients and to the agent-launch/session/
// config/tool-stream management API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agcluster/gateway/internal/agentconfig"
	"github.com/agcluster/gateway/internal/app"
	"github.com/agcluster/gateway/internal/container"
	"github.com/agcluster/gateway/internal/gatewayerr"
	"github.com/agcluster/gateway/internal/session"
	"github.com/agcluster/gateway/internal/translate"
)

// sseWriteTimeout bounds how long a subscriber may go without being able
// to accept a flushed write before it is dropped.
const sseWriteTimeout = 60 * time.Second

// defaultConfigID is used when a request names no config and no session.
const defaultConfigID = "default"

// Server is the HTTP Front.
type Server struct {
	app *app.App
	log *slog.Logger
	mux *http.ServeMux
}

// New builds the HTTP Front's handler. logger may be nil.
func New(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: a, log: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)

	s.mux.HandleFunc("POST /api/agents/launch", s.handleLaunch)
	s.mux.HandleFunc("GET /api/agents/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/agents/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/agents/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/agents/sessions/{id}/interrupt", s.handleInterrupt)

	s.mux.HandleFunc("GET /api/tools/{id}/stream", s.handleToolStream)

	s.mux.HandleFunc("GET /api/configs/", s.handleListConfigs)
	s.mux.HandleFunc("GET /api/configs/{id}", s.handleGetConfig)
	s.mux.HandleFunc("POST /api/configs/custom", s.handlePutCustomConfig)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.app.StartedAt).Seconds()),
		"sessions":       len(s.app.Sessions.List()),
		"configs":        len(s.app.Registry.List()),
	})
}

// handleChatCompletions implements POST /chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	apiKey := bearerToken(r)
	if apiKey == "" {
		writeError(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "missing Authorization bearer token"), http.StatusUnauthorized)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "malformed request body", err), http.StatusBadRequest)
		return
	}

	userText, err := translate.ExtractUserMessage(&req)
	if err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "no user message", err), http.StatusBadRequest)
		return
	}

	sess, err := s.resolveOrAcquireSession(r, apiKey, req.Model)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	release, err := s.app.Sessions.AcquireTurn(r.Context(), sess.ID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	defer release()

	handle, ok := s.app.Handle(sess.ID)
	if !ok {
		writeError(w, gatewayerr.New(gatewayerr.KindNotFound, "session has no live container"), http.StatusNotFound)
		return
	}

	s.app.Sessions.Touch(sess.ID)
	timeout := s.app.Config.Container.TurnInactivityTimeout

	if req.Stream {
		s.streamChatCompletion(w, r.Context(), sess.ID, handle, userText, timeout)
		return
	}

	resp, err := s.app.Translator.RunNonStreaming(r.Context(), sess.ID, handle.Conn, handle.Events.Events, userText, timeout)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	resp.Model = req.Model
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, ctx context.Context, sessionID string, handle *container.Handle, userText string, timeout time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gatewayerr.New(gatewayerr.KindInternal, "streaming unsupported by response writer"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseChatSink{w: w, flusher: flusher, timeout: sseWriteTimeout}
	err := s.app.Translator.RunStreaming(ctx, sessionID, handle.Conn, handle.Events.Events, userText, timeout, sink)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("streaming turn failed", "session_id", sessionID, "error", err)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) resolveOrAcquireSession(r *http.Request, apiKey, configHint string) (*session.Session, error) {
	if sessionID := r.Header.Get("X-Session-ID"); sessionID != "" {
		sess, err := s.app.Sessions.Get(sessionID)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindNotFound, "session not found", err)
		}
		return sess, nil
	}

	configID := r.URL.Query().Get("config_id")
	if configID == "" {
		configID = defaultConfigID
	}
	cfg, err := s.app.Registry.Get(configID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindNotFound, "unknown agent config", err)
	}

	conversationID := r.Header.Get("X-Conversation-ID")
	if conversationID == "" {
		conversationID = "default:" + configID
	}
	return s.app.AcquireSession(r.Context(), conversationID, cfg, apiKey, nil)
}

// handleLaunch implements POST /api/agents/launch.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey   string                    `json:"api_key"`
		ConfigID string                    `json:"config_id"`
		Config   *agentconfig.AgentConfig  `json:"config"`
		McpEnv   map[string]string         `json:"mcp_env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "malformed request body", err), http.StatusBadRequest)
		return
	}
	if body.APIKey == "" {
		writeError(w, gatewayerr.New(gatewayerr.KindInvalidRequest, "api_key is required"), http.StatusUnauthorized)
		return
	}

	var cfg *agentconfig.AgentConfig
	if body.Config != nil {
		cfg = body.Config
		cfg.ApplyDefaults()
		if errs := agentconfig.Validate(cfg); len(errs) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": errs})
			return
		}
	} else {
		configID := body.ConfigID
		if configID == "" {
			configID = defaultConfigID
		}
		var err error
		cfg, err = s.app.Registry.Get(configID)
		if err != nil {
			writeError(w, gatewayerr.Wrap(gatewayerr.KindNotFound, "unknown agent config", err), http.StatusNotFound)
			return
		}
	}

	// Every launch call gets its own session, never one shared with a prior
	// launch for the same config/key, so the dedup key must be unique per call.
	conversationID := "launch:" + uuid.NewString()
	sess, err := s.app.AcquireSession(r.Context(), conversationID, cfg, body.APIKey, body.McpEnv)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"agent_id":   sess.ContainerID,
		"config_id":  cfg.ID,
		"status":     sess.Status,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.app.Sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindNotFound, "session not found", err), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.ReleaseSession(r.Context(), id); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.Interrupt(id); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleToolStream implements GET /api/tools/:id/stream (§4.5): an SSE
// subscription over the session's ToolEventHub topic.
func (s *Server) handleToolStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.app.Sessions.Get(sessionID); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindNotFound, "session not found", err), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gatewayerr.New(gatewayerr.KindInternal, "streaming unsupported by response writer"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := s.app.Hub.Subscribe(sessionID)
	defer unsubscribe()

	rc := http.NewResponseController(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
			if !ok {
				writeSSE(w, "error", map[string]any{"fatal": true, "message": "subscriber disconnected"})
				flusher.Flush()
				return
			}
			writeSSE(w, "tool", ev)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"configs": s.app.Registry.List()})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindNotFound, "config not found", err), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutCustomConfig(w http.ResponseWriter, r *http.Request) {
	var cfg agentconfig.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInvalidRequest, "malformed config body", err), http.StatusBadRequest)
		return
	}
	if errs := agentconfig.ValidateInline(&cfg); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": errs})
		return
	}
	if err := s.app.Registry.PutCustom(&cfg); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindConflict, "store custom config", err), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	status := gatewayerr.HTTPStatus(err)
	writeError(w, err, status)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// sseChatSink adapts an http.ResponseWriter+Flusher pair to
// translate.StreamSink, enforcing the per-write SSE timeout by dropping
// the write (and ending the turn) if the client stops reading.
type sseChatSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	timeout time.Duration
}

func (s *sseChatSink) WriteChunk(chunk openai.ChatCompletionStreamResponse) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
