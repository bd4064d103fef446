// Package app composes the gateway's long-lived components into a single
// value: the ConfigRegistry, ContainerManager, SessionManager, Translator,
// and ToolEventHub. HTTP handlers take an explicit *App reference; there
// are no package-level singletons.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agcluster/gateway/internal/agentconfig"
	"github.com/agcluster/gateway/internal/config"
	"github.com/agcluster/gateway/internal/container"
	"github.com/agcluster/gateway/internal/gatewayerr"
	"github.com/agcluster/gateway/internal/harness"
	"github.com/agcluster/gateway/internal/session"
	"github.com/agcluster/gateway/internal/toolhub"
	"github.com/agcluster/gateway/internal/translate"
)

// App is the process's single composition root.
type App struct {
	Config     *config.Config
	Registry   *agentconfig.Registry
	Containers *container.Manager
	Sessions   *session.Manager
	Hub        *toolhub.Hub
	Translator *translate.Translator
	Reaper     *session.Reaper
	StartedAt  time.Time

	log *slog.Logger

	mu      sync.Mutex
	handles map[string]*container.Handle
}

// New composes an App from an already-loaded Config.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := agentconfig.NewRegistry(cfg.Configs.PresetDir, cfg.Configs.CustomDir, logger)
	if err != nil {
		return nil, fmt.Errorf("build config registry: %w", err)
	}

	containers := container.New(cfg.Container, logger)
	sessions := session.New(cfg.Sessions.IdleTimeout)
	hub := toolhub.New()
	tr := translate.New(hub, logger)

	a := &App{
		Config:     cfg,
		Registry:   registry,
		Containers: containers,
		Sessions:   sessions,
		Hub:        hub,
		Translator: tr,
		StartedAt:  time.Now(),
		log:        logger,
		handles:    make(map[string]*container.Handle),
	}
	a.Reaper = session.NewReaper(sessions, evictorFunc(a.evictSession), cfg.Sessions.CleanupInterval, logger)
	return a, nil
}

// evictorFunc adapts a plain function to session.Evictor.
type evictorFunc func(ctx context.Context, containerID string) error

func (f evictorFunc) Teardown(ctx context.Context, containerID string) error { return f(ctx, containerID) }

func (a *App) evictSession(ctx context.Context, containerID string) error {
	handle := a.takeHandleByContainerID(containerID)
	if handle != nil {
		return a.Containers.TeardownHandle(ctx, handle)
	}
	return a.Containers.Teardown(ctx, containerID)
}

// Start begins background work: the config registry's file watcher, the
// idle-session reaper, and orphan reclamation for any containers left
// over from an unclean prior shutdown.
func (a *App) Start(ctx context.Context) error {
	liveIDs := map[string]bool{} // nothing is live yet at cold start
	if err := a.Containers.ReclaimOrphans(ctx, liveIDs); err != nil {
		a.log.Error("failed to reclaim orphaned containers at startup", "error", err)
	}
	if a.Config.Configs.Watch {
		go func() {
			if err := a.Registry.Watch(ctx); err != nil {
				a.log.Error("config registry watch stopped", "error", err)
			}
		}()
	}
	a.Reaper.Start(ctx)
	return nil
}

// Stop halts background work. It does not tear down live sessions; those
// are expected to be drained by the caller before calling Stop.
func (a *App) Stop() {
	a.Reaper.Stop()
}

// apiKeyEnvVar is the name under which AcquireSession forwards the caller's
// API key into the spawned container's environment.
const apiKeyEnvVar = "AGCLUSTER_API_KEY"

// AcquireSession resolves or spawns the session for conversationID, using
// agentCfg to size and configure the container when a new one is needed.
// apiKey is the caller's bearer token; it is forwarded into the container's
// environment alongside agentCfg.Env, per the Spawn protocol's "user API key
// plus config's env" requirement.
func (a *App) AcquireSession(ctx context.Context, conversationID string, agentCfg *agentconfig.AgentConfig, apiKey string, mcpEnv map[string]string) (*session.Session, error) {
	return a.Sessions.Acquire(ctx, conversationID, func(ctx context.Context) (*session.Session, error) {
		sessionID := newSessionID()
		env := map[string]string{}
		for k, v := range agentCfg.Env {
			env[k] = v
		}
		if apiKey != "" {
			env[apiKeyEnvVar] = apiKey
		}
		resolved, err := agentconfig.ResolveMcpEnv(agentCfg.McpServers, mcpEnv)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInvalidConfig, "resolve mcp env", err)
		}
		for _, vars := range resolved {
			for k, v := range vars {
				env[k] = v
			}
		}

		handle, err := a.Containers.Spawn(ctx, sessionID, agentCfg, env)
		if err != nil {
			return nil, err
		}

		a.putHandle(sessionID, handle)
		return &session.Session{
			ID:              sessionID,
			ConversationID:  conversationID,
			AgentConfigID:   agentCfg.ID,
			ContainerID:     handle.ContainerID,
			ContainerIP:     handle.IP,
			Status:          session.StatusReady,
			CreatedAt:       time.Now(),
			LastActivityAt:  time.Now(),
		}, nil
	})
}

// Handle returns the live container handle backing sess, if any.
func (a *App) Handle(sessionID string) (*container.Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[sessionID]
	return h, ok
}

// ReleaseSession tears the session's container down and removes it from
// every index.
func (a *App) ReleaseSession(ctx context.Context, sessionID string) error {
	handle, ok := a.Handle(sessionID)
	if ok {
		if err := a.Containers.TeardownHandle(ctx, handle); err != nil {
			a.log.Error("teardown failed during release", "session_id", sessionID, "error", err)
		}
		a.dropHandle(sessionID)
	}
	a.Sessions.Remove(sessionID)
	return nil
}

// Interrupt sends a best-effort interrupt frame on sessionID's connection.
func (a *App) Interrupt(sessionID string) error {
	handle, ok := a.Handle(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.KindNotFound, "session not found")
	}
	frame, err := harness.EncodeInterrupt()
	if err != nil {
		return err
	}
	return handle.Conn.Send(frame)
}

func (a *App) putHandle(sessionID string, handle *container.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handles[sessionID] = handle
}

func (a *App) dropHandle(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handles, sessionID)
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}

func (a *App) takeHandleByContainerID(containerID string) *container.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, h := range a.handles {
		if h.ContainerID == containerID {
			delete(a.handles, id)
			return h
		}
	}
	return nil
}
