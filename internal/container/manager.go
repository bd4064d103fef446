// Package container implements ContainerManager: it spawns one dedicated
// sandboxed container per session, waits for the harness inside it to
// become ready, dials the harness WebSocket, and tears the container down
// again when the session ends.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agcluster/gateway/internal/agentconfig"
	"github.com/agcluster/gateway/internal/backoff"
	"github.com/agcluster/gateway/internal/config"
	"github.com/agcluster/gateway/internal/gatewayerr"
	"github.com/agcluster/gateway/internal/harness"
)

// containerCreateMaxAttempts bounds retries of the docker create/start
// calls; only transient failures (per gatewayerr.IsTransient) consume more
// than one attempt.
const containerCreateMaxAttempts = 3

// handshakeReadDeadline bounds how long awaitReady waits, after a successful
// WebSocket handshake, for the harness's first event.
const handshakeReadDeadline = 2 * time.Second

// orphanLabel marks every container the gateway spawns, so a cold start can
// tell its own containers apart from anything else running on the host.
const orphanLabel = "agcluster=true"

// Handle is everything a live container needs to be addressed and torn down.
type Handle struct {
	ContainerID string
	IP          string
	Conn        *Connection
	Events      *EventStream
}

// Manager is the gateway's ContainerManager.
type Manager struct {
	cfg config.ContainerConfig
	log *slog.Logger
}

// New constructs a Manager. logger may be nil.
func New(cfg config.ContainerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, log: logger}
}

// Spawn creates and starts a container for sessionID using agentCfg's
// resource caps and env, waits for the harness to accept connections, and
// dials it. On any failure the container (if created) is removed before
// returning.
func (m *Manager) Spawn(ctx context.Context, sessionID string, agentCfg *agentconfig.AgentConfig, env map[string]string) (*Handle, error) {
	resources := agentCfg.Resources
	args := m.createArgs(sessionID, resources, agentCfg.Cwd, agentCfg.ID, env)

	containerID, err := m.retryDockerStep(ctx, func(ctx context.Context) (string, error) {
		return m.dockerCapture(ctx, args...)
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.retryDockerStep(ctx, func(ctx context.Context) (string, error) {
		return m.dockerCapture(ctx, "start", containerID)
	}); err != nil {
		m.bestEffortRemove(containerID)
		return nil, err
	}

	ip, err := m.inspectIP(ctx, containerID)
	if err != nil {
		m.bestEffortRemove(containerID)
		return nil, gatewayerr.Wrap(gatewayerr.KindUnavailable, "inspect agent container", err)
	}

	addr := fmt.Sprintf("ws://%s:%d", ip, m.cfg.Port)
	if err := m.awaitReady(ctx, ip); err != nil {
		m.bestEffortRemove(containerID)
		return nil, err
	}

	conn, err := Dial(ctx, addr)
	if err != nil {
		m.bestEffortRemove(containerID)
		return nil, gatewayerr.Wrap(gatewayerr.KindUnavailable, "dial agent harness", err)
	}

	return &Handle{ContainerID: containerID, IP: ip, Conn: conn, Events: StreamEvents(conn)}, nil
}

// TeardownHandle runs the full teardown protocol for a live handle: a
// best-effort shutdown frame, closing the socket, then the usual
// stop-then-remove container teardown.
func (m *Manager) TeardownHandle(ctx context.Context, handle *Handle) error {
	if handle.Conn != nil {
		if frame, err := harness.EncodeShutdown(); err == nil {
			_ = handle.Conn.Send(frame)
		}
		_ = handle.Conn.Close()
	}
	return m.Teardown(ctx, handle.ContainerID)
}

// awaitReady polls the harness's WebSocket endpoint with a doubling backoff
// until a handshake succeeds and the first event it sends is a system(init)
// or system(ready), or the readiness deadline elapses.
func (m *Manager) awaitReady(ctx context.Context, ip string) error {
	deadline := time.Now().Add(m.cfg.ReadinessDeadline)
	policy := backoff.BackoffPolicy{
		InitialMs: float64(m.cfg.ReadinessPollInitial.Milliseconds()),
		MaxMs:     float64(m.cfg.ReadinessPollMax.Milliseconds()),
		Factor:    2,
		Jitter:    0.1,
	}

	addr := fmt.Sprintf("ws://%s:%d", ip, m.cfg.Port)
	attempt := 1
	var lastErr error
	for {
		if err := m.probeHandshake(ctx, addr); err != nil {
			lastErr = err
		} else {
			return nil
		}
		if time.Now().After(deadline) {
			return gatewayerr.Wrap(gatewayerr.KindTimeout, fmt.Sprintf("agent harness at %s did not become ready within %s", addr, m.cfg.ReadinessDeadline), lastErr)
		}
		if sleepErr := backoff.SleepWithContext(ctx, backoff.ComputeBackoff(policy, attempt)); sleepErr != nil {
			return gatewayerr.Wrap(gatewayerr.KindTimeout, "readiness wait cancelled", sleepErr)
		}
		attempt++
	}
}

// probeHandshake dials addr, completes the WebSocket handshake, and reads
// the first frame, requiring it to decode as a system event in phase init
// or ready within handshakeReadDeadline. The probe connection is always
// closed; Spawn dials a fresh connection for the session once this passes.
func (m *Manager) probeHandshake(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeReadDeadline)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeReadDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read first harness frame: %w", err)
	}
	ev, err := harness.DecodeEvent(data)
	if err != nil {
		return fmt.Errorf("decode first harness frame: %w", err)
	}
	if ev.Kind != harness.KindSystem || (ev.Phase != harness.SystemInit && ev.Phase != harness.SystemReady) {
		return fmt.Errorf("first harness frame was %s/%s, not system(init|ready)", ev.Kind, ev.Phase)
	}
	return nil
}

// retryDockerStep runs fn, retrying with policy's backoff when the
// classified error is transient (gatewayerr.KindUnavailable), up to
// containerCreateMaxAttempts. A non-transient error (e.g. resource
// exhaustion) short-circuits the remaining attempts.
func (m *Manager) retryDockerStep(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result, err := backoff.RetryWithBackoff(retryCtx, backoff.DefaultPolicy(), containerCreateMaxAttempts, func(attempt int) (string, error) {
		value, rawErr := fn(ctx)
		if rawErr == nil {
			return value, nil
		}
		classified := classifyDockerError(rawErr)
		if !gatewayerr.IsTransient(classified) {
			cancel()
		}
		return "", classified
	})
	if err == nil {
		return result.Value, nil
	}
	if result.LastError != nil {
		return "", result.LastError
	}
	return "", gatewayerr.Wrap(gatewayerr.KindUnavailable, "docker command failed", err)
}

// classifyDockerError maps a raw docker CLI failure to a gatewayerr Kind:
// quota-shaped messages become KindResourceExhausted (not retried), anything
// else is treated as a transient runtime hiccup (KindUnavailable, retried).
func classifyDockerError(err error) *gatewayerr.Error {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"no space left on device",
		"cannot allocate memory",
		"disk quota exceeded",
		"out of memory",
	} {
		if strings.Contains(msg, needle) {
			return gatewayerr.Wrap(gatewayerr.KindResourceExhausted, "runtime rejected container for quota reasons", err)
		}
	}
	return gatewayerr.Wrap(gatewayerr.KindUnavailable, "container runtime call failed", err)
}

// Teardown sends a shutdown signal, stops, and removes a container. It is
// idempotent: tearing down an already-removed container is not an error.
func (m *Manager) Teardown(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	grace := fmt.Sprintf("%d", int(m.cfg.TeardownGrace.Seconds()))
	if _, err := m.dockerCapture(ctx, "stop", "-t", grace, containerID); err != nil {
		m.log.Warn("container stop failed, forcing removal", "container_id", containerID, "error", err)
	}
	if _, err := m.dockerCapture(ctx, "rm", "-f", containerID); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return gatewayerr.Wrap(gatewayerr.KindInternal, "remove agent container", err)
	}
	return nil
}

// ReclaimOrphans lists every container this gateway has ever labeled and
// removes the ones not present in liveContainerIDs. Called once at startup
// to clean up after an unclean shutdown.
func (m *Manager) ReclaimOrphans(ctx context.Context, liveContainerIDs map[string]bool) error {
	out, err := m.dockerCapture(ctx, "ps", "-a", "--filter", "label="+orphanLabel, "--format", "{{.ID}}")
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, "list labeled containers", err)
	}
	for _, id := range strings.Fields(out) {
		if liveContainerIDs[id] {
			continue
		}
		if err := m.Teardown(ctx, id); err != nil {
			m.log.Error("failed to reclaim orphaned container", "container_id", id, "error", err)
			continue
		}
		m.log.Info("reclaimed orphaned agent container", "container_id", id)
	}
	return nil
}

func (m *Manager) createArgs(sessionID string, resources agentconfig.ResourceCaps, cwd string, configID string, env map[string]string) []string {
	args := []string{
		"create",
		"--network", m.cfg.Network,
		"--read-only",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--pids-limit", "512",
		"--label", orphanLabel,
		"--label", "session_id=" + sessionID,
		"--label", "config_id=" + configID,
	}
	if cwd != "" {
		args = append(args, "--workdir", cwd)
	}
	if resources.CPUQuotaMicros > 0 {
		cpus := float64(resources.CPUQuotaMicros) / 100000.0
		args = append(args, "--cpus", fmt.Sprintf("%.2f", cpus))
	}
	if resources.MemoryLimit != "" {
		args = append(args, "--memory", resources.MemoryLimit, "--memory-swap", resources.MemoryLimit)
	}
	if resources.StorageLimit != "" {
		args = append(args, "--storage-opt", "size="+resources.StorageLimit)
	}
	args = append(args, "--tmpfs", "/tmp:rw,size=256m")
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, m.cfg.Image)
	return args
}

func (m *Manager) inspectIP(ctx context.Context, containerID string) (string, error) {
	format := fmt.Sprintf("{{.NetworkSettings.Networks.%s.IPAddress}}", m.cfg.Network)
	out, err := m.dockerCapture(ctx, "inspect", "--format", format, containerID)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "" {
		return "", errors.New("container has no address on " + m.cfg.Network)
	}
	return ip, nil
}

func (m *Manager) bestEffortRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.dockerCapture(ctx, "rm", "-f", containerID); err != nil {
		m.log.Warn("failed to clean up container after spawn failure", "container_id", containerID, "error", err)
	}
}

func (m *Manager) dockerCapture(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
