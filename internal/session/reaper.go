package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Evictor tears down a session's backing container. Implemented by
// ContainerManager; kept as a narrow interface here so session does not
// import container.
type Evictor interface {
	Teardown(ctx context.Context, containerID string) error
}

// Reaper periodically sweeps idle sessions and tears them down, registered
// as a cron entry rather than a hand-rolled ticker loop.
type Reaper struct {
	manager  *Manager
	evictor  Evictor
	interval time.Duration
	log      *slog.Logger
	cron     *cron.Cron
}

// NewReaper constructs a Reaper. interval is the sweep cadence
// (cleanup_interval in config); logger may be nil.
func NewReaper(manager *Manager, evictor Evictor, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Reaper{manager: manager, evictor: evictor, interval: interval, log: logger}
}

// Start registers the sweep as a cron entry and begins running it in the
// background. Call Stop to halt it.
func (r *Reaper) Start(ctx context.Context) {
	r.cron = cron.New()
	spec := "@every " + r.interval.String()
	_, err := r.cron.AddFunc(spec, func() { r.sweep(ctx) })
	if err != nil {
		r.log.Error("reaper: failed to register sweep cron entry", "error", err)
		return
	}
	r.cron.Start()
}

// Stop halts the cron scheduler and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Reaper) sweep(ctx context.Context) {
	idle := r.manager.IdleSince(r.manager.nowFunc())
	for _, sess := range idle {
		if err := r.manager.SetStatus(sess.ID, StatusClosing); err != nil {
			continue
		}
		if err := r.evictor.Teardown(ctx, sess.ContainerID); err != nil {
			r.log.Error("reaper: failed to tear down idle session container", "session_id", sess.ID, "container_id", sess.ContainerID, "error", err)
			continue
		}
		r.manager.Remove(sess.ID)
		r.log.Info("reaper: evicted idle session", "session_id", sess.ID, "conversation_id", sess.ConversationID)
	}
}
