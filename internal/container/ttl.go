package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-pilot/internal/store"
)

const defaultTTLInterval = 5 * time.Minute

// Stopper stops and removes containers.
type Stopper interface {
	StopContainer(ctx context.Context, containerID string) error
}

// SessionReaper ends agent sessions on behalf of the TTL worker.
type SessionReaper interface {
	Idle(d time.Duration) []string
	Cancel(sessionID, reason string) error
}

// ReplayPruner drops event replay buffers of idle sessions.
type ReplayPruner interface {
	PruneIdle(d time.Duration) int
}

// CleanupCallback is called when a session is cleaned up by the TTL worker.
type CleanupCallback func(sessionID string)

// TTLConfig controls the idle-target sweep.
type TTLConfig struct {
	Interval time.Duration
	// TargetTTL is how long a target may go without activity.
	TargetTTL time.Duration
	// Retention is the audit event retention; zero disables pruning.
	Retention time.Duration
	// ReplayTTL is how long an unwatched session keeps its replay buffer.
	ReplayTTL time.Duration
}

// TTLWorker periodically reclaims idle targets and sessions.
type TTLWorker struct {
	repo      store.Repository
	stopper   Stopper
	sessions  SessionReaper
	cfg       TTLConfig
	onCleanup CleanupCallback
	replay    ReplayPruner
	logger    *slog.Logger
}

// NewTTLWorker creates a worker. sessions and onCleanup may be nil.
func NewTTLWorker(repo store.Repository, stopper Stopper, sessions SessionReaper, cfg TTLConfig, onCleanup CleanupCallback, logger *slog.Logger) *TTLWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTTLInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TTLWorker{
		repo:      repo,
		stopper:   stopper,
		sessions:  sessions,
		cfg:       cfg,
		onCleanup: onCleanup,
		logger:    logger,
	}
}

// SetReplayPruner makes each sweep drop replay buffers idle longer than
// TTLConfig.ReplayTTL.
func (w *TTLWorker) SetReplayPruner(p ReplayPruner) {
	w.replay = p
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (w *TTLWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("TTL worker started", "interval", w.cfg.Interval, "ttl", w.cfg.TargetTTL)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one cleanup pass.
func (w *TTLWorker) Sweep(ctx context.Context) {
	if w.cfg.TargetTTL > 0 {
		w.cleanupIdleTargets(ctx)
		w.cleanupIdleSessions()
	}
	w.pruneEvents(ctx)
	w.pruneReplay()
}

func (w *TTLWorker) cleanupIdleTargets(ctx context.Context) {
	targets, err := w.repo.IdleTargets(ctx, w.cfg.TargetTTL)
	if err != nil {
		w.logger.Error("TTL worker failed to get idle targets", "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	w.logger.Info("TTL worker found idle targets", "count", len(targets))

	for _, target := range targets {
		w.logger.Info("TTL worker cleaning up target",
			"container_id", target.ContainerID,
			"session_id", target.SessionID,
			"provisioned", target.Provisioned)

		w.endSession(target.SessionID)

		if target.Provisioned && w.stopper != nil {
			if err := w.stopper.StopContainer(ctx, target.ContainerID); err != nil {
				w.logger.Error("TTL worker failed to stop container",
					"error", err,
					"container_id", target.ContainerID,
					"session_id", target.SessionID)
			}
		}

		if err := w.repo.DeleteTarget(ctx, target.SessionID); err != nil {
			w.logger.Warn("TTL worker failed to delete target",
				"error", err,
				"session_id", target.SessionID)
		}
	}

	w.logger.Info("TTL worker cleanup completed", "cleaned", len(targets))
}

// cleanupIdleSessions ends sessions that stalled without a target, such as
// an interactive command that was never confirmed.
func (w *TTLWorker) cleanupIdleSessions() {
	if w.sessions == nil {
		return
	}
	for _, id := range w.sessions.Idle(w.cfg.TargetTTL) {
		w.logger.Info("TTL worker ending idle session", "session_id", id)
		w.endSession(id)
	}
}

func (w *TTLWorker) endSession(sessionID string) {
	if w.sessions != nil {
		if err := w.sessions.Cancel(sessionID, "session idle timeout"); err != nil {
			w.logger.Debug("TTL worker session cancel skipped", "session_id", sessionID, "error", err)
		}
	}
	if w.onCleanup != nil {
		w.onCleanup(sessionID)
	}
}

func (w *TTLWorker) pruneEvents(ctx context.Context) {
	if w.cfg.Retention <= 0 {
		return
	}
	deleted, err := w.repo.PruneEvents(ctx, w.cfg.Retention)
	if err != nil {
		w.logger.Error("TTL worker failed to prune audit events", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("TTL worker pruned audit events", "count", deleted)
	}
}

func (w *TTLWorker) pruneReplay() {
	if w.replay == nil || w.cfg.ReplayTTL <= 0 {
		return
	}
	if n := w.replay.PruneIdle(w.cfg.ReplayTTL); n > 0 {
		w.logger.Info("TTL worker dropped idle replay buffers", "count", n)
	}
}
