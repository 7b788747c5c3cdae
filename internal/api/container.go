package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shsh-pilot/internal/container"
	"github.com/ashureev/shsh-pilot/internal/domain"
	"github.com/ashureev/shsh-pilot/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultDestroyTimeout     = 30 * time.Second
	defaultHealthCheckTimeout = 5 * time.Second
)

// TerminalCloser drops a session's live terminal.
type TerminalCloser interface {
	CloseSession(sessionID string)
}

// SessionCanceller ends an agent session.
type SessionCanceller interface {
	Cancel(sessionID, reason string) error
}

// TargetHandler manages the container a session executes commands in.
type TargetHandler struct {
	repo           store.Repository
	mgr            container.Manager
	terminals      TerminalCloser
	sessions       SessionCanceller
	env            map[string]string
	destroyTimeout time.Duration
	logger         *slog.Logger

	// provisionLocks prevents concurrent provisioning for the same session.
	provisionLocks sync.Map
}

// TargetOptions tunes the target handler.
type TargetOptions struct {
	// Env is passed to provisioned containers.
	Env            map[string]string
	DestroyTimeout time.Duration
}

// NewTargetHandler creates a target handler. terminals and sessions may be nil.
func NewTargetHandler(repo store.Repository, mgr container.Manager, terminals TerminalCloser, sessions SessionCanceller, opts TargetOptions, logger *slog.Logger) *TargetHandler {
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = defaultDestroyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TargetHandler{
		repo:           repo,
		mgr:            mgr,
		terminals:      terminals,
		sessions:       sessions,
		env:            opts.Env,
		destroyTimeout: opts.DestroyTimeout,
		logger:         logger,
	}
}

// RegisterRoutes registers target routes.
func (h *TargetHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{sessionID}/target", h.GetTarget)
	r.Put("/api/sessions/{sessionID}/target", h.BindTarget)
	r.Delete("/api/sessions/{sessionID}/target", h.DestroyTarget)
	r.Post("/api/sessions/{sessionID}/provision", h.Provision)
}

type targetResponse struct {
	SessionID   string    `json:"sessionId"`
	ContainerID string    `json:"containerId"`
	Provisioned bool      `json:"provisioned"`
	Shell       string    `json:"shell"`
	User        string    `json:"user"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

func toTargetResponse(t *domain.Target) targetResponse {
	return targetResponse{
		SessionID:   t.SessionID,
		ContainerID: t.ContainerID,
		Provisioned: t.Provisioned,
		Shell:       t.Shell,
		User:        t.User,
		LastSeenAt:  t.LastSeenAt,
	}
}

// GetTarget returns the session's target binding.
func (h *TargetHandler) GetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := h.repo.GetTarget(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		Error(w, statusFor(err), "no target bound")
		return
	}
	JSON(w, http.StatusOK, toTargetResponse(target))
}

type bindRequest struct {
	ContainerID string `json:"containerId"`
	Shell       string `json:"shell"`
	User        string `json:"user"`
}

// BindTarget binds an already running container to the session.
func (h *TargetHandler) BindTarget(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	var req bindRequest
	if err := decodeBody(w, r, 0, &req); err != nil {
		if isTooLarge(err) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContainerID == "" {
		Error(w, http.StatusBadRequest, "containerId is required")
		return
	}

	running, err := h.mgr.IsRunning(ctx, req.ContainerID)
	if err != nil {
		h.logger.Error("Failed to inspect container", "error", err, "container_id", req.ContainerID)
		Error(w, http.StatusBadGateway, "failed to inspect container")
		return
	}
	if !running {
		Error(w, http.StatusUnprocessableEntity, "container is not running")
		return
	}

	target := &domain.Target{
		SessionID:   sessionID,
		ContainerID: req.ContainerID,
		Shell:       orDefault(req.Shell, container.DefaultShell),
		User:        req.User,
		LastSeenAt:  time.Now(),
	}
	if err := h.repo.UpsertTarget(ctx, target); err != nil {
		h.logger.Error("Failed to bind target", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to bind target")
		return
	}

	h.logger.Info("Target bound", "session_id", sessionID, "container_id", req.ContainerID)
	JSON(w, http.StatusOK, toTargetResponse(target))
}

// Provision creates and starts a managed container for the session.
func (h *TargetHandler) Provision(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	lock, _ := h.provisionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.logger.Warn("Provisioning already in progress", "session_id", sessionID)
		Error(w, http.StatusConflict, "provisioning_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		h.provisionLocks.Delete(sessionID)
	}()

	ctx := r.Context()
	var currentID string
	var lastSeen time.Time
	existing, err := h.repo.GetTarget(ctx, sessionID)
	switch {
	case err == nil && existing.Provisioned:
		currentID, lastSeen = existing.ContainerID, existing.LastSeenAt
	case err == nil:
		Error(w, http.StatusConflict, "session is bound to an external container")
		return
	case !errors.Is(err, store.ErrNotFound):
		h.logger.Error("Failed to load target", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load target")
		return
	}

	h.logger.Info("Provisioning container", "session_id", sessionID)

	containerID, err := h.mgr.EnsureContainer(ctx, sessionID, currentID, lastSeen, h.env)
	if err != nil {
		h.logger.Error("Failed to provision container", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	target := &domain.Target{
		SessionID:   sessionID,
		ContainerID: containerID,
		Provisioned: true,
		Shell:       container.DefaultShell,
		User:        container.DefaultUser,
		LastSeenAt:  time.Now(),
	}
	if err := h.repo.UpsertTarget(ctx, target); err != nil {
		h.logger.Error("Failed to record provisioned target", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to update target state")
		return
	}

	h.logger.Info("Container provisioned", "session_id", sessionID, "container_id", containerID)
	JSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"containerId": containerID,
	})
}

// DestroyTarget ends the session, unbinds its target and removes the
// container when it was provisioned here.
func (h *TargetHandler) DestroyTarget(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	target, err := h.repo.GetTarget(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
			return
		}
		h.logger.Error("Failed to load target", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load target")
		return
	}

	if h.terminals != nil {
		h.terminals.CloseSession(sessionID)
	}
	if h.sessions != nil {
		if err := h.sessions.Cancel(sessionID, "target destroyed"); err != nil {
			h.logger.Debug("Session cancel skipped", "session_id", sessionID, "error", err)
		}
	}

	if err := h.repo.DeleteTarget(ctx, sessionID); err != nil {
		h.logger.Error("Failed to delete target", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to update database state")
		return
	}

	if target.Provisioned {
		containerID := target.ContainerID
		h.logger.Info("Destroying container", "session_id", sessionID, "container_id", containerID)
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), h.destroyTimeout)
			defer cancel()

			if err := h.mgr.StopContainer(cleanupCtx, containerID); err != nil {
				h.logger.Error("Failed to stop container", "error", err, "container_id", containerID, "session_id", sessionID)
			} else {
				h.logger.Info("Container stop/remove completed", "container_id", containerID, "session_id", sessionID)
			}
		}()
	}

	JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler over the named dependencies.
func NewHealthHandler(checks map[string]Pinger, timeout time.Duration, logger *slog.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{checks: checks, timeout: timeout, logger: logger}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
