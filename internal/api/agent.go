package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/shsh-pilot/internal/agent"
	"github.com/ashureev/shsh-pilot/internal/domain"
	"github.com/ashureev/shsh-pilot/internal/events"
	"github.com/ashureev/shsh-pilot/internal/protocol"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultRetryDelay       = 5 * time.Second
	defaultKeepalive        = 15 * time.Second
	defaultHistoryLimit     = 500
	maxHistoryLimit         = 5000
	agentSocketReadLimit    = 1 << 20
	agentSocketWriteTimeout = 10 * time.Second
)

// Sessions is the engine surface the transport needs.
type Sessions interface {
	Admit(a protocol.Action) error
	Snapshot(sessionID string) (agent.Snapshot, error)
}

// EventLister reads a session's audit trail.
type EventLister interface {
	ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.EventRecord, error)
}

// AgentOptions tunes the agent endpoints.
type AgentOptions struct {
	MaxBodySize    int64
	RetryDelay     time.Duration
	Keepalive      time.Duration
	AllowedOrigins []string
	// RateLimiter throttles action submission; nil disables it.
	RateLimiter *RateLimiter
}

// AgentHandler serves action submission, event streams and session
// inspection.
type AgentHandler struct {
	sessions   Sessions
	dispatcher *Dispatcher
	hub        *events.Hub
	history    EventLister
	opts       AgentOptions
	logger     *slog.Logger
}

// NewAgentHandler creates the agent handler. history may be nil when the
// audit trail is disabled.
func NewAgentHandler(sessions Sessions, dispatcher *Dispatcher, hub *events.Hub, history EventLister, opts AgentOptions, logger *slog.Logger) *AgentHandler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxRequestBodySize
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentHandler{
		sessions:   sessions,
		dispatcher: dispatcher,
		hub:        hub,
		history:    history,
		opts:       opts,
		logger:     logger,
	}
}

// RegisterRoutes registers agent routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{sessionID}", h.GetSession)
	submit := http.Handler(http.HandlerFunc(h.SubmitAction))
	if h.opts.RateLimiter != nil {
		submit = h.opts.RateLimiter.Middleware(submit)
	}
	r.Method(http.MethodPost, "/api/sessions/{sessionID}/actions", submit)
	r.Get("/api/sessions/{sessionID}/events", h.StreamEvents)
	r.Get("/api/sessions/{sessionID}/history", h.GetHistory)
	r.Get("/ws/agent", h.ServeAgentSocket)
}

// decodeAction parses an action body. The addressed session id always wins
// over one in the payload; a missing version means the current one.
func decodeAction(data []byte, sessionID string) (protocol.Action, error) {
	var a protocol.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return protocol.Action{}, fmt.Errorf("%w: %v", protocol.ErrInvalidAction, err)
	}
	a.SessionID = sessionID
	if a.Version == 0 {
		a.Version = protocol.Version
	}
	return a, nil
}

// accept admits and queues an action.
func (h *AgentHandler) accept(a protocol.Action) error {
	if err := h.sessions.Admit(a); err != nil {
		return err
	}
	return h.dispatcher.Submit(a)
}

// SubmitAction handles POST /api/sessions/{sessionID}/actions.
func (h *AgentHandler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isTooLarge(err) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := decodeAction(body, sessionID)
	if err == nil {
		err = h.accept(a)
	}
	if err != nil {
		h.logger.Info("Action refused", "session_id", sessionID, "error", err, "request_id", chiMiddleware.GetReqID(r.Context()))
		Error(w, statusFor(err), err.Error())
		return
	}

	h.logger.Info("Action accepted",
		"session_id", sessionID,
		"type", a.Type,
		"tool_call_id", a.ToolCallID,
		"request_id", chiMiddleware.GetReqID(r.Context()))
	JSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"sessionId": sessionID,
		"type":      string(a.Type),
	})
}

// snapshotResponse is the wire form of agent.Snapshot.
type snapshotResponse struct {
	SessionID          string              `json:"sessionId"`
	State              protocol.State      `json:"state"`
	Goal               string              `json:"goal"`
	Step               int                 `json:"step"`
	MaxSteps           int                 `json:"maxSteps"`
	Model              string              `json:"model,omitempty"`
	LastCommand        string              `json:"lastCommand,omitempty"`
	LastExitCode       int                 `json:"lastExitCode"`
	PlanID             string              `json:"planId"`
	Plan               []protocol.PlanStep `json:"plan"`
	Cursor             int                 `json:"cursor"`
	PendingInteractive string              `json:"pendingInteractive,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// GetSession handles GET /api/sessions/{sessionID}.
func (h *AgentHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Snapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	s := snap.Session
	plan := snap.Plan
	if plan == nil {
		plan = []protocol.PlanStep{}
	}
	JSON(w, http.StatusOK, snapshotResponse{
		SessionID:          s.ID,
		State:              s.State,
		Goal:               s.Goal,
		Step:               s.Step,
		MaxSteps:           s.MaxSteps,
		Model:              s.Model,
		LastCommand:        s.LastCommand,
		LastExitCode:       s.LastExitCode,
		PlanID:             snap.PlanID,
		Plan:               plan,
		Cursor:             snap.Cursor,
		PendingInteractive: snap.Pending,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	})
}

type historyEntry struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Event     json.RawMessage `json:"event"`
}

// GetHistory handles GET /api/sessions/{sessionID}/history.
func (h *AgentHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		Error(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	after, err := parseInt(r.URL.Query().Get("after"), 0)
	if err != nil || after < 0 {
		Error(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), defaultHistoryLimit)
	if err != nil || limit <= 0 {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxHistoryLimit)

	records, err := h.history.ListEvents(r.Context(), sessionID, after, int(limit))
	if err != nil {
		h.logger.Error("Failed to list events", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, historyEntry{ID: rec.ID, Type: rec.Type, CreatedAt: rec.CreatedAt, Event: rec.Payload})
	}
	JSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "events": out})
}

// StreamEvents handles GET /api/sessions/{sessionID}/events as an SSE stream.
// Clients reconnecting with Last-Event-ID receive the events they missed
// from the replay buffer before live ones.
func (h *AgentHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			h.logger.Info("SSE client reconnecting with Last-Event-ID", "session_id", sessionID, "last_event_id", lastEventID)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()

	sub, missed := h.hub.Subscribe(sessionID, lastEventID)
	defer h.hub.Unsubscribe(sub)
	h.logger.Info("SSE connection opened", "session_id", sessionID, "replayed", len(missed))
	defer h.logger.Info("SSE connection closed", "session_id", sessionID)

	for _, env := range missed {
		if err := writeSSE(w, env); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.opts.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, env); err != nil {
				h.logger.Debug("SSE write failed", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, env events.Envelope) error {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.ID, env.Event.Type, data)
	return err
}

// ServeAgentSocket handles GET /ws/agent. Clients send actions as JSON text
// frames and receive the session's events the same way.
func (h *AgentHandler) ServeAgentSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if !originAllowed(h.opts.AllowedOrigins, r.Header.Get("Origin")) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Error("Failed to accept agent WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "session ended") }()
	ws.SetReadLimit(agentSocketReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, _ := h.hub.Subscribe(sessionID, 0)
	defer h.hub.Unsubscribe(sub)
	h.logger.Info("Agent socket connected", "session_id", sessionID)

	go func() {
		defer cancel()
		for env := range sub.C {
			if err := writeSocketJSON(ctx, ws, env.Event); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Warn("Agent socket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		a, err := decodeAction(data, sessionID)
		if err == nil {
			err = h.accept(a)
		}
		if err != nil {
			if writeErr := writeSocketJSON(ctx, ws, map[string]any{"error": err.Error(), "status": statusFor(err)}); writeErr != nil {
				return
			}
		}
	}
}

func writeSocketJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, agentSocketWriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func parseInt(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
