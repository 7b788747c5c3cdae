package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shsh-pilot/internal/container"
	"github.com/ashureev/shsh-pilot/internal/store"
	"github.com/coder/websocket"
)

// WebSocketHandler attaches a WebSocket client to its session's shell.
type WebSocketHandler struct {
	repo           store.Repository
	mgr            container.Manager
	sm             *SessionManager
	allowedOrigins []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. An empty
// allowedOrigins list, or one containing "*", accepts any origin.
func NewWebSocketHandler(repo store.Repository, mgr container.Manager, sm *SessionManager, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		repo:           repo,
		mgr:            mgr,
		sm:             sm,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// wsWriter adapts websocket.Conn to io.Writer.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, w.ctx.Err()
	}
	if err := w.conn.Write(context.Background(), websocket.MessageBinary, p); err != nil {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		slog.Debug("WebSocket write error", "error", err)
		return 0, err
	}
	return len(p), nil
}

// wsMessage represents WebSocket message structure.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Cols    uint   `json:"cols,omitempty"`
	Rows    uint   `json:"rows,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	h.logger.Info("WebSocket connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checked above
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	target, err := h.repo.GetTarget(ctx, sessionID)
	if err != nil || target.ContainerID == "" {
		h.logger.Warn("Target not ready", "session_id", sessionID, "error", err)
		if err := writeJSON(ws, map[string]string{"error": "target_not_ready"}); err != nil {
			h.logger.Debug("Failed to send target_not_ready error", "error", err)
		}
		return
	}

	h.logger.Info("Attaching to container", "container_id", target.ContainerID, "session_id", sessionID)
	execID, execStream, err := h.mgr.CreateExecSession(ctx, target.ContainerID, target.Shell, target.User)
	if err != nil {
		h.logger.Error("Failed to create exec session", "error", err, "session_id", sessionID)
		if err := writeJSON(ws, map[string]string{"error": "failed_to_create_exec"}); err != nil {
			h.logger.Debug("Failed to send failed_to_create_exec error", "error", err)
		}
		return
	}
	defer func() {
		if closeErr := execStream.Close(); closeErr != nil {
			h.logger.Debug("Failed to close exec stream", "error", closeErr, "session_id", sessionID)
		}
	}()

	stream := NewStream(sessionID, execID, execStream, func(reason string) {
		_ = ws.Close(websocket.StatusNormalClosure, reason)
		cancel()
	})
	h.sm.Register(stream)
	defer h.sm.Unregister(stream)

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> container.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, stream)
	}()

	// Output loop: container -> transcript and WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, execStream, sessionID)
	}()

	// The exec stream ignores ctx; closing it unblocks the output loop.
	go func() {
		<-ctx.Done()
		_ = execStream.Close()
	}()

	wg.Wait()
	h.logger.Info("Terminal session ended", "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, stream *Stream) {
	sessionID := stream.SessionID
	h.logger.Debug("Starting input loop", "session_id", sessionID)
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Fallback to raw data.
			if _, err := stream.Write(message); err != nil {
				h.logger.Error("Exec stream write error", "error", err)
				return
			}
			continue
		}

		switch msg.Type {
		case "data":
			if _, err := stream.Write([]byte(msg.Content)); err != nil {
				h.logger.Error("Exec stdin write error", "error", err)
				return
			}
		case "ping":
			if err := writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "resize":
			if err := h.mgr.ResizeExecSession(ctx, stream.ExecID, msg.Cols, msg.Rows); err != nil {
				h.logger.Warn("Failed to resize", "error", err)
			}
		case "terminate":
			h.logger.Info("Terminal terminate requested", "session_id", sessionID)
			if err := writeJSON(ws, map[string]string{"type": "terminated"}); err != nil {
				h.logger.Debug("Failed to send terminated acknowledgment", "error", err)
			}
			return
		}

		// Update last seen asynchronously with timeout.
		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.TouchTarget(updateCtx, sessionID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
				h.logger.Warn("Failed to update last seen", "error", err)
			}
		}()
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, execStream io.Reader, sessionID string) {
	out := io.MultiWriter(h.sm.TranscriptFor(sessionID), &wsWriter{ws, ctx})
	_, err := io.Copy(out, execStream)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		h.logger.Warn("Container output error", "error", err, "session_id", sessionID)
	}
}

func writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
