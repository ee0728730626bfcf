package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/identity"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// clientFrame is a client-to-server request.
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// WebSocketHandler serves live channel connections.
type WebSocketHandler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	author := Author{
		ID:   identity.UserIDFromContext(r.Context()),
		Name: identity.UsernameFromContext(r.Context()),
	}
	channel := r.URL.Query().Get("channel")
	slog.Info("Chat connection request", "user_id", author.ID, "channel", channel, "ip", identity.IPFromRequest(r))

	if !ValidChannel(channel) {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", author.ID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", author.ID)
		}
	}()

	sub := h.hub.subscribe(channel)
	defer h.hub.unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		h.outputLoop(ctx, ws, sub)
	}()

	h.inputLoop(ctx, ws, sub, author, channel)
	slog.Info("Chat session ended", "user_id", author.ID, "channel", channel)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sub *subscriber, author Author, channel string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", author.ID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", author.ID)
			}
			return
		}

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(sub, Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}

		switch msg.Type {
		case "create":
			_, err = h.hub.Post(ctx, author, channel, msg.ID, msg.Text)
		case "edit":
			_, err = h.hub.Edit(ctx, author, msg.ID, msg.Text)
		case "delete":
			err = h.hub.Remove(ctx, author, msg.ID)
		case "ping":
			h.reply(sub, Frame{Type: FramePong})
		default:
			h.reply(sub, Frame{Type: FrameError, Error: "unknown frame type " + msg.Type})
		}
		if err != nil {
			slog.Debug("Chat request rejected", "type", msg.Type, "user_id", author.ID, "error", err)
			h.reply(sub, Frame{Type: FrameError, ID: msg.ID, Error: clientError(err)})
		}
	}
}

// reply queues a frame for this connection only.
func (h *WebSocketHandler) reply(sub *subscriber, f Frame) {
	select {
	case sub.frames <- f:
	default:
		sub.close()
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.closed:
			_ = ws.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case f := <-sub.frames:
			if err := writeJSON(ctx, ws, f); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

// clientError maps hub errors to messages safe to show to clients.
func clientError(err error) string {
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		return "message not found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrDuplicate):
		return "duplicate message id"
	case errors.Is(err, ErrInvalidMessage):
		return err.Error()
	default:
		return "internal error"
	}
}
