package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/shsh-eval/internal/chat"
	"github.com/ashureev/shsh-eval/internal/identity"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 * 1024

// ClientConfig is the bot configuration exposed to the frontend.
type ClientConfig struct {
	Prefix     string `json:"prefix"`
	MaxDisplay int    `json:"max_display"`
	AutoDelete bool   `json:"auto_delete"`
	// AutoDeleteSeconds is 0 when auto delete is off.
	AutoDeleteSeconds int64 `json:"auto_delete_seconds"`
}

// MessageHandler serves channel transcripts and message lifecycle requests.
type MessageHandler struct {
	hub    *chat.Hub
	client ClientConfig
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(hub *chat.Hub, client ClientConfig) *MessageHandler {
	return &MessageHandler{hub: hub, client: client}
}

type messageRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// RegisterRoutes registers message routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Route("/channels/{channel}/messages", func(r chi.Router) {
			r.Get("/", h.List)
			r.Post("/", h.Create)
			r.Put("/{id}", h.Edit)
			r.Delete("/{id}", h.Delete)
		})
	})
}

// GetMe returns the caller's identity.
func (h *MessageHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"user_id":  userID,
		"username": identity.UsernameFromContext(r.Context()),
	})
}

// GetConfig returns the bot configuration for the frontend.
func (h *MessageHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.client)
}

// List returns the live transcript of a channel.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.hub.History(r.Context(), chi.URLParam(r, "channel"), limit)
	if err != nil {
		chatError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// Create posts a message to a channel.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	msg, err := h.hub.Post(r.Context(), authorFrom(r), chi.URLParam(r, "channel"), req.ID, req.Text)
	if err != nil {
		slog.Debug("Message rejected", "error", err, "user_id", identity.UserIDFromContext(r.Context()))
		chatError(w, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// Edit replaces the text of the caller's message.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	msg, err := h.hub.Edit(r.Context(), authorFrom(r), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		chatError(w, err)
		return
	}
	JSON(w, http.StatusOK, msg)
}

// Delete removes the caller's message.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.Remove(r.Context(), authorFrom(r), chi.URLParam(r, "id")); err != nil {
		chatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func authorFrom(r *http.Request) chat.Author {
	return chat.Author{
		ID:   identity.UserIDFromContext(r.Context()),
		Name: identity.UsernameFromContext(r.Context()),
	}
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (messageRequest, bool) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}
