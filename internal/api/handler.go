// Package api provides HTTP handlers for the evaluation chat API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/shsh-eval/internal/chat"
	"github.com/ashureev/shsh-eval/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// chatError maps hub errors onto HTTP responses.
func chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		Error(w, http.StatusNotFound, "message not found")
	case errors.Is(err, chat.ErrForbidden):
		Error(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, chat.ErrDuplicate):
		Error(w, http.StatusConflict, "duplicate message id")
	case errors.Is(err, chat.ErrInvalidMessage):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
