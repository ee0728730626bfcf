// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shsh-eval/internal/domain"
	"github.com/ashureev/shsh-eval/internal/store"
)

// Cookie and header names.
const (
	AnonCookieName   = "shsh_anon_id"
	NameHeader       = "X-SHSH-Name"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	namePattern   = regexp.MustCompile(`^[\p{L}\p{N} ._-]{1,32}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the given identity.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// displayName picks the requested name when it is acceptable.
func displayName(requested, fallback string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" || !namePattern.MatchString(requested) {
		return fallback
	}
	return requested
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// ensureUser loads or creates the user record and returns its display name.
// A requested name that differs from the stored one replaces it.
func ensureUser(ctx context.Context, repo store.Repository, userID, requested string) (string, error) {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	if user == nil {
		user = &domain.User{
			UserID:    userID,
			Username:  displayName(requested, deriveUsername(userID)),
			CreatedAt: now,
		}
	} else if name := displayName(requested, user.Username); name == user.Username && user.IdleFor(now) < time.Minute {
		return user.Username, nil
	} else {
		user.Username = name
	}

	user.LastSeenAt = now
	user.UpdatedAt = now
	if err := repo.UpsertUser(ctx, user); err != nil {
		return "", err
	}
	return user.Username, nil
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		http.SetCookie(w, &http.Cookie{
			Name:     AnonCookieName,
			Value:    c.Value,
			Path:     "/",
			MaxAge:   int(anonCookieMaxAge.Seconds()),
			Expires:  time.Now().Add(anonCookieMaxAge),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   !isDev,
		})
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

func nameFromRequest(r *http.Request) string {
	if name := r.Header.Get(NameHeader); name != "" {
		return name
	}
	return r.URL.Query().Get("name")
}

// Middleware injects anonymous per-device identity.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			username, err := ensureUser(r.Context(), repo, userID, nameFromRequest(r))
			if err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
