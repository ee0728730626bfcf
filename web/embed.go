// Package web embeds the chat frontend (dist/) and serves it as a
// single-page application.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// SPAHandler returns an http.Handler that serves the embedded frontend.
// Paths that don't match a file fall back to index.html so channel URLs
// like /c/general resolve client-side.
func SPAHandler() http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}

	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" || path == "index.html" {
			serveIndex(w, r, fileServer)
			return
		}

		if f, err := subFS.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close embedded file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		// API and websocket paths never fall back to the page.
		if strings.HasPrefix(path, "api/") || strings.HasPrefix(path, "ws/") {
			http.NotFound(w, r)
			return
		}
		serveIndex(w, r, fileServer)
	})
}

func serveIndex(w http.ResponseWriter, r *http.Request, fileServer http.Handler) {
	w.Header().Set("Cache-Control", "no-cache")
	r.URL.Path = "/"
	fileServer.ServeHTTP(w, r)
}
