// Package staticfile serves files from a configured directory, falling
// back to a single file (e.g. an SPA's index.html) when the requested path
// doesn't exist — the external static-responder contract spec §4.1
// describes as the dispatcher's last resort when no proxy route matches.
package staticfile

import (
	"net/http"
	"os"
	"path/filepath"
)

// Handler serves a static directory with an SPA-style fallback.
type Handler struct {
	dir      string
	fallback string
}

// New builds a Handler rooted at dir, serving fallback (relative to dir)
// whenever the requested path doesn't resolve to a regular file.
func New(dir, fallback string) *Handler {
	if dir == "" {
		dir = "."
	}
	if fallback == "" {
		fallback = "index.html"
	}
	return &Handler{dir: dir, fallback: fallback}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requested := filepath.Join(h.dir, filepath.Clean(r.URL.Path))

	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		http.ServeFile(w, r, requested)
		return
	}

	fallbackPath := filepath.Join(h.dir, h.fallback)
	if _, err := os.Stat(fallbackPath); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, fallbackPath)
}

// Exists reports whether the handler has a servable root directory at all,
// used by the gateway's health endpoint.
func (h *Handler) Exists() bool {
	info, err := os.Stat(h.dir)
	return err == nil && info.IsDir()
}
