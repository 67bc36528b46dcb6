// Package webdav serves the virtual tree over WebDAV so media servers
// and library managers can mount it like a disk.
package webdav

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/store"
	"golang.org/x/net/webdav"
)

// Handler is the authenticated WebDAV endpoint.
type Handler struct {
	inner http.Handler
	cfg   config.ConfigGetter
	log   *slog.Logger
}

func NewHandler(db *store.DB, content *store.ContentReader, cfg config.ConfigGetter) *Handler {
	log := slog.Default().With("component", "webdav")

	davHandler := &webdav.Handler{
		FileSystem: newFileSystem(db, content),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				log.DebugContext(r.Context(), "webdav error", "method", r.Method, "path", r.URL.Path, "error", err)
			}
		},
	}

	return &Handler{inner: davHandler, cfg: cfg, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg()

	user, pass, ok := r.BasicAuth()
	if !ok ||
		subtle.ConstantTimeCompare([]byte(user), []byte(cfg.WebDAV.User)) != 1 ||
		subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.WebDAV.Password)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="davmount"`)
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	// Setting the type up front keeps the webdav library from sniffing
	// content, which would trigger a read of the first segment.
	if ext := filepath.Ext(r.URL.Path); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			w.Header().Set("Content-Type", mimeType)
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
	}
	w.Header().Set("Accept-Ranges", "bytes")

	h.inner.ServeHTTP(w, r)
}
