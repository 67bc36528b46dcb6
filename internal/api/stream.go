package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/importer"
	"github.com/davmount/davmount/internal/slogutil"
	"github.com/davmount/davmount/internal/store"
)

// handleStream serves file content for download-key URLs. Content paths
// carry a per-path key derived from the API key; pointer paths under the
// ids root use the separate strm secret. The raw API key is accepted as
// a fallback for ad-hoc downloads.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	virtualPath := strings.Trim(strings.TrimPrefix(r.URL.Path, "/stream/"), "/")
	if virtualPath == "" {
		http.Error(w, "404 Not Found", http.StatusNotFound)
		return
	}

	if !s.checkStreamKey(r, virtualPath) {
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	item, err := s.db.Items.ResolvePath(virtualPath)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			http.Error(w, "404 Not Found", http.StatusNotFound)
			return
		}
		s.log.ErrorContext(r.Context(), "stream path lookup failed", "path", virtualPath, "error", err)
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	if item.Type != store.ItemTypeFile && item.Type != store.ItemTypeMultipartFile {
		http.Error(w, "404 Not Found", http.StatusNotFound)
		return
	}

	ctx := slogutil.With(r.Context(), "item_id", item.ID)
	stream, err := s.content.Open(ctx, item)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to open stream", "path", virtualPath, "error", err)
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, item.Name, item.CreatedAt, stream)
}

func (s *Server) checkStreamKey(r *http.Request, virtualPath string) bool {
	cfg := s.cfg()
	key := r.URL.Query().Get("key")

	secret := cfg.API.APIKey
	if virtualPath == store.RootIDs || strings.HasPrefix(virtualPath, store.RootIDs+"/") {
		secret = cfg.API.StrmKey
	}
	if secret != "" {
		want := importer.DownloadKey(virtualPath, secret)
		if subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1 {
			return true
		}
	}
	apikey := r.URL.Query().Get("apikey")
	return cfg.API.APIKey != "" &&
		subtle.ConstantTimeCompare([]byte(apikey), []byte(cfg.API.APIKey)) == 1
}
