// Package api is the HTTP surface: a SABnzbd-compatible control API so
// *arr tools can treat davmount as their downloader, an SSE event feed,
// the provider health view and keyed stream URLs.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/events"
	"github.com/davmount/davmount/internal/pool"
	"github.com/davmount/davmount/internal/queue"
	"github.com/davmount/davmount/internal/store"
)

// Version is the SABnzbd protocol version we answer with; new enough
// that Sonarr/Radarr enable all features they know about.
const Version = "4.3.2"

type Server struct {
	cfg     config.ConfigGetter
	db      *store.DB
	content *store.ContentReader
	queue   *queue.Manager
	client  *pool.Client
	bus     *events.Bus
	log     *slog.Logger
}

func NewServer(cfg config.ConfigGetter, db *store.DB, content *store.ContentReader, qm *queue.Manager, client *pool.Client, bus *events.Bus) *Server {
	return &Server{
		cfg:     cfg,
		db:      db,
		content: content,
		queue:   qm,
		client:  client,
		bus:     bus,
		log:     slog.Default().With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	prefix := s.cfg().API.Prefix
	if prefix == "" {
		prefix = "/api"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(prefix, s.handleSABnzbd)
	mux.HandleFunc(prefix+"/", s.handleSABnzbd)
	mux.HandleFunc(prefix+"/events", s.handleEvents)
	mux.HandleFunc(prefix+"/providers/health", s.handleProvidersHealth)
	mux.HandleFunc("/stream/", s.handleStream)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

// checkAPIKey authenticates ?apikey= query auth the way SABnzbd does.
func (s *Server) checkAPIKey(r *http.Request) bool {
	key := r.URL.Query().Get("apikey")
	cfg := s.cfg()
	return cfg.API.APIKey != "" && key == cfg.API.APIKey
}
