package api

import (
	"fmt"
	"net/http"

	"github.com/davmount/davmount/internal/events"
)

// handleEvents streams bus messages as server-sent events. State topics
// replay their last value on connect so the UI renders immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		http.Error(w, "API Key Incorrect", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.bus.Subscribe(
		events.TopicConnections,
		events.TopicQueueProgress,
		events.TopicQueueStatus,
		events.TopicQueueAdded,
		events.TopicQueueRemoved,
		events.TopicHistoryAdded,
		events.TopicHealthProgress,
		events.TopicHealthStatus,
	)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Topic, msg.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
