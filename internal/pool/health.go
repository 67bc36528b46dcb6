// Package pool manages per-server NNTP connection pools and routes segment
// requests across servers with failover, circuit breaking and a
// missing-segment cache.
package pool

import (
	"time"
)

// ServerHealth is the per-server health record. It is mutated only by the
// owning serverPool under its mutex; readers receive value snapshots.
type ServerHealth struct {
	ServerID              string     `json:"server_id"`
	Available             bool       `json:"available"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	TotalSuccesses        int64      `json:"total_successes"`
	TotalFailures         int64      `json:"total_failures"`
	TotalArticlesNotFound int64      `json:"total_articles_not_found"`
	LastSuccessAt         *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
	LastError             string     `json:"last_error,omitempty"`
}

func (h *ServerHealth) recordSuccess(notFound bool) {
	h.ConsecutiveFailures = 0
	h.TotalSuccesses++
	now := time.Now()
	h.LastSuccessAt = &now
	if notFound {
		h.TotalArticlesNotFound++
	}
}

func (h *ServerHealth) recordFailure(err error) {
	h.ConsecutiveFailures++
	h.TotalFailures++
	now := time.Now()
	h.LastFailureAt = &now
	if err != nil {
		h.LastError = err.Error()
	}
}
