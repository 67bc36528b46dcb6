package pool

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// missingCacheTTL bounds how long a confirmed-missing article is
	// answered from cache before the servers are asked again; articles do
	// occasionally reappear after propagation delays.
	missingCacheTTL  = 10 * time.Minute
	missingCacheSize = 8192
)

// missingCache remembers message-ids that every enabled server reported
// as not found, so repeat lookups inside the TTL cost zero network calls.
type missingCache struct {
	lru *expirable.LRU[string, time.Time]
}

func newMissingCache() *missingCache {
	return &missingCache{
		lru: expirable.NewLRU[string, time.Time](missingCacheSize, nil, missingCacheTTL),
	}
}

// MarkMissing records a message-id confirmed missing on all servers.
// Writes are idempotent.
func (m *missingCache) MarkMissing(messageID string) {
	m.lru.Add(messageID, time.Now())
}

// IsMissing reports whether the id was confirmed missing within the TTL.
func (m *missingCache) IsMissing(messageID string) bool {
	_, ok := m.lru.Get(messageID)
	return ok
}
