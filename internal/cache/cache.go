package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"siteline/internal/domain"
)

const (
	DefaultTTL      = 60 * time.Second
	DefaultCapacity = 1000
)

// AlertCache is a best-effort read cache over the two alert list paths
// (by project, by user). Entries expire on their own TTL and the oldest
// entry is evicted when capacity is exceeded. The engine invalidates
// affected keys on every tracker movement; a miss or stale entry is a
// latency cost, never a correctness input.
type AlertCache struct {
	lru *expirable.LRU[string, []domain.Alert]
}

func New(capacity int, ttl time.Duration) *AlertCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &AlertCache{lru: expirable.NewLRU[string, []domain.Alert](capacity, nil, ttl)}
}

func ProjectKey(projectID string) string { return "project:" + projectID }
func UserKey(userID string) string       { return "user:" + userID }

func (c *AlertCache) Get(key string) ([]domain.Alert, bool) {
	return c.lru.Get(key)
}

func (c *AlertCache) Set(key string, alerts []domain.Alert) {
	c.lru.Add(key, alerts)
}

// Invalidate removes the given keys immediately.
func (c *AlertCache) Invalidate(keys ...string) {
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

// InvalidatePattern removes every entry whose key contains the substring.
// Batch reconcile uses this when the affected user set is not known up front.
func (c *AlertCache) InvalidatePattern(substr string) {
	for _, k := range c.lru.Keys() {
		if strings.Contains(k, substr) {
			c.lru.Remove(k)
		}
	}
}

func (c *AlertCache) Purge() {
	c.lru.Purge()
}

func (c *AlertCache) Len() int {
	return c.lru.Len()
}
