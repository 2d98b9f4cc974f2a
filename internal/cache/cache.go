package cache

import (
	"crypto/sha256"
	"fmt"
	"time"

	"CourseChat/internal/session"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedResponse represents a cached API response
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the system instruction and messages
func GenerateCacheKey(system string, messages []session.Turn) string {
	h := sha256.New()
	h.Write([]byte(system))
	for _, msg := range messages {
		h.Write([]byte{0})
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ResponseCache keeps the most recent replies keyed by request hash.
// A nil *ResponseCache is valid and never hits.
type ResponseCache struct {
	entries *lru.Cache[string, CachedResponse]
}

// NewResponseCache returns a cache of the given size, or nil when size <= 0.
func NewResponseCache(size int) (*ResponseCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, CachedResponse](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	return &ResponseCache{entries: entries}, nil
}

// Get returns a cached reply
func (c *ResponseCache) Get(key string) (CachedResponse, bool) {
	if c == nil {
		return CachedResponse{}, false
	}
	return c.entries.Get(key)
}

// Put stores a reply
func (c *ResponseCache) Put(key, response string) {
	if c == nil {
		return
	}
	c.entries.Add(key, CachedResponse{Response: response, Timestamp: time.Now()})
}

// Purge empties the cache
func (c *ResponseCache) Purge() {
	if c == nil {
		return
	}
	c.entries.Purge()
}
