package store

import (
	"context"
	"sync"

	"CourseChat/internal/session"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultHistoryCacheSize = 128

// TurnLog is the part of the store a History needs
type TurnLog interface {
	AppendTurn(ctx context.Context, sessionID string, role session.Role, content string) error
	GetTurns(ctx context.Context, sessionID string) ([]session.Turn, error)
}

// History is a handle on the turns of a single session
type History struct {
	sessionID string
	store     TurnLog
}

// SessionID returns the session this handle is bound to
func (h *History) SessionID() string {
	return h.sessionID
}

// Messages returns the stored turns, oldest first
func (h *History) Messages(ctx context.Context) ([]session.Turn, error) {
	return h.store.GetTurns(ctx, h.sessionID)
}

// AddUserMessage appends a user turn
func (h *History) AddUserMessage(ctx context.Context, content string) error {
	return h.store.AppendTurn(ctx, h.sessionID, session.RoleUser, content)
}

// AddAIMessage appends an assistant turn
func (h *History) AddAIMessage(ctx context.Context, content string) error {
	return h.store.AppendTurn(ctx, h.sessionID, session.RoleAssistant, content)
}

// HistoryCache reuses History handles per session id. It is bounded; the
// least recently used handle is dropped once the cache is full.
type HistoryCache struct {
	store   TurnLog
	mu      sync.Mutex
	handles *lru.Cache[string, *History]
}

// NewHistoryCache creates a cache of at most size handles
func NewHistoryCache(s TurnLog, size int) (*HistoryCache, error) {
	if size <= 0 {
		size = DefaultHistoryCacheSize
	}
	handles, err := lru.New[string, *History](size)
	if err != nil {
		return nil, err
	}
	return &HistoryCache{store: s, handles: handles}, nil
}

// Get returns the handle for sessionID, creating it if needed.
func (c *HistoryCache) Get(sessionID string) *History {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles.Get(sessionID); ok {
		return h
	}
	h := &History{sessionID: sessionID, store: c.store}
	c.handles.Add(sessionID, h)
	return h
}

// Purge drops every cached handle, used after a store reset.
func (c *HistoryCache) Purge() {
	c.handles.Purge()
}

// Len reports the number of cached handles
func (c *HistoryCache) Len() int {
	return c.handles.Len()
}
