package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const idPrefix = "user_"

// IDSource hands out session ids of the form user_<n>. A single source is
// shared by every manager in the process so ids never repeat within it.
type IDSource struct {
	mu   sync.Mutex
	next int
}

// NewIDSource creates an id source starting at user_0
func NewIDSource() *IDSource {
	return &IDSource{}
}

// Next returns the next unused id
func (s *IDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%s%d", idPrefix, s.next)
	s.next++
	return id
}

// SeedFrom advances the counter past every persisted user_<n> id.
func (s *IDSource) SeedFrom(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		n, ok := parseID(id)
		if ok && n >= s.next {
			s.next = n + 1
		}
	}
}

func parseID(id string) (int, bool) {
	rest, found := strings.CutPrefix(id, idPrefix)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Manager tracks the active session for one UI context
type Manager struct {
	ids     *IDSource
	mu      sync.Mutex
	current string

	exchange sync.Mutex
}

// NewManager creates a manager with no active session
func NewManager(ids *IDSource) *Manager {
	if ids == nil {
		ids = NewIDSource()
	}
	return &Manager{ids: ids}
}

// Current returns the active session id, starting a new session if none is active.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		m.current = m.ids.Next()
	}
	return m.current
}

// NewSession makes a freshly generated id active and returns it.
func (m *Manager) NewSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.ids.Next()
	return m.current
}

// SwitchTo makes id active. The id is not required to have stored turns.
func (m *Manager) SwitchTo(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = id
}

// LockExchange blocks until no other exchange is running in this context.
func (m *Manager) LockExchange() {
	m.exchange.Lock()
}

// UnlockExchange releases the lock taken by LockExchange
func (m *Manager) UnlockExchange() {
	m.exchange.Unlock()
}
