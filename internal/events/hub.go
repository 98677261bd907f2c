package events

import (
	"sync"
)

// Hub hands out one Manager per session, since event IDs are only
// unique within a session's run.
type Hub struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{managers: make(map[string]*Manager)}
}

// Get returns the manager for a session, or nil if none exists.
func (h *Hub) Get(sessionID string) *Manager {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.managers[sessionID]
}

// GetOrCreate returns the session's manager, creating it on first use.
func (h *Hub) GetOrCreate(sessionID string) *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.managers[sessionID]; ok {
		return m
	}
	m := NewManager()
	h.managers[sessionID] = m
	return m
}

// Reset installs a fresh manager for a new run of the session,
// dropping the previous log and its iteration counters.
func (h *Hub) Reset(sessionID string) *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := NewManager()
	h.managers[sessionID] = m
	return m
}

// Prune drops managers for sessions the registry no longer knows,
// keeping the hub from outgrowing the session map.
func (h *Hub) Prune(isAlive func(sessionID string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id := range h.managers {
		if !isAlive(id) {
			delete(h.managers, id)
			removed++
		}
	}
	return removed
}
