// Package registry tracks which live connection belongs to which game session.
// State is process-local and never persisted; clients re-join after a restart.
package registry

import (
	"sort"
	"sync"

	"github.com/park285/cheese-match/internal/domain"
)

// Binding associates one connection with a session and the participant behind it.
type Binding struct {
	SessionID string
	PlayerID  string
	Side      domain.Side
}

type Registry interface {
	// Bind records membership. A connection already bound elsewhere is released first.
	Bind(connID string, b Binding)
	// Unbind removes the connection and returns the binding it held.
	Unbind(connID string) (Binding, bool)
	MembersOf(sessionID string) []string
	SizeOf(sessionID string) int
	Lookup(connID string) (Binding, bool)
}

// Memory is the in-memory Registry.
type Memory struct {
	mu       sync.RWMutex
	conns    map[string]Binding
	sessions map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		conns:    make(map[string]Binding),
		sessions: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Bind(connID string, b Binding) {
	if connID == "" || b.SessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(connID)
	m.conns[connID] = b
	set, ok := m.sessions[b.SessionID]
	if !ok {
		set = make(map[string]struct{}, 2)
		m.sessions[b.SessionID] = set
	}
	set[connID] = struct{}{}
}

func (m *Memory) Unbind(connID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(connID)
}

func (m *Memory) releaseLocked(connID string) (Binding, bool) {
	prev, ok := m.conns[connID]
	if !ok {
		return Binding{}, false
	}
	delete(m.conns, connID)
	if set, ok := m.sessions[prev.SessionID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.sessions, prev.SessionID)
		}
	}
	return prev, true
}

// MembersOf returns connection IDs in a stable order.
func (m *Memory) MembersOf(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sessions[sessionID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) SizeOf(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}

func (m *Memory) Lookup(connID string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.conns[connID]
	return b, ok
}

// ConnectionsOf returns the connections in sessionID held by playerID.
func ConnectionsOf(r Registry, sessionID, playerID string) []string {
	var out []string
	for _, id := range r.MembersOf(sessionID) {
		if b, ok := r.Lookup(id); ok && b.PlayerID == playerID {
			out = append(out, id)
		}
	}
	return out
}
