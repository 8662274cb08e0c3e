package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/cheese-match/internal/domain"
)

// Memory is a development repository used when no REDIS_URL is configured.
type Memory struct {
	mu    sync.RWMutex
	games map[string]*domain.Game
	users map[string]*domain.User
}

func NewMemory() *Memory {
	return &Memory{
		games: make(map[string]*domain.Game),
		users: make(map[string]*domain.User),
	}
}

func (m *Memory) FindGame(_ context.Context, id string) (*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

func (m *Memory) CreateGame(_ context.Context, g *domain.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("create game: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.games[g.ID]; exists {
		return fmt.Errorf("game %s: %w", g.ID, ErrDuplicate)
	}
	m.games[g.ID] = g.Clone()
	return nil
}

func (m *Memory) UpdateGame(_ context.Context, g *domain.Game, expectedVersion int64) error {
	if g == nil {
		return fmt.Errorf("update game: nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.games[g.ID]
	if !ok {
		return fmt.Errorf("game %s: %w", g.ID, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("game %s at v%d, expected v%d: %w", g.ID, cur.Version, expectedVersion, ErrVersionConflict)
	}
	m.games[g.ID] = g.Clone()
	return nil
}

func (m *Memory) ListGames(_ context.Context, status domain.Status, limit int) ([]*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Game
	for _, g := range m.games {
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, g.Clone())
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) CreateUser(_ context.Context, u *domain.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("create user: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) IncrementCounter(_ context.Context, userID string, c domain.Counter, delta int64) error {
	if !c.Valid() {
		return fmt.Errorf("unknown counter %q", c)
	}
	if delta < 0 {
		return fmt.Errorf("counter %s: negative delta", c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	switch c {
	case domain.CounterWins:
		u.Wins += delta
	case domain.CounterLosses:
		u.Losses += delta
	case domain.CounterDraws:
		u.Draws += delta
	}
	return nil
}

func sortNewestFirst(list []*domain.Game) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
