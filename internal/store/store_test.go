package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-match/internal/domain"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	s, err := NewRedisStore(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func repositories(t *testing.T) map[string]Repository {
	rs, _ := newTestRedisStore(t)
	return map[string]Repository{
		"memory": NewMemory(),
		"redis":  rs,
	}
}

func sampleGame(id string, created time.Time) *domain.Game {
	return &domain.Game{
		ID:            id,
		FirstPlayerID: "u1",
		Status:        domain.StatusWaiting,
		Position:      "startpos",
		MoveLog:       []string{},
		MovesUCI:      []string{},
		CreatedAt:     created,
		UpdatedAt:     created,
		Version:       1,
	}
}

func TestRepository_GameLifecycle(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := sampleGame("g1", time.Now().UTC())
			require.NoError(t, repo.CreateGame(ctx, g))
			assert.True(t, errors.Is(repo.CreateGame(ctx, g), ErrDuplicate))

			got, err := repo.FindGame(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, "u1", got.FirstPlayerID)
			assert.Equal(t, int64(1), got.Version)

			got.SecondPlayerID = "u2"
			got.Status = domain.StatusInProgress
			got.Version = 2
			require.NoError(t, repo.UpdateGame(ctx, got, 1))

			stale := got.Clone()
			stale.MoveLog = append(stale.MoveLog, "e4")
			stale.Version = 2
			err = repo.UpdateGame(ctx, stale, 1)
			assert.True(t, errors.Is(err, ErrVersionConflict))

			again, err := repo.FindGame(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusInProgress, again.Status)
			assert.Empty(t, again.MoveLog)

			_, err = repo.FindGame(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(repo.UpdateGame(ctx, sampleGame("missing", time.Now()), 1), ErrNotFound))
		})
	}
}

func TestRepository_ListWaitingGames(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			for i := 0; i < 3; i++ {
				require.NoError(t, repo.CreateGame(ctx, sampleGame(fmt.Sprintf("g%d", i), base.Add(time.Duration(i)*time.Second))))
			}
			started, err := repo.FindGame(ctx, "g1")
			require.NoError(t, err)
			started.Status = domain.StatusInProgress
			started.Version++
			require.NoError(t, repo.UpdateGame(ctx, started, 1))

			list, err := repo.ListGames(ctx, domain.StatusWaiting, 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "g2", list[0].ID)
			assert.Equal(t, "g0", list[1].ID)

			list, err = repo.ListGames(ctx, domain.StatusWaiting, 1)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestRepository_UserCounters(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: "u1", Name: "Alice", CreatedAt: time.Now()}))
			assert.True(t, errors.Is(repo.CreateUser(ctx, &domain.User{ID: "u1"}), ErrDuplicate))

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, repo.IncrementCounter(ctx, "u1", domain.CounterWins, 1))
				}()
			}
			wg.Wait()
			require.NoError(t, repo.IncrementCounter(ctx, "u1", domain.CounterDraws, 2))

			u, err := repo.FindUser(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, "Alice", u.Name)
			assert.Equal(t, int64(10), u.Wins)
			assert.Equal(t, int64(0), u.Losses)
			assert.Equal(t, int64(2), u.Draws)

			assert.True(t, errors.Is(repo.IncrementCounter(ctx, "ghost", domain.CounterWins, 1), ErrNotFound))
			assert.Error(t, repo.IncrementCounter(ctx, "u1", domain.Counter("elo"), 1))
			assert.Error(t, repo.IncrementCounter(ctx, "u1", domain.CounterWins, -1))

			_, err = repo.FindUser(ctx, "ghost")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestRedisStore_GameTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateGame(ctx, sampleGame("ttl", time.Now())))
	assert.Equal(t, time.Hour, mr.TTL(gameKey("ttl")))

	mr.FastForward(2 * time.Hour)
	_, err := s.FindGame(ctx, "ttl")
	assert.True(t, errors.Is(err, ErrNotFound))

	list, err := s.ListGames(ctx, domain.StatusWaiting, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestParseRedisURL(t *testing.T) {
	opts, err := ParseRedisURL("redis://:secret@localhost:6380/3")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)

	_, err = ParseRedisURL("http://localhost")
	assert.Error(t, err)
}
