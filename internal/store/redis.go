package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
)

const defaultGameTTL = 24 * time.Hour

// RedisStore keeps game documents as JSON and users as hashes.
// Game writes are guarded by WATCH on the game key plus a stored version check.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects using a redis:// or rediss:// URL.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis store")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, ttl), nil
}

func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultGameTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func gameKey(id string) string              { return "match:game:" + strings.TrimSpace(id) }
func userKey(id string) string              { return "match:user:" + strings.TrimSpace(id) }
func statusIndexKey(st domain.Status) string { return "match:index:status:" + string(st) }

func (s *RedisStore) FindGame(ctx context.Context, id string) (*domain.Game, error) {
	raw, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, err)
	}
	var g domain.Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", id, err)
	}
	return &g, nil
}

func (s *RedisStore) CreateGame(ctx context.Context, g *domain.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("create game: empty id")
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode game: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, gameKey(g.ID), raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}
	if !ok {
		return fmt.Errorf("game %s: %w", g.ID, ErrDuplicate)
	}
	s.indexStatus(ctx, g.ID, "", g.Status)
	return nil
}

func (s *RedisStore) UpdateGame(ctx context.Context, g *domain.Game, expectedVersion int64) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("update game: empty id")
	}
	key := gameKey(g.ID)
	var prevStatus domain.Status
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("game %s: %w", g.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var cur domain.Game
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return fmt.Errorf("decode game %s: %w", g.ID, jerr)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("game %s at v%d, expected v%d: %w", g.ID, cur.Version, expectedVersion, ErrVersionConflict)
		}
		prevStatus = cur.Status

		newRaw, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode game: %w", err)
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// WATCH 충돌: 다른 쓰기가 먼저 반영됨
			return fmt.Errorf("game %s: %w", g.ID, ErrVersionConflict)
		}
		return err
	}
	s.indexStatus(ctx, g.ID, prevStatus, g.Status)
	return nil
}

// indexStatus keeps the per-status id sets in step with the documents. Index errors are
// logged only; ListGames tolerates stale members.
func (s *RedisStore) indexStatus(ctx context.Context, id string, from, to domain.Status) {
	if from == to {
		return
	}
	pipe := s.rdb.TxPipeline()
	if from != "" {
		pipe.SRem(ctx, statusIndexKey(from), id)
	}
	if to != "" && !to.Terminal() {
		pipe.SAdd(ctx, statusIndexKey(to), id)
		pipe.Expire(ctx, statusIndexKey(to), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("store_index_error", zap.String("game_id", id), zap.Error(err))
	}
}

// ListGames returns non-terminal games in the given status, newest first.
func (s *RedisStore) ListGames(ctx context.Context, status domain.Status, limit int) ([]*domain.Game, error) {
	if status.Terminal() {
		return nil, fmt.Errorf("list games: terminal status %s is not indexed", status)
	}
	if status == "" {
		status = domain.StatusWaiting
	}
	ids, err := s.rdb.SMembers(ctx, statusIndexKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	var out []*domain.Game
	for _, id := range ids {
		g, gerr := s.FindGame(ctx, id)
		if errors.Is(gerr, ErrNotFound) {
			_ = s.rdb.SRem(ctx, statusIndexKey(status), id).Err()
			continue
		}
		if gerr != nil {
			return nil, gerr
		}
		if g.Status != status {
			continue
		}
		out = append(out, g)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) FindUser(ctx context.Context, id string) (*domain.User, error) {
	vals, err := s.rdb.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u := &domain.User{ID: id, Name: vals["name"]}
	u.Wins, _ = strconv.ParseInt(vals[string(domain.CounterWins)], 10, 64)
	u.Losses, _ = strconv.ParseInt(vals[string(domain.CounterLosses)], 10, 64)
	u.Draws, _ = strconv.ParseInt(vals[string(domain.CounterDraws)], 10, 64)
	if ts, perr := time.Parse(time.RFC3339Nano, vals["created_at"]); perr == nil {
		u.CreatedAt = ts
	}
	return u, nil
}

func (s *RedisStore) CreateUser(ctx context.Context, u *domain.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("create user: empty id")
	}
	key := userKey(u.ID)
	created, err := s.rdb.HSetNX(ctx, key, "name", u.Name).Result()
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	if !created {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	err = s.rdb.HSet(ctx, key,
		string(domain.CounterWins), u.Wins,
		string(domain.CounterLosses), u.Losses,
		string(domain.CounterDraws), u.Draws,
		"created_at", u.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

// IncrementCounter bumps one statistics field with HINCRBY. Unknown users are not created.
func (s *RedisStore) IncrementCounter(ctx context.Context, userID string, c domain.Counter, delta int64) error {
	if !c.Valid() {
		return fmt.Errorf("unknown counter %q", c)
	}
	if delta < 0 {
		return fmt.Errorf("counter %s: negative delta", c)
	}
	key := userKey(userID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		pipe := tx.TxPipeline()
		pipe.HIncrBy(ctx, key, string(c), delta)
		_, err = pipe.Exec(ctx)
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// 동시 증가로 WATCH가 깨진 경우 1회 재시도
		return s.rdb.HIncrBy(ctx, key, string(c), delta).Err()
	}
	return err
}

// ParseRedisURL extracts client options from a redis:// or rediss:// URL.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("redis db %q: %w", p, err)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}
