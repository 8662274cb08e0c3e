// Package match is the real-time match coordinator. It binds live connections to
// game sessions, enforces turn order, applies moves against the persisted record
// and decides every terminal transition exactly once.
package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/registry"
	"github.com/park285/cheese-match/internal/rules"
	"github.com/park285/cheese-match/internal/store"
)

type RejoinPolicy string

const (
	RejoinReconnect RejoinPolicy = "reconnect"
	RejoinReject    RejoinPolicy = "reject"
)

type SideResolution string

const (
	SideFromConnection SideResolution = "connection"
	SideFromPiece      SideResolution = "piece"
)

// Policy captures the deployment variants the coordinator supports.
type Policy struct {
	AllowSelfPlay  bool
	Rejoin         RejoinPolicy
	SideResolution SideResolution
	// ScoreAbandonment counts an abandoned game as a loss for the side that dropped first.
	ScoreAbandonment bool
	// DrawOfferTTL of zero keeps offers until the game moves on.
	DrawOfferTTL time.Duration
}

// Archiver persists terminal games outside the live repository.
type Archiver interface {
	SaveResult(ctx context.Context, g *domain.Game, white, black *domain.User) error
}

type Options struct {
	Repo        store.Repository
	Rules       rules.Engine
	Registry    registry.Registry
	Notifier    Notifier
	Archive     Archiver
	Policy      Policy
	Clock       func() time.Time
	NewID       func() string
	LockTimeout time.Duration
}

type drawOffer struct {
	by domain.Side
	at time.Time
}

type Coordinator struct {
	repo     store.Repository
	rules    rules.Engine
	reg      registry.Registry
	notifier Notifier
	archive  Archiver
	policy   Policy
	now      func() time.Time
	newID    func() string
	timeout  time.Duration

	locks *keyedLocks

	// transient per-session state, guarded by mu and only touched while the
	// session lock is held
	mu     sync.Mutex
	offers map[string]drawOffer
	drops  map[string]domain.Side
}

func New(opts Options) (*Coordinator, error) {
	if opts.Repo == nil {
		return nil, errors.New("match: repository required")
	}
	if opts.Rules == nil {
		return nil, errors.New("match: rules engine required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Policy.Rejoin == "" {
		opts.Policy.Rejoin = RejoinReconnect
	}
	if opts.Policy.SideResolution == "" {
		opts.Policy.SideResolution = SideFromConnection
	}
	return &Coordinator{
		repo:     opts.Repo,
		rules:    opts.Rules,
		reg:      opts.Registry,
		notifier: opts.Notifier,
		archive:  opts.Archive,
		policy:   opts.Policy,
		now:      func() time.Time { return opts.Clock().UTC() },
		newID:    opts.NewID,
		timeout:  opts.LockTimeout,
		locks:    newKeyedLocks(),
		offers:   make(map[string]drawOffer),
		drops:    make(map[string]domain.Side),
	}, nil
}

// SetNotifier swaps the sink; used when the transport is built after the coordinator.
func (c *Coordinator) SetNotifier(n Notifier) {
	if n == nil {
		n = NopNotifier{}
	}
	c.notifier = n
}

func (c *Coordinator) Registry() registry.Registry { return c.reg }

// lock acquires the per-game serialisation slot bounded by the configured timeout.
func (c *Coordinator) lock(ctx context.Context, sessionID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	release, err := c.locks.acquire(lctx, sessionID)
	if err != nil {
		return nil, unavailable("acquire session "+sessionID, err)
	}
	return release, nil
}

func (c *Coordinator) loadGame(ctx context.Context, sessionID string) (*domain.Game, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrGameNotFound.with(nil, map[string]any{"GameID": sessionID})
	}
	g, err := c.repo.FindGame(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrGameNotFound.with(err, map[string]any{"GameID": sessionID})
	}
	if err != nil {
		return nil, unavailable("find game", err)
	}
	return g, nil
}

// persist writes next over prev. The version bump is the exactly-once gate for
// every side effect that follows a transition. Status never moves backwards.
func (c *Coordinator) persist(ctx context.Context, prev, next *domain.Game) error {
	if !prev.Status.CanAdvanceTo(next.Status) {
		cause := fmt.Errorf("status %s -> %s", prev.Status, next.Status)
		if prev.Status.Terminal() {
			return ErrGameOver.with(cause, nil)
		}
		return ErrNotInProgress.with(cause, nil)
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = c.now()
	if err := c.repo.UpdateGame(ctx, next, prev.Version); err != nil {
		return unavailable("update game", err)
	}
	return nil
}

func (c *Coordinator) broadcast(sessionID string, ev Event, except ...string) {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	for _, id := range c.reg.MembersOf(sessionID) {
		if _, ok := skip[id]; ok {
			continue
		}
		c.notifier.Send(id, ev)
	}
}

// RegisterUser creates a user with zeroed counters.
func (c *Coordinator) RegisterUser(ctx context.Context, name string) (*domain.User, error) {
	u := &domain.User{ID: c.newID(), Name: strings.TrimSpace(name), CreatedAt: c.now()}
	if err := c.repo.CreateUser(ctx, u); err != nil {
		return nil, unavailable("create user", err)
	}
	obslog.L().Info("match_user_create", zap.String("user_id", u.ID))
	return u, nil
}

func (c *Coordinator) User(ctx context.Context, id string) (*domain.User, error) {
	u, err := c.repo.FindUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound.with(err, map[string]any{"PlayerID": id})
	}
	if err != nil {
		return nil, unavailable("find user", err)
	}
	return u, nil
}

// CreateSession creates a WAITING game owned by firstPlayerID.
func (c *Coordinator) CreateSession(ctx context.Context, firstPlayerID string) (*domain.Game, error) {
	firstPlayerID = strings.TrimSpace(firstPlayerID)
	if _, err := c.User(ctx, firstPlayerID); err != nil {
		return nil, err
	}
	now := c.now()
	g := &domain.Game{
		ID:            c.newID(),
		FirstPlayerID: firstPlayerID,
		Status:        domain.StatusWaiting,
		Position:      c.rules.StartingPosition(),
		MoveLog:       []string{},
		MovesUCI:      []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := c.repo.CreateGame(ctx, g); err != nil {
		return nil, unavailable("create game", err)
	}
	obslog.L().Info("match_session_create",
		zap.String("game_id", g.ID),
		zap.String("first_player_id", firstPlayerID),
	)
	return g, nil
}

// Game returns the persisted record.
func (c *Coordinator) Game(ctx context.Context, sessionID string) (*domain.Game, error) {
	return c.loadGame(ctx, sessionID)
}

// ListWaiting returns open games awaiting a second participant.
func (c *Coordinator) ListWaiting(ctx context.Context, limit int) ([]*domain.Game, error) {
	list, err := c.repo.ListGames(ctx, domain.StatusWaiting, limit)
	if err != nil {
		return nil, unavailable("list games", err)
	}
	return list, nil
}

// ReplayResult compares a stored position with one rebuilt from the move record.
type ReplayResult struct {
	Stored   string
	Replayed string
	Plies    int
}

func (r ReplayResult) Consistent() bool { return r.Stored == r.Replayed }

// Replay rebuilds the game's position from the starting position.
func (c *Coordinator) Replay(ctx context.Context, sessionID string) (ReplayResult, error) {
	g, err := c.loadGame(ctx, sessionID)
	if err != nil {
		return ReplayResult{}, err
	}
	pos, err := c.rules.Replay(g.MovesUCI)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay %s: %w", sessionID, err)
	}
	return ReplayResult{Stored: g.Position, Replayed: pos, Plies: len(g.MovesUCI)}, nil
}

func (c *Coordinator) sideToMove(g *domain.Game) domain.Side {
	if g.Status != domain.StatusInProgress {
		if g.Status == domain.StatusWaiting {
			return domain.SideWhite
		}
		return domain.SideNone
	}
	side, err := c.rules.SideToMove(g.Position)
	if err != nil {
		return domain.SideNone
	}
	return side
}

func (c *Coordinator) clearTransient(sessionID string) {
	c.mu.Lock()
	delete(c.offers, sessionID)
	delete(c.drops, sessionID)
	c.mu.Unlock()
}
