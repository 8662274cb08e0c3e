package match

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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/registry"
	"github.com/park285/cheese-match/internal/rules"
	"github.com/park285/cheese-match/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecorder() *recorder { return &recorder{events: make(map[string][]Event)} }

func (r *recorder) Send(connID string, ev Event) {
	r.mu.Lock()
	r.events[connID] = append(r.events[connID], ev)
	r.mu.Unlock()
}

func (r *recorder) of(connID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[connID]...)
}

func (r *recorder) types(connID string) []EventType {
	var out []EventType
	for _, ev := range r.of(connID) {
		out = append(out, ev.EventType())
	}
	return out
}

func (r *recorder) last(connID string) Event {
	evs := r.of(connID)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []*domain.Game
}

func (f *fakeArchive) SaveResult(_ context.Context, g *domain.Game, _, _ *domain.User) error {
	f.mu.Lock()
	f.saved = append(f.saved, g.Clone())
	f.mu.Unlock()
	return nil
}

type fixture struct {
	c       *Coordinator
	repo    store.Repository
	rec     *recorder
	archive *fakeArchive
}

func newFixture(t *testing.T, policy Policy, repo store.Repository) *fixture {
	t.Helper()
	if repo == nil {
		repo = store.NewMemory()
	}
	ctx := context.Background()
	for _, id := range []string{"U1", "U2", "U3"} {
		require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: id, Name: id}))
	}
	rec := newRecorder()
	arch := &fakeArchive{}
	seq := 0
	c, err := New(Options{
		Repo:     repo,
		Rules:    rules.NewChessEngine(),
		Registry: registry.NewMemory(),
		Notifier: rec,
		Archive:  arch,
		Policy:   policy,
		Clock:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	require.NoError(t, err)
	return &fixture{c: c, repo: repo, rec: rec, archive: arch}
}

// startGame creates a session for U1 and joins U1 on c1 and U2 on c2.
func (f *fixture) startGame(t *testing.T) *domain.Game {
	t.Helper()
	ctx := context.Background()
	g, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U1", "c1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U2", "c2")
	require.NoError(t, err)
	return g
}

func (f *fixture) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := f.repo.FindUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func move(t *testing.T, s string) rules.MoveIntent {
	t.Helper()
	mi, err := rules.ParseUCI(s)
	require.NoError(t, err)
	return mi
}

func TestScenario_ResignAfterOpening(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()

	g, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, g.Status)
	assert.Empty(t, g.MoveLog)

	r1, err := f.c.Join(ctx, g.ID, "U1", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.SideWhite, r1.Side)
	assert.False(t, r1.OpponentConnected)

	r2, err := f.c.Join(ctx, g.ID, "U2", "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.SideBlack, r2.Side)
	assert.Equal(t, domain.StatusInProgress, r2.Game.Status)
	assert.False(t, r2.Game.StartedAt.IsZero())
	assert.True(t, r2.OpponentConnected)
	assert.Equal(t, []EventType{EventGameState, EventPlayerConnected}, f.rec.types("c1"))

	res, err := f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e4"))
	require.NoError(t, err)
	assert.Equal(t, []string{"e4"}, res.Game.MoveLog)
	assert.Equal(t, domain.SideBlack, res.SideToMove)
	for _, conn := range []string{"c1", "c2"} {
		mm, ok := f.rec.last(conn).(MoveMade)
		require.True(t, ok, conn)
		assert.Equal(t, "e4", mm.Move)
		assert.Equal(t, domain.SideBlack, mm.SideToMove)
	}

	ended, err := f.c.ResignByConnection(ctx, g.ID, "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, ended.Status)
	assert.Equal(t, domain.ResultWhiteWin, ended.Result)
	for _, conn := range []string{"c1", "c2"} {
		ge, ok := f.rec.last(conn).(GameEnded)
		require.True(t, ok, conn)
		require.NotNil(t, ge.Winner)
		assert.Equal(t, domain.SideWhite, *ge.Winner)
		assert.Equal(t, domain.ReasonResignation, ge.Reason)
	}

	assert.Equal(t, int64(1), f.user(t, "U1").Wins)
	assert.Equal(t, int64(1), f.user(t, "U2").Losses)
	assert.Equal(t, int64(0), f.user(t, "U2").Wins)
	assert.Equal(t, 0, f.c.Registry().SizeOf(g.ID))
	require.Len(t, f.archive.saved, 1)
}

func TestScenario_UnansweredDrawThenAbandon(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	require.NoError(t, f.c.OfferDraw(ctx, g.ID, "c2"))
	offered, ok := f.rec.last("c1").(DrawOffered)
	require.True(t, ok)
	assert.Equal(t, domain.SideBlack, offered.By)
	assert.NotEqual(t, EventDrawOffered, f.rec.last("c2").EventType())

	require.NoError(t, f.c.Disconnect(ctx, "c1"))
	pd, ok := f.rec.last("c2").(PlayerDisconnected)
	require.True(t, ok)
	assert.Equal(t, "U1", pd.PlayerID)

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, cur.Status)

	require.NoError(t, f.c.Disconnect(ctx, "c2"))
	cur, err = f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, cur.Status)
	assert.Equal(t, domain.ResultNone, cur.Result)
	assert.False(t, cur.EndedAt.IsZero())

	for _, id := range []string{"U1", "U2"} {
		u := f.user(t, id)
		assert.Zero(t, u.Wins+u.Losses+u.Draws, id)
	}

	_, err = f.c.Join(ctx, g.ID, "U1", "c3")
	assert.ErrorIs(t, err, ErrGameOver)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestApplyMove_OutOfTurnIsForbiddenAndDoesNotMutate(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)
	before, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)

	_, err = f.c.ApplyMove(ctx, g.ID, "c2", move(t, "e7e5"))
	assert.ErrorIs(t, err, ErrNotYourTurn)
	assert.Equal(t, KindForbidden, KindOf(err))

	after, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Position, after.Position)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.MoveLog)
}

func TestApplyMove_IllegalMoveLeavesRecord(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	_, err := f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e5"))
	assert.ErrorIs(t, err, ErrIllegalMove)
	assert.Equal(t, KindInvalidMove, KindOf(err))
	assert.Equal(t, "e2e5", AsError(err).Data["Move"])

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, cur.MoveLog)
	assert.Equal(t, rules.NewChessEngine().StartingPosition(), cur.Position)
}

func TestApplyMove_StateChecks(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()

	_, err := f.c.ApplyMove(ctx, "nope", "c1", move(t, "e2e4"))
	assert.Equal(t, KindNotFound, KindOf(err))

	g, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U1", "c1")
	require.NoError(t, err)
	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e4"))
	assert.ErrorIs(t, err, ErrNotInProgress)

	_, err = f.c.Join(ctx, g.ID, "U2", "c2")
	require.NoError(t, err)
	_, err = f.c.ApplyMove(ctx, g.ID, "stranger", move(t, "e2e4"))
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestApplyMove_CheckmateFinishesGame(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	seq := []struct{ conn, mv string }{{"c1", "f2f3"}, {"c2", "e7e5"}, {"c1", "g2g4"}, {"c2", "d8h4"}}
	var res *MoveResult
	var err error
	for _, s := range seq {
		res, err = f.c.ApplyMove(ctx, g.ID, s.conn, move(t, s.mv))
		require.NoError(t, err, s.mv)
	}
	assert.True(t, res.Ended)
	assert.Equal(t, domain.StatusFinished, res.Game.Status)
	assert.Equal(t, domain.ResultBlackWin, res.Game.Result)
	assert.Equal(t, domain.ReasonCheckmate, res.Game.EndReason)
	assert.Equal(t, []string{"f3", "e5", "g4", "Qh4#"}, res.Game.MoveLog)

	ge, ok := f.rec.last("c1").(GameEnded)
	require.True(t, ok)
	assert.Equal(t, domain.SideBlack, *ge.Winner)

	assert.Equal(t, int64(1), f.user(t, "U2").Wins)
	assert.Equal(t, int64(1), f.user(t, "U1").Losses)

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "a2a3"))
	assert.ErrorIs(t, err, ErrGameOver)
	_, err = f.c.ResignByConnection(ctx, g.ID, "c1")
	assert.ErrorIs(t, err, ErrGameOver)
}

func TestJoin_FullGameAndUnknownUser(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	_, err := f.c.Join(ctx, g.ID, "U3", "c3")
	assert.ErrorIs(t, err, ErrGameFull)
	assert.Equal(t, KindConflict, KindOf(err))

	g2, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g2.ID, "ghost", "c9")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.c.CreateSession(ctx, "ghost")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.c.Join(ctx, "missing", "U1", "c9")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestJoin_ReconnectSupersedesOlderConnection(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	res, err := f.c.Join(ctx, g.ID, "U1", "c1b")
	require.NoError(t, err)
	assert.Equal(t, domain.SideWhite, res.Side)
	assert.Equal(t, "U2", res.Game.SecondPlayerID)

	_, ok := f.rec.last("c1").(Superseded)
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"c1b", "c2"}, f.c.Registry().MembersOf(g.ID))

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e4"))
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.c.ApplyMove(ctx, g.ID, "c1b", move(t, "e2e4"))
	require.NoError(t, err)

	// idempotent for the same connection
	_, err = f.c.Join(ctx, g.ID, "U1", "c1b")
	require.NoError(t, err)
	assert.Equal(t, 2, f.c.Registry().SizeOf(g.ID))
}

func TestJoin_RejectPolicyRefusesDuplicate(t *testing.T) {
	f := newFixture(t, Policy{Rejoin: RejoinReject}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	_, err := f.c.Join(ctx, g.ID, "U1", "c1b")
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, f.c.Disconnect(ctx, "c1"))
	_, err = f.c.Join(ctx, g.ID, "U1", "c1b")
	require.NoError(t, err)
}

func TestJoin_SelfPlayPolicy(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, Policy{}, nil)
	g, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U1", "c1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U1", "c2")
	assert.ErrorIs(t, err, ErrSelfPlay)

	f = newFixture(t, Policy{AllowSelfPlay: true}, nil)
	g, err = f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U1", "c1")
	require.NoError(t, err)
	res, err := f.c.Join(ctx, g.ID, "U1", "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.SideBlack, res.Side)
	assert.Equal(t, domain.StatusInProgress, res.Game.Status)

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e4"))
	require.NoError(t, err)
	_, err = f.c.ApplyMove(ctx, g.ID, "c2", move(t, "e7e5"))
	require.NoError(t, err)

	// a dropped seat is handed back on reconnect
	require.NoError(t, f.c.Disconnect(ctx, "c2"))
	res, err = f.c.Join(ctx, g.ID, "U1", "c3")
	require.NoError(t, err)
	assert.Equal(t, domain.SideBlack, res.Side)
}

func TestJoin_ConnectionMovesBetweenSessions(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)
	other, err := f.c.CreateSession(ctx, "U3")
	require.NoError(t, err)

	_, err = f.c.Join(ctx, other.ID, "U1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, f.c.Registry().MembersOf(g.ID))
	assert.Equal(t, []string{"c1"}, f.c.Registry().MembersOf(other.ID))
	_, ok := f.rec.last("c2").(PlayerDisconnected)
	assert.True(t, ok)
}

func TestDrawAgreement(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	_, err := f.c.AcceptDraw(ctx, g.ID, "c2")
	assert.ErrorIs(t, err, ErrNoDrawOffer)

	require.NoError(t, f.c.OfferDraw(ctx, g.ID, "c1"))
	_, err = f.c.AcceptDraw(ctx, g.ID, "c1")
	assert.ErrorIs(t, err, ErrOwnDrawOffer)

	ended, err := f.c.AcceptDraw(ctx, g.ID, "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, ended.Status)
	assert.Equal(t, domain.ResultDraw, ended.Result)
	assert.Equal(t, domain.ReasonAgreement, ended.EndReason)

	ge, ok := f.rec.last("c1").(GameEnded)
	require.True(t, ok)
	assert.Nil(t, ge.Winner)
	assert.Equal(t, domain.ReasonAgreement, ge.Reason)

	assert.Equal(t, int64(1), f.user(t, "U1").Draws)
	assert.Equal(t, int64(1), f.user(t, "U2").Draws)
}

func TestDrawOfferClearedByMoveAndExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, Policy{DrawOfferTTL: time.Minute}, nil)
	f.c.now = func() time.Time { return now }
	ctx := context.Background()
	g := f.startGame(t)

	require.NoError(t, f.c.OfferDraw(ctx, g.ID, "c1"))
	_, err := f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e4"))
	require.NoError(t, err)
	_, ok := f.rec.last("c2").(DrawDeclined)
	assert.True(t, ok)
	_, err = f.c.AcceptDraw(ctx, g.ID, "c2")
	assert.ErrorIs(t, err, ErrNoDrawOffer)

	require.NoError(t, f.c.OfferDraw(ctx, g.ID, "c1"))
	now = now.Add(2 * time.Minute)
	_, err = f.c.AcceptDraw(ctx, g.ID, "c2")
	assert.ErrorIs(t, err, ErrNoDrawOffer)
}

func TestResign_RequiresBothSlots(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)

	_, err = f.c.Resign(ctx, g.ID, domain.SideWhite)
	assert.ErrorIs(t, err, ErrSlotsEmpty)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestAbandonmentScoringFlag(t *testing.T) {
	f := newFixture(t, Policy{ScoreAbandonment: true}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	require.NoError(t, f.c.Disconnect(ctx, "c2"))
	require.NoError(t, f.c.Disconnect(ctx, "c1"))

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, cur.Status)
	assert.Equal(t, domain.ResultNone, cur.Result)
	assert.Equal(t, int64(1), f.user(t, "U2").Losses)
	assert.Equal(t, int64(1), f.user(t, "U1").Wins)
	require.Len(t, f.archive.saved, 1)
	assert.Equal(t, domain.StatusAbandoned, f.archive.saved[0].Status)
}

func TestWaitingGameSurvivesDisconnect(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g, err := f.c.CreateSession(ctx, "U1")
	require.NoError(t, err)
	_, err = f.c.Join(ctx, g.ID, "U1", "c1")
	require.NoError(t, err)
	require.NoError(t, f.c.Disconnect(ctx, "c1"))
	require.NoError(t, f.c.Disconnect(ctx, "c1"))

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, cur.Status)

	res, err := f.c.Join(ctx, g.ID, "U2", "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, res.Game.Status)
	assert.False(t, res.OpponentConnected)
}

func TestPieceSideResolution(t *testing.T) {
	f := newFixture(t, Policy{SideResolution: SideFromPiece}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	// black moving a white piece is rejected by ownership
	_, err := f.c.ApplyMove(ctx, g.ID, "c2", move(t, "e2e4"))
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e4e5"))
	assert.ErrorIs(t, err, ErrIllegalMove)

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e7e5"))
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "e2e4"))
	require.NoError(t, err)
}

func TestReplayRoundTrip(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	moves := []struct{ conn, mv string }{
		{"c1", "e2e4"}, {"c2", "e7e5"}, {"c1", "g1f3"}, {"c2", "b8c6"},
		{"c1", "f1b5"}, {"c2", "a7a6"}, {"c1", "e1g1"},
	}
	for _, m := range moves {
		_, err := f.c.ApplyMove(ctx, g.ID, m.conn, move(t, m.mv))
		require.NoError(t, err, m.mv)
	}
	rr, err := f.c.Replay(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, rr.Consistent(), "%s != %s", rr.Stored, rr.Replayed)
	assert.Equal(t, len(moves), rr.Plies)
}

type failingStats struct{ store.Repository }

func (failingStats) IncrementCounter(context.Context, string, domain.Counter, int64) error {
	return errors.New("stats backend down")
}

func TestStatsFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, Policy{}, failingStats{store.NewMemory()})
	ctx := context.Background()
	g := f.startGame(t)

	ended, err := f.c.Resign(ctx, g.ID, domain.SideWhite)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlackWin, ended.Result)

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, cur.Status)
}

type downRepo struct{ store.Repository }

func (downRepo) FindGame(context.Context, string) (*domain.Game, error) {
	return nil, errors.New("connection refused")
}

func TestRepositoryFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, Policy{}, downRepo{store.NewMemory()})
	_, err := f.c.ApplyMove(context.Background(), "g", "c", move(t, "e2e4"))
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestConcurrentMovesAreTotallyOrdered(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	// both sides race the same legal-looking replies; exactly one per turn may land
	white, black := move(t, "e2e4"), move(t, "e7e5")
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.c.ApplyMove(ctx, g.ID, "c1", white); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.c.ApplyMove(ctx, g.ID, "c2", black); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, accepted, len(cur.MoveLog))
	assert.Contains(t, []int{1, 2}, accepted)
	assert.Equal(t, int64(2+accepted), cur.Version)

	var seen [2][]string
	for i, conn := range []string{"c1", "c2"} {
		for _, ev := range f.rec.of(conn) {
			if mm, ok := ev.(MoveMade); ok {
				seen[i] = append(seen[i], mm.UCI)
			}
		}
	}
	assert.Equal(t, seen[0], seen[1])
	assert.Equal(t, cur.MovesUCI, seen[0])
}

func TestCoordinatorOnRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	f := newFixture(t, Policy{}, rs)
	ctx := context.Background()
	g := f.startGame(t)

	_, err = f.c.ApplyMove(ctx, g.ID, "c1", move(t, "d2d4"))
	require.NoError(t, err)
	_, err = f.c.Resign(ctx, g.ID, domain.SideBlack)
	require.NoError(t, err)

	cur, err := rs.FindGame(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, cur.Status)
	assert.Equal(t, []string{"d4"}, cur.MoveLog)
	assert.Equal(t, int64(1), f.user(t, "U1").Wins)

	waiting, err := f.c.ListWaiting(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestApplyMove_StalemateIsScoredDraw(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	cur, err := f.repo.FindGame(ctx, g.ID)
	require.NoError(t, err)
	cur.Position = "k7/8/2Q5/8/8/8/8/7K w - - 0 1"
	require.NoError(t, f.repo.UpdateGame(ctx, cur, cur.Version))

	res, err := f.c.ApplyMove(ctx, g.ID, "c1", move(t, "c6b6"))
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Equal(t, domain.StatusFinished, res.Game.Status)
	assert.Equal(t, domain.ResultDraw, res.Game.Result)
	assert.Equal(t, domain.ReasonStalemate, res.Game.EndReason)

	for _, conn := range []string{"c1", "c2"} {
		ge, ok := f.rec.last(conn).(GameEnded)
		require.True(t, ok, conn)
		assert.Nil(t, ge.Winner)
		assert.Equal(t, domain.ReasonStalemate, ge.Reason)
	}
	assert.Equal(t, int64(1), f.user(t, "U1").Draws)
	assert.Equal(t, int64(1), f.user(t, "U2").Draws)
	assert.Zero(t, f.user(t, "U1").Wins+f.user(t, "U1").Losses)
}

func TestApplyMove_RepetitionEndsGame(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	cycle := []struct{ conn, mv string }{{"c1", "g1f3"}, {"c2", "g8f6"}, {"c1", "f3g1"}, {"c2", "f6g8"}}
	var res *MoveResult
	plies := 0
	for i := 0; i < 5 && (res == nil || !res.Ended); i++ {
		for _, s := range cycle {
			var err error
			res, err = f.c.ApplyMove(ctx, g.ID, s.conn, move(t, s.mv))
			require.NoError(t, err, "ply %d", plies+1)
			plies++
			if res.Ended {
				break
			}
		}
	}
	require.True(t, res.Ended, "game still %s after %d plies", res.Game.Status, plies)
	assert.Equal(t, 8, plies)
	assert.Equal(t, domain.StatusFinished, res.Game.Status)
	assert.Equal(t, domain.ResultDraw, res.Game.Result)
	assert.Equal(t, domain.ReasonRepetition, res.Game.EndReason)

	ge, ok := f.rec.last("c2").(GameEnded)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonRepetition, ge.Reason)
	assert.Equal(t, int64(1), f.user(t, "U1").Draws)
	assert.Equal(t, int64(1), f.user(t, "U2").Draws)
}

func TestPersistRefusesStatusRegression(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	ended, err := f.c.Resign(ctx, g.ID, domain.SideWhite)
	require.NoError(t, err)
	back := ended.Clone()
	back.Status = domain.StatusInProgress
	back.Result = domain.ResultNone
	err = f.c.persist(ctx, ended, back)
	assert.ErrorIs(t, err, ErrGameOver)

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, cur.Status)
	assert.Equal(t, domain.ResultBlackWin, cur.Result)

	waiting, err := f.c.CreateSession(ctx, "U3")
	require.NoError(t, err)
	abandoned := waiting.Clone()
	abandoned.Status = domain.StatusAbandoned
	err = f.c.persist(ctx, waiting, abandoned)
	assert.ErrorIs(t, err, ErrNotInProgress)
}

func TestDetachKeepsGameRejoinable(t *testing.T) {
	f := newFixture(t, Policy{}, nil)
	ctx := context.Background()
	g := f.startGame(t)

	f.c.Detach("c1")
	f.c.Detach("c2")
	f.c.Detach("unknown")
	assert.Zero(t, f.c.Registry().SizeOf(g.ID))
	assert.NotContains(t, f.rec.types("c2"), EventPlayerDisconnected)

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, cur.Status)

	r, err := f.c.Join(ctx, g.ID, "U1", "c3")
	require.NoError(t, err)
	assert.Equal(t, domain.SideWhite, r.Side)
	_, err = f.c.Join(ctx, g.ID, "U2", "c4")
	require.NoError(t, err)
	_, err = f.c.ApplyMove(ctx, g.ID, "c3", move(t, "e2e4"))
	require.NoError(t, err)
}

type failingAbandon struct{ store.Repository }

func (r failingAbandon) UpdateGame(ctx context.Context, g *domain.Game, expectedVersion int64) error {
	if g.Status == domain.StatusAbandoned {
		return errors.New("write timeout")
	}
	return r.Repository.UpdateGame(ctx, g, expectedVersion)
}

func TestAbandonFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	obslog.Set(zap.New(core))
	defer obslog.Set(nil)

	f := newFixture(t, Policy{}, failingAbandon{store.NewMemory()})
	ctx := context.Background()
	g := f.startGame(t)

	require.NoError(t, f.c.Disconnect(ctx, "c1"))
	err := f.c.Disconnect(ctx, "c2")
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))

	entries := logs.FilterMessage("match_abandon_error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, g.ID, entries[0].ContextMap()["game_id"])

	cur, err := f.c.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, cur.Status)
}
