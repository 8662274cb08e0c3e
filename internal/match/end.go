package match

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
)

// finish runs after a terminal transition has been persisted. It broadcasts the
// end notice under the session lock, drops the session's bindings, releases the
// lock and then applies the derived projections.
func (c *Coordinator) finish(ctx context.Context, g *domain.Game, release func()) {
	c.broadcast(g.ID, GameEnded{
		Type:      EventGameEnded,
		SessionID: g.ID,
		Winner:    winnerOf(g.Result),
		Reason:    g.EndReason,
		Result:    g.Result,
		Status:    g.Status,
	})
	for _, id := range c.reg.MembersOf(g.ID) {
		c.reg.Unbind(id)
	}
	c.clearTransient(g.ID)
	release()

	obslog.L().Info("match_game_end",
		zap.String("game_id", g.ID),
		zap.String("status", string(g.Status)),
		zap.String("result", string(g.Result)),
		zap.String("reason", string(g.EndReason)),
		zap.Int("plies", len(g.MoveLog)),
	)
	c.applyStats(ctx, g, domain.StatsFor(g, g.Result))
	c.archiveResult(ctx, g)
}

// applyStats bumps each counter once. Failures are logged for reconciliation and
// never undo the transition that triggered them.
func (c *Coordinator) applyStats(ctx context.Context, g *domain.Game, incs []domain.StatsIncrement) {
	for _, inc := range incs {
		if inc.UserID == "" {
			continue
		}
		if err := c.repo.IncrementCounter(ctx, inc.UserID, inc.Counter, 1); err != nil {
			obslog.L().Error("match_stats_error",
				zap.String("game_id", g.ID),
				zap.String("user_id", inc.UserID),
				zap.String("counter", string(inc.Counter)),
				zap.Error(err),
			)
		}
	}
}

func (c *Coordinator) archiveResult(ctx context.Context, g *domain.Game) {
	if c.archive == nil {
		return
	}
	white, _ := c.repo.FindUser(ctx, g.PlayerOn(domain.SideWhite))
	black, _ := c.repo.FindUser(ctx, g.PlayerOn(domain.SideBlack))
	if err := c.archive.SaveResult(ctx, g, white, black); err != nil {
		obslog.L().Error("match_archive_error", zap.String("game_id", g.ID), zap.Error(err))
	}
}

// Resign ends the game with the opposing side as winner.
func (c *Coordinator) Resign(ctx context.Context, sessionID string, side domain.Side) (*domain.Game, error) {
	release, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := c.loadGame(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.resignLocked(ctx, g, side, release)
}

// ResignByConnection resigns for the side bound to connID.
func (c *Coordinator) ResignByConnection(ctx context.Context, sessionID, connID string) (*domain.Game, error) {
	release, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := c.loadGame(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	b, ok := c.reg.Lookup(connID)
	if !ok || b.SessionID != sessionID {
		if g.Status.Terminal() {
			return nil, ErrGameOver
		}
		return nil, ErrNotParticipant
	}
	return c.resignLocked(ctx, g, b.Side, release)
}

func (c *Coordinator) resignLocked(ctx context.Context, g *domain.Game, side domain.Side, release func()) (*domain.Game, error) {
	if g.FirstPlayerID == "" || g.SecondPlayerID == "" {
		return nil, ErrSlotsEmpty
	}
	if g.Status.Terminal() {
		return nil, ErrGameOver
	}
	if side.Opponent() == domain.SideNone {
		return nil, ErrNotParticipant
	}
	next := g.Clone()
	next.Status = domain.StatusFinished
	next.Result = domain.WinFor(side.Opponent())
	next.EndReason = domain.ReasonResignation
	next.EndedAt = c.now()
	if err := c.persist(ctx, g, next); err != nil {
		return nil, err
	}
	obslog.L().Info("match_resign",
		zap.String("game_id", g.ID),
		zap.String("side", side.String()),
		zap.String("result", string(next.Result)),
	)
	c.finish(ctx, next, release)
	return next, nil
}

// OfferDraw relays a draw offer to the other connections without touching the record.
func (c *Coordinator) OfferDraw(ctx context.Context, sessionID, connID string) error {
	release, err := c.lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	_, b, err := c.inProgressFor(ctx, sessionID, connID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.offers[sessionID] = drawOffer{by: b.Side, at: c.now()}
	c.mu.Unlock()

	c.broadcast(sessionID, DrawOffered{Type: EventDrawOffered, SessionID: sessionID, By: b.Side}, connID)
	obslog.L().Info("match_draw_offer", zap.String("game_id", sessionID), zap.String("side", b.Side.String()))
	return nil
}

// AcceptDraw ends the game as a draw by agreement if the opponent has an open offer.
func (c *Coordinator) AcceptDraw(ctx context.Context, sessionID, connID string) (*domain.Game, error) {
	release, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	g, b, err := c.inProgressFor(ctx, sessionID, connID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	offer, ok := c.offers[sessionID]
	if ok && c.policy.DrawOfferTTL > 0 && c.now().Sub(offer.at) > c.policy.DrawOfferTTL {
		delete(c.offers, sessionID)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoDrawOffer
	}
	if offer.by == b.Side {
		return nil, ErrOwnDrawOffer
	}

	next := g.Clone()
	next.Status = domain.StatusFinished
	next.Result = domain.ResultDraw
	next.EndReason = domain.ReasonAgreement
	next.EndedAt = c.now()
	if err := c.persist(ctx, g, next); err != nil {
		return nil, err
	}
	obslog.L().Info("match_draw_agreed", zap.String("game_id", sessionID))
	c.finish(ctx, next, release)
	return next, nil
}

func (c *Coordinator) inProgressFor(ctx context.Context, sessionID, connID string) (*domain.Game, bindingView, error) {
	g, err := c.loadGame(ctx, sessionID)
	if err != nil {
		return nil, bindingView{}, err
	}
	if g.Status != domain.StatusInProgress {
		if g.Status.Terminal() {
			return nil, bindingView{}, ErrGameOver
		}
		return nil, bindingView{}, ErrNotInProgress
	}
	b, ok := c.reg.Lookup(connID)
	if !ok || b.SessionID != sessionID || b.Side == domain.SideNone {
		return nil, bindingView{}, ErrNotParticipant
	}
	return g, bindingView{PlayerID: b.PlayerID, Side: b.Side}, nil
}

type bindingView struct {
	PlayerID string
	Side     domain.Side
}
