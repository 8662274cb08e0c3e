package match

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/rules"
)

// MoveResult is the state after an accepted move.
type MoveResult struct {
	Game       *domain.Game
	Notation   string
	UCI        string
	SideToMove domain.Side
	Ended      bool
}

// ApplyMove validates and applies a move requested over connID.
func (c *Coordinator) ApplyMove(ctx context.Context, sessionID, connID string, intent rules.MoveIntent) (*MoveResult, error) {
	release, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := c.loadGame(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if g.Status != domain.StatusInProgress {
		if g.Status.Terminal() {
			return nil, ErrGameOver
		}
		return nil, ErrNotInProgress
	}

	b, ok := c.reg.Lookup(connID)
	if !ok || b.SessionID != sessionID {
		return nil, ErrNotParticipant
	}
	mover, err := c.resolveMover(g, b.PlayerID, b.Side, intent)
	if err != nil {
		c.logRejected(sessionID, connID, intent, err)
		return nil, err
	}
	toMove, err := c.rules.SideToMove(g.Position)
	if err != nil {
		return nil, unavailable("read position", err)
	}
	if mover != toMove {
		c.logRejected(sessionID, connID, intent, ErrNotYourTurn)
		return nil, ErrNotYourTurn
	}

	applied, err := c.rules.Apply(g.Position, g.MovesUCI, intent)
	if err != nil {
		if errors.Is(err, rules.ErrBadPosition) {
			return nil, unavailable("apply move", err)
		}
		rejected := ErrIllegalMove.with(err, map[string]any{"Move": intent.UCI()})
		c.logRejected(sessionID, connID, intent, rejected)
		return nil, rejected
	}

	next := g.Clone()
	next.MoveLog = append(next.MoveLog, applied.Notation)
	next.MovesUCI = append(next.MovesUCI, applied.UCI)
	next.Position = applied.Position
	if applied.Terminal.Over() {
		next.Status = domain.StatusFinished
		next.EndedAt = c.now()
		next.EndReason = applied.Terminal.Reason
		if applied.Terminal.Kind == rules.TerminalCheckmate {
			next.Result = domain.WinFor(mover)
		} else {
			next.Result = domain.ResultDraw
		}
	}
	if err := c.persist(ctx, g, next); err != nil {
		return nil, err
	}

	res := &MoveResult{
		Game:       next,
		Notation:   applied.Notation,
		UCI:        applied.UCI,
		SideToMove: c.sideToMove(next),
		Ended:      next.Status.Terminal(),
	}

	c.mu.Lock()
	offer, hadOffer := c.offers[sessionID]
	delete(c.offers, sessionID)
	c.mu.Unlock()

	c.broadcast(sessionID, MoveMade{
		Type:       EventMoveMade,
		SessionID:  sessionID,
		Position:   next.Position,
		Status:     next.Status,
		SideToMove: res.SideToMove,
		Move:       applied.Notation,
		UCI:        applied.UCI,
		Ply:        len(next.MoveLog),
	})
	if hadOffer && !res.Ended {
		c.broadcast(sessionID, DrawDeclined{Type: EventDrawDeclined, SessionID: sessionID, By: offer.by})
	}

	obslog.L().Info("match_move",
		zap.String("game_id", sessionID),
		zap.String("conn_id", connID),
		zap.String("side", mover.String()),
		zap.String("uci", applied.UCI),
		zap.String("san", applied.Notation),
		zap.Int("ply", len(next.MoveLog)),
		zap.String("status", string(next.Status)),
	)

	if res.Ended {
		c.finish(ctx, next, release)
	}
	return res, nil
}

// resolveMover determines which side the request acts for.
func (c *Coordinator) resolveMover(g *domain.Game, playerID string, bound domain.Side, intent rules.MoveIntent) (domain.Side, error) {
	if c.policy.SideResolution != SideFromPiece {
		if bound == domain.SideNone {
			return domain.SideNone, ErrNotParticipant
		}
		return bound, nil
	}
	side, err := c.rules.PieceSideAt(g.Position, intent.From)
	if err != nil {
		return domain.SideNone, ErrIllegalMove.with(err, map[string]any{"Move": intent.UCI()})
	}
	if side == domain.SideNone {
		return domain.SideNone, ErrIllegalMove.with(rules.ErrIllegalMove, map[string]any{"Move": intent.UCI()})
	}
	// 말 색으로 판정하더라도 해당 진영의 참가자여야 함
	if g.PlayerOn(side) != playerID {
		return domain.SideNone, ErrNotYourTurn
	}
	return side, nil
}

func (c *Coordinator) logRejected(sessionID, connID string, intent rules.MoveIntent, err error) {
	obslog.L().Info("match_move_rejected",
		zap.String("game_id", sessionID),
		zap.String("conn_id", connID),
		zap.String("uci", intent.UCI()),
		zap.String("code", AsError(err).Code),
	)
}
