package match

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/registry"
)

// JoinResult is what the joining connection learns about the session.
type JoinResult struct {
	Game              *domain.Game
	Side              domain.Side
	SideToMove        domain.Side
	OpponentConnected bool
}

// Join binds connID to the session as playerID, assigning a slot if needed.
func (c *Coordinator) Join(ctx context.Context, sessionID, playerID, connID string) (*JoinResult, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return nil, ErrUserNotFound.with(nil, map[string]any{"PlayerID": playerID})
	}
	// 다른 세션에 묶여 있던 연결이면 먼저 정리
	if prev, ok := c.reg.Lookup(connID); ok && prev.SessionID != sessionID {
		if err := c.Disconnect(ctx, connID); err != nil {
			obslog.L().Warn("match_rebind_cleanup_error", zap.String("conn_id", connID), zap.Error(err))
		}
	}

	release, err := c.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := c.loadGame(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return nil, ErrGameOver
	}

	live := otherConnections(c.reg, sessionID, playerID, connID)
	var side domain.Side
	var evict []string
	next := g

	switch {
	case g.HasPlayer(playerID) && g.Status == domain.StatusWaiting && g.SecondPlayerID == "" && len(live) > 0:
		// sole occupant arriving on a second live connection
		if !c.policy.AllowSelfPlay {
			return nil, ErrSelfPlay
		}
		next = g.Clone()
		next.SecondPlayerID = playerID
		side = domain.SideForSlot(domain.SlotSecond)

	case g.HasPlayer(playerID):
		side, evict, err = c.reconnectSide(g, playerID, live)
		if err != nil {
			return nil, err
		}

	default:
		if g.Full() {
			return nil, ErrGameFull
		}
		if _, err := c.User(ctx, playerID); err != nil {
			return nil, err
		}
		next = g.Clone()
		if next.FirstPlayerID == "" {
			next.FirstPlayerID = playerID
			side = domain.SideForSlot(domain.SlotFirst)
		} else {
			next.SecondPlayerID = playerID
			side = domain.SideForSlot(domain.SlotSecond)
		}
	}

	started := false
	if next != g {
		if next.Full() && next.Status == domain.StatusWaiting {
			next.Status = domain.StatusInProgress
			next.StartedAt = c.now()
			started = true
		}
		if err := c.persist(ctx, g, next); err != nil {
			return nil, err
		}
	}

	for _, id := range evict {
		c.reg.Unbind(id)
		c.notifier.Send(id, Superseded{Type: EventSuperseded, SessionID: sessionID})
	}
	c.reg.Bind(connID, registry.Binding{SessionID: sessionID, PlayerID: playerID, Side: side})
	c.mu.Lock()
	if c.drops[sessionID] == side {
		delete(c.drops, sessionID)
	}
	c.mu.Unlock()

	members := c.reg.SizeOf(sessionID)
	res := &JoinResult{
		Game:              next,
		Side:              side,
		SideToMove:        c.sideToMove(next),
		OpponentConnected: members > 1,
	}
	c.notifier.Send(connID, GameState{
		Type:              EventGameState,
		SessionID:         sessionID,
		Position:          next.Position,
		Side:              side,
		Status:            next.Status,
		SideToMove:        res.SideToMove,
		OpponentConnected: res.OpponentConnected,
		MoveLog:           append([]string(nil), next.MoveLog...),
		LastMove:          next.LastMoveUCI(),
	})
	if members > 1 {
		c.broadcast(sessionID, PlayerConnected{
			Type:      EventPlayerConnected,
			SessionID: sessionID,
			PlayerID:  playerID,
			Side:      side,
			Status:    next.Status,
		}, connID)
	}

	obslog.L().Info("match_join",
		zap.String("game_id", sessionID),
		zap.String("player_id", playerID),
		zap.String("conn_id", connID),
		zap.String("side", side.String()),
		zap.String("status", string(next.Status)),
		zap.Bool("started", started),
		zap.Int("members", members),
	)
	return res, nil
}

// reconnectSide picks the seat for a participant re-joining the session and
// the older connections that lose it.
func (c *Coordinator) reconnectSide(g *domain.Game, playerID string, live []string) (domain.Side, []string, error) {
	if g.FirstPlayerID == playerID && g.SecondPlayerID == playerID {
		held := make(map[domain.Side]bool, 2)
		for _, id := range live {
			if b, ok := c.reg.Lookup(id); ok {
				held[b.Side] = true
			}
		}
		for _, s := range []domain.Side{domain.SideWhite, domain.SideBlack} {
			if !held[s] {
				return s, nil, nil
			}
		}
	}
	if len(live) > 0 && c.policy.Rejoin == RejoinReject {
		return domain.SideNone, nil, ErrAlreadyConnected
	}
	return g.SideOf(playerID), live, nil
}

func otherConnections(r registry.Registry, sessionID, playerID, connID string) []string {
	var out []string
	for _, id := range registry.ConnectionsOf(r, sessionID, playerID) {
		if id != connID {
			out = append(out, id)
		}
	}
	return out
}
