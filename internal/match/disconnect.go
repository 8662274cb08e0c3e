package match

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/registry"
)

// Disconnect handles a closed connection. Remaining members are told a peer left;
// an IN_PROGRESS game with no members left becomes ABANDONED.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	b, ok := c.reg.Lookup(connID)
	if !ok {
		return nil
	}
	release, err := c.lock(ctx, b.SessionID)
	if err != nil {
		c.reg.Unbind(connID)
		return err
	}
	defer release()

	b, ok = c.reg.Unbind(connID)
	if !ok {
		return nil
	}
	sessionID := b.SessionID

	if len(registry.ConnectionsOf(c.reg, sessionID, b.PlayerID)) == 0 {
		c.mu.Lock()
		if _, seen := c.drops[sessionID]; !seen {
			c.drops[sessionID] = b.Side
		}
		c.mu.Unlock()
	}

	remaining := c.reg.MembersOf(sessionID)
	obslog.L().Info("match_disconnect",
		zap.String("game_id", sessionID),
		zap.String("conn_id", connID),
		zap.String("player_id", b.PlayerID),
		zap.Int("remaining", len(remaining)),
	)
	if len(remaining) > 0 {
		c.broadcast(sessionID, PlayerDisconnected{
			Type:      EventPlayerDisconnected,
			SessionID: sessionID,
			PlayerID:  b.PlayerID,
			Side:      b.Side,
		})
		return nil
	}

	g, err := c.loadGame(ctx, sessionID)
	if errors.Is(err, ErrGameNotFound) {
		c.clearTransient(sessionID)
		return nil
	}
	if err != nil {
		return err
	}
	if g.Status != domain.StatusInProgress {
		c.clearTransient(sessionID)
		return nil
	}

	next := g.Clone()
	next.Status = domain.StatusAbandoned
	next.EndReason = domain.ReasonAbandoned
	next.EndedAt = c.now()
	if err := c.persist(ctx, g, next); err != nil {
		// 연결은 이미 해제됨. 멤버 없는 IN_PROGRESS 게임으로 남으므로 수동 정리 대상
		obslog.L().Error("match_abandon_error",
			zap.String("game_id", sessionID),
			zap.String("conn_id", connID),
			zap.Int64("version", g.Version),
			zap.Error(err),
		)
		return err
	}

	c.mu.Lock()
	loser, ok := c.drops[sessionID]
	c.mu.Unlock()
	if !ok {
		loser = b.Side
	}
	c.clearTransient(sessionID)
	release()

	obslog.L().Info("match_abandoned",
		zap.String("game_id", sessionID),
		zap.String("first_drop", loser.String()),
		zap.Bool("scored", c.policy.ScoreAbandonment),
	)
	if c.policy.ScoreAbandonment {
		c.applyStats(ctx, next, abandonmentStats(next, loser))
	}
	c.archiveResult(ctx, next)
	return nil
}

// Detach drops connID from the registry and leaves its game untouched. The
// server uses it for connections it closes itself, so games stay rejoinable
// across a restart.
func (c *Coordinator) Detach(connID string) {
	if b, ok := c.reg.Unbind(connID); ok {
		obslog.L().Info("match_detach",
			zap.String("game_id", b.SessionID),
			zap.String("conn_id", connID),
		)
	}
}

func abandonmentStats(g *domain.Game, loser domain.Side) []domain.StatsIncrement {
	if loser == domain.SideNone {
		return nil
	}
	// 결과(result)는 비워두고 통계에만 반영
	return domain.StatsFor(g, domain.WinFor(loser.Opponent()))
}
