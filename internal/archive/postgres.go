// Package archive keeps finished games in Postgres once they leave the live store.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/cheese-match/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS match_games (
    game_id        TEXT PRIMARY KEY,
    white_id       TEXT NOT NULL DEFAULT '',
    white_name     TEXT NOT NULL DEFAULT '',
    black_id       TEXT NOT NULL DEFAULT '',
    black_name     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    result         TEXT NOT NULL DEFAULT '',
    end_reason     TEXT NOT NULL DEFAULT '',
    moves_uci      TEXT[] NOT NULL DEFAULT '{}',
    moves_san      TEXT[] NOT NULL DEFAULT '{}',
    final_position TEXT NOT NULL DEFAULT '',
    pgn            TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ,
    ended_at       TIMESTAMPTZ,
    duration_ms    BIGINT NOT NULL DEFAULT 0
)`

const upsert = `INSERT INTO match_games (
    game_id, white_id, white_name, black_id, black_name,
    status, result, end_reason, moves_uci, moves_san,
    final_position, pgn, started_at, ended_at, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
  ) ON CONFLICT (game_id) DO UPDATE SET
    white_id=EXCLUDED.white_id,
    white_name=EXCLUDED.white_name,
    black_id=EXCLUDED.black_id,
    black_name=EXCLUDED.black_name,
    status=EXCLUDED.status,
    result=EXCLUDED.result,
    end_reason=EXCLUDED.end_reason,
    moves_uci=EXCLUDED.moves_uci,
    moves_san=EXCLUDED.moves_san,
    final_position=EXCLUDED.final_position,
    pgn=EXCLUDED.pgn,
    started_at=EXCLUDED.started_at,
    ended_at=EXCLUDED.ended_at,
    duration_ms=EXCLUDED.duration_ms`

// PostgresArchive implements match.Archiver.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresArchive{db: db}, nil
}

// NewFromDB wraps an existing handle.
func NewFromDB(db *sql.DB) *PostgresArchive { return &PostgresArchive{db: db} }

func (a *PostgresArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("ensure schema (%s): %w", pqErr.Code.Name(), err)
		}
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveResult upserts a terminal game. Non-terminal games are ignored.
func (a *PostgresArchive) SaveResult(ctx context.Context, g *domain.Game, white, black *domain.User) error {
	if a == nil || a.db == nil || g == nil || !g.Status.Terminal() {
		return nil
	}
	rec := recordOf(g, white, black)
	_, err := a.db.ExecContext(ctx, upsert,
		rec.GameID,
		rec.WhiteID, rec.WhiteName,
		rec.BlackID, rec.BlackName,
		string(g.Status), string(g.Result), string(g.EndReason),
		pq.Array(g.MovesUCI), pq.Array(g.MoveLog),
		g.Position, rec.PGN,
		nullTime(g.StartedAt), nullTime(g.EndedAt), rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("archive game %s: %w", g.ID, err)
	}
	return nil
}

type record struct {
	GameID     string
	WhiteID    string
	WhiteName  string
	BlackID    string
	BlackName  string
	PGN        string
	DurationMS int64
}

func recordOf(g *domain.Game, white, black *domain.User) record {
	rec := record{
		GameID:  g.ID,
		WhiteID: g.PlayerOn(domain.SideWhite),
		BlackID: g.PlayerOn(domain.SideBlack),
	}
	rec.WhiteName = displayName(white, rec.WhiteID)
	rec.BlackName = displayName(black, rec.BlackID)
	rec.PGN = BuildPGN(g, rec.WhiteName, rec.BlackName)

	start := g.StartedAt
	if start.IsZero() {
		start = g.CreatedAt
	}
	if !g.EndedAt.IsZero() && !start.IsZero() {
		if d := g.EndedAt.Sub(start).Milliseconds(); d > 0 {
			rec.DurationMS = d
		}
	}
	return rec
}

func displayName(u *domain.User, fallback string) string {
	if u != nil && strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return fallback
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
