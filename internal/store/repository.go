package store

import (
	"context"
	"errors"

	"github.com/park285/cheese-match/internal/domain"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("record already exists")
)

// Repository is the durable store of games and users.
type Repository interface {
	FindGame(ctx context.Context, id string) (*domain.Game, error)
	CreateGame(ctx context.Context, g *domain.Game) error
	// UpdateGame replaces the game if its stored version equals expectedVersion.
	// The stored version becomes g.Version.
	UpdateGame(ctx context.Context, g *domain.Game, expectedVersion int64) error
	ListGames(ctx context.Context, status domain.Status, limit int) ([]*domain.Game, error)

	FindUser(ctx context.Context, id string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
	IncrementCounter(ctx context.Context, userID string, c domain.Counter, delta int64) error
}
