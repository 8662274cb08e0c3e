package rules

import (
	"errors"
	"strings"

	"github.com/park285/cheese-match/internal/domain"
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadSquare   = errors.New("malformed square")
	ErrBadPosition = errors.New("malformed position")
)

// MoveIntent is an untrusted client move request.
type MoveIntent struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the intent as long algebraic notation (e2e4, e7e8q).
func (m MoveIntent) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From)) +
		strings.ToLower(strings.TrimSpace(m.To)) +
		strings.ToLower(strings.TrimSpace(m.Promotion))
}

// ParseUCI splits a long algebraic move into an intent.
func ParseUCI(s string) (MoveIntent, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 4 && len(s) != 5 {
		return MoveIntent{}, ErrIllegalMove
	}
	mi := MoveIntent{From: s[0:2], To: s[2:4]}
	if len(s) == 5 {
		mi.Promotion = s[4:]
	}
	return mi, nil
}

// TerminalKind classifies a position that admits no further play.
type TerminalKind int

const (
	TerminalNone TerminalKind = iota
	TerminalCheckmate
	TerminalDraw
)

// Terminal describes the end condition of a position, if any.
type Terminal struct {
	Kind   TerminalKind
	Reason domain.EndReason
	// Winner is set for checkmate only.
	Winner domain.Side
}

func (t Terminal) Over() bool { return t.Kind != TerminalNone }

// Applied is the outcome of a move accepted by the engine.
type Applied struct {
	Position string
	Notation string
	UCI      string
	Terminal Terminal
}

// Engine validates and applies moves against serialized positions. Implementations are pure.
//
// Apply takes the UCI moves that led from the starting position to position.
// Repetition draws are only detectable when that history is supplied.
type Engine interface {
	StartingPosition() string
	SideToMove(position string) (domain.Side, error)
	Apply(position string, history []string, move MoveIntent) (Applied, error)
	TerminalStatus(position string) (Terminal, error)
	PieceSideAt(position, square string) (domain.Side, error)
	Replay(moves []string) (string, error)
}
