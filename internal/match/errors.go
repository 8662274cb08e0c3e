package match

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator failures for the transport and API boundaries.
type Kind int

const (
	KindUnavailable Kind = iota
	KindNotFound
	KindConflict
	KindInvalidState
	KindForbidden
	KindInvalidMove
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindForbidden:
		return "forbidden"
	case KindInvalidMove:
		return "invalid_move"
	default:
		return "unavailable"
	}
}

// Error is a classified, client-reportable failure. Code doubles as the
// message catalog key suffix (error.<code>).
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Data map[string]any
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code so detailed copies still compare
// equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) with(cause error, data map[string]any) *Error {
	cp := *e
	cp.Err = cause
	cp.Data = data
	return &cp
}

var (
	ErrGameNotFound     = &Error{Kind: KindNotFound, Code: "game_not_found", Msg: "game not found"}
	ErrUserNotFound     = &Error{Kind: KindNotFound, Code: "user_not_found", Msg: "user not found"}
	ErrGameFull         = &Error{Kind: KindConflict, Code: "game_full", Msg: "game is full"}
	ErrSelfPlay         = &Error{Kind: KindConflict, Code: "self_play", Msg: "cannot join own game"}
	ErrAlreadyConnected = &Error{Kind: KindConflict, Code: "already_connected", Msg: "participant already connected"}
	ErrOwnDrawOffer     = &Error{Kind: KindConflict, Code: "own_draw_offer", Msg: "cannot accept own draw offer"}
	ErrNotInProgress    = &Error{Kind: KindInvalidState, Code: "not_in_progress", Msg: "game is not in progress"}
	ErrGameOver         = &Error{Kind: KindInvalidState, Code: "game_over", Msg: "game has ended"}
	ErrSlotsEmpty       = &Error{Kind: KindInvalidState, Code: "slots_empty", Msg: "both participant slots must be filled"}
	ErrNoDrawOffer      = &Error{Kind: KindInvalidState, Code: "no_draw_offer", Msg: "no pending draw offer"}
	ErrNotJoined        = &Error{Kind: KindInvalidState, Code: "not_joined", Msg: "connection has not joined a game"}
	ErrNotYourTurn      = &Error{Kind: KindForbidden, Code: "not_your_turn", Msg: "not your turn"}
	ErrNotParticipant   = &Error{Kind: KindForbidden, Code: "not_participant", Msg: "not a participant of this game"}
	ErrIllegalMove      = &Error{Kind: KindInvalidMove, Code: "illegal_move", Msg: "illegal move"}
	ErrUnavailable      = &Error{Kind: KindUnavailable, Code: "unavailable", Msg: "repository unavailable"}
)

// KindOf classifies err. Anything not raised by the coordinator is a
// repository or infrastructure failure.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnavailable
}

// AsError returns the classified form of err.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return ErrUnavailable.with(err, nil)
}

func unavailable(op string, err error) error {
	return ErrUnavailable.with(fmt.Errorf("%s: %w", op, err), nil)
}
