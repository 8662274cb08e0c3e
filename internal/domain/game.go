package domain

import "time"

// Status represents the lifecycle state of a game session.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
	StatusAbandoned  Status = "ABANDONED"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusInProgress:
		return 1
	case StatusFinished, StatusAbandoned:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next is a legal forward step from s.
// Status only moves WAITING -> IN_PROGRESS -> {FINISHED, ABANDONED}.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusAbandoned {
		return s == StatusInProgress
	}
	return next.rank() == s.rank()+1 || (s == next && !s.Terminal())
}

// Result is the scored outcome of a finished game.
type Result string

const (
	ResultNone     Result = ""
	ResultWhiteWin Result = "WHITE_WIN"
	ResultBlackWin Result = "BLACK_WIN"
	ResultDraw     Result = "DRAW"
)

// Side identifies the color a participant plays.
type Side string

const (
	SideNone  Side = ""
	SideWhite Side = "w"
	SideBlack Side = "b"
)

func (s Side) Opponent() Side {
	switch s {
	case SideWhite:
		return SideBlack
	case SideBlack:
		return SideWhite
	default:
		return SideNone
	}
}

func (s Side) String() string {
	switch s {
	case SideWhite:
		return "white"
	case SideBlack:
		return "black"
	default:
		return "none"
	}
}

// WinFor returns the result in which side wins.
func WinFor(side Side) Result {
	if side == SideWhite {
		return ResultWhiteWin
	}
	if side == SideBlack {
		return ResultBlackWin
	}
	return ResultNone
}

// Winner returns the winning side of r, or SideNone for draws and unset results.
func (r Result) Winner() Side {
	switch r {
	case ResultWhiteWin:
		return SideWhite
	case ResultBlackWin:
		return SideBlack
	default:
		return SideNone
	}
}

// Slot is a participant position in a game.
type Slot int

const (
	SlotFirst Slot = iota + 1
	SlotSecond
)

// SideForSlot derives the side from slot order; it never changes once assigned.
func SideForSlot(slot Slot) Side {
	switch slot {
	case SlotFirst:
		return SideWhite
	case SlotSecond:
		return SideBlack
	default:
		return SideNone
	}
}

// EndReason explains how a game reached a terminal status.
type EndReason string

const (
	ReasonNone                 EndReason = ""
	ReasonCheckmate            EndReason = "checkmate"
	ReasonStalemate            EndReason = "stalemate"
	ReasonInsufficientMaterial EndReason = "insufficient_material"
	ReasonRepetition           EndReason = "repetition"
	ReasonMoveRule             EndReason = "move_rule"
	ReasonResignation          EndReason = "resignation"
	ReasonAgreement            EndReason = "agreement"
	ReasonAbandoned            EndReason = "abandoned"
)

// Game is the authoritative record of one match.
type Game struct {
	ID             string    `json:"id"`
	FirstPlayerID  string    `json:"first_player_id"`
	SecondPlayerID string    `json:"second_player_id,omitempty"`
	Status         Status    `json:"status"`
	Position       string    `json:"position"`
	MoveLog        []string  `json:"move_log"`
	MovesUCI       []string  `json:"moves_uci"`
	Result         Result    `json:"result,omitempty"`
	EndReason      EndReason `json:"end_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int64     `json:"version"`
}

// SideOf returns the side playerID occupies. A self-play game reports the first slot.
func (g *Game) SideOf(playerID string) Side {
	if g == nil || playerID == "" {
		return SideNone
	}
	if g.FirstPlayerID == playerID {
		return SideForSlot(SlotFirst)
	}
	if g.SecondPlayerID == playerID {
		return SideForSlot(SlotSecond)
	}
	return SideNone
}

// PlayerOn returns the participant occupying side.
func (g *Game) PlayerOn(side Side) string {
	if g == nil {
		return ""
	}
	switch side {
	case SideForSlot(SlotFirst):
		return g.FirstPlayerID
	case SideForSlot(SlotSecond):
		return g.SecondPlayerID
	default:
		return ""
	}
}

func (g *Game) HasPlayer(playerID string) bool {
	return g.SideOf(playerID) != SideNone
}

// Full reports whether both participant slots are bound.
func (g *Game) Full() bool {
	return g != nil && g.FirstPlayerID != "" && g.SecondPlayerID != ""
}

// Clone returns a deep copy so callers can mutate without touching cached records.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	cp := *g
	cp.MoveLog = append([]string(nil), g.MoveLog...)
	cp.MovesUCI = append([]string(nil), g.MovesUCI...)
	return &cp
}

// LastMoveUCI returns the most recent raw move or "".
func (g *Game) LastMoveUCI() string {
	if g == nil || len(g.MovesUCI) == 0 {
		return ""
	}
	return g.MovesUCI[len(g.MovesUCI)-1]
}
