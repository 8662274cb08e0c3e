package match

import "github.com/park285/cheese-match/internal/domain"

type EventType string

const (
	EventGameState          EventType = "gameState"
	EventPlayerConnected    EventType = "playerConnected"
	EventMoveMade           EventType = "moveMade"
	EventMoveError          EventType = "moveError"
	EventError              EventType = "error"
	EventGameEnded          EventType = "gameEnded"
	EventDrawOffered        EventType = "drawOffered"
	EventDrawDeclined       EventType = "drawDeclined"
	EventPlayerDisconnected EventType = "playerDisconnected"
	EventSuperseded         EventType = "superseded"
)

// Event is an outbound notification. Each payload carries its own type tag
// so it serialises as a flat JSON object.
type Event interface {
	EventType() EventType
}

// Notifier delivers events to live connections. Send must not block.
type Notifier interface {
	Send(connID string, ev Event)
}

type GameState struct {
	Type              EventType     `json:"type"`
	SessionID         string        `json:"sessionId"`
	Position          string        `json:"position"`
	Side              domain.Side   `json:"side"`
	Status            domain.Status `json:"status"`
	SideToMove        domain.Side   `json:"sideToMove"`
	OpponentConnected bool          `json:"opponentConnected"`
	MoveLog           []string      `json:"moveLog"`
	LastMove          string        `json:"lastMove,omitempty"`
}

type PlayerConnected struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"sessionId"`
	PlayerID  string        `json:"playerId"`
	Side      domain.Side   `json:"side"`
	Status    domain.Status `json:"status"`
	Message   string        `json:"message,omitempty"`
}

type MoveMade struct {
	Type       EventType     `json:"type"`
	SessionID  string        `json:"sessionId"`
	Position   string        `json:"position"`
	Status     domain.Status `json:"status"`
	SideToMove domain.Side   `json:"sideToMove"`
	Move       string        `json:"move"`
	UCI        string        `json:"uci"`
	Ply        int           `json:"ply"`
}

// MoveError is sent to the requesting connection only.
type MoveError struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// ErrorEvent reports a rejected non-move request.
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Request string    `json:"request,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

type GameEnded struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"sessionId"`
	Winner    *domain.Side     `json:"winner"`
	Reason    domain.EndReason `json:"reason"`
	Result    domain.Result    `json:"result,omitempty"`
	Status    domain.Status    `json:"status"`
}

type DrawOffered struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	By        domain.Side `json:"by"`
}

type DrawDeclined struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	By        domain.Side `json:"by"`
	Message   string      `json:"message,omitempty"`
}

type PlayerDisconnected struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	PlayerID  string      `json:"playerId"`
	Side      domain.Side `json:"side"`
	Message   string      `json:"message"`
}

// Superseded tells an older connection that a newer one took over its seat.
type Superseded struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
}

func (e GameState) EventType() EventType          { return EventGameState }
func (e PlayerConnected) EventType() EventType    { return EventPlayerConnected }
func (e MoveMade) EventType() EventType           { return EventMoveMade }
func (e MoveError) EventType() EventType          { return EventMoveError }
func (e ErrorEvent) EventType() EventType         { return EventError }
func (e GameEnded) EventType() EventType          { return EventGameEnded }
func (e DrawOffered) EventType() EventType        { return EventDrawOffered }
func (e DrawDeclined) EventType() EventType       { return EventDrawDeclined }
func (e PlayerDisconnected) EventType() EventType { return EventPlayerDisconnected }
func (e Superseded) EventType() EventType         { return EventSuperseded }

func winnerOf(r domain.Result) *domain.Side {
	w := r.Winner()
	if w == domain.SideNone {
		return nil
	}
	return &w
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Send(string, Event) {}
