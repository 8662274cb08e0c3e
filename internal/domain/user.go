package domain

import "time"

// User carries identity plus cumulative, monotonically increasing counters.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Wins      int64     `json:"wins"`
	Losses    int64     `json:"losses"`
	Draws     int64     `json:"draws"`
	CreatedAt time.Time `json:"created_at"`
}

// Counter names one of the user statistics fields.
type Counter string

const (
	CounterWins   Counter = "wins"
	CounterLosses Counter = "losses"
	CounterDraws  Counter = "draws"
)

func (c Counter) Valid() bool {
	return c == CounterWins || c == CounterLosses || c == CounterDraws
}

// StatsIncrement is one counter bump for one user.
type StatsIncrement struct {
	UserID  string
	Counter Counter
}

// StatsFor derives the counter increments a definite result implies.
// White/black participants are looked up from the game's slots.
func StatsFor(g *Game, result Result) []StatsIncrement {
	if g == nil {
		return nil
	}
	white := g.PlayerOn(SideWhite)
	black := g.PlayerOn(SideBlack)
	switch result {
	case ResultWhiteWin:
		return []StatsIncrement{{UserID: white, Counter: CounterWins}, {UserID: black, Counter: CounterLosses}}
	case ResultBlackWin:
		return []StatsIncrement{{UserID: black, Counter: CounterWins}, {UserID: white, Counter: CounterLosses}}
	case ResultDraw:
		return []StatsIncrement{{UserID: white, Counter: CounterDraws}, {UserID: black, Counter: CounterDraws}}
	default:
		return nil
	}
}
