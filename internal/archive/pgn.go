package archive

import (
	"fmt"
	"strings"

	"github.com/park285/cheese-match/internal/domain"
)

// BuildPGN renders the seven-tag roster plus termination and the numbered SAN moves.
func BuildPGN(g *domain.Game, whiteName, blackName string) string {
	if g == nil {
		return ""
	}
	token := resultToken(g.Result)
	date := g.EndedAt
	if date.IsZero() {
		date = g.UpdatedAt
	}

	var b strings.Builder
	tag := func(name, value string) {
		fmt.Fprintf(&b, "[%s \"%s\"]\n", name, sanitizePGN(value))
	}
	tag("Event", "Cheese Match")
	tag("Site", "cheese-match")
	if date.IsZero() {
		tag("Date", "????.??.??")
	} else {
		tag("Date", fmt.Sprintf("%04d.%02d.%02d", date.Year(), int(date.Month()), date.Day()))
	}
	tag("Round", "-")
	tag("White", whiteName)
	tag("Black", blackName)
	tag("Result", token)
	if g.EndReason != "" {
		tag("Termination", string(g.EndReason))
	}
	b.WriteString("\n")

	for i := 0; i < len(g.MoveLog); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(g.MoveLog[i]))
		if i+1 < len(g.MoveLog) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(g.MoveLog[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(token)
	return b.String()
}

func resultToken(r domain.Result) string {
	switch r {
	case domain.ResultWhiteWin:
		return "1-0"
	case domain.ResultBlackWin:
		return "0-1"
	case domain.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
