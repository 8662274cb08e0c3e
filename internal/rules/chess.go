package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-match/internal/domain"
)

// ChessEngine implements Engine over FEN positions.
type ChessEngine struct{}

func NewChessEngine() *ChessEngine { return &ChessEngine{} }

var startFEN = nchess.NewGame().FEN()

func (ChessEngine) StartingPosition() string { return startFEN }

func (e ChessEngine) SideToMove(position string) (domain.Side, error) {
	game, err := load(position)
	if err != nil {
		return domain.SideNone, err
	}
	return sideFrom(game.Position().Turn()), nil
}

func (e ChessEngine) Apply(position string, history []string, move MoveIntent) (Applied, error) {
	game, err := restore(position, history)
	if err != nil {
		return Applied{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return Applied{}, fmt.Errorf("%w: position is already decided", ErrIllegalMove)
	}
	from, err := parseSquare(move.From)
	if err != nil {
		return Applied{}, err
	}
	if _, err := parseSquare(move.To); err != nil {
		return Applied{}, err
	}
	pos := game.Position()
	piece := pos.Board().Piece(from)
	if piece == nchess.NoPiece {
		return Applied{}, fmt.Errorf("%w: no piece on %s", ErrIllegalMove, move.From)
	}
	if piece.Color() != pos.Turn() {
		return Applied{}, fmt.Errorf("%w: piece on %s belongs to the other side", ErrIllegalMove, move.From)
	}

	// 프로모션 미지정 시 퀸으로 승격
	if move.Promotion == "" && piece.Type() == nchess.Pawn && promotionRank(move.To) {
		move.Promotion = "q"
	}
	if p := strings.ToLower(strings.TrimSpace(move.Promotion)); p != "" && (len(p) != 1 || !strings.Contains("qrbn", p)) {
		return Applied{}, fmt.Errorf("%w: bad promotion %q", ErrIllegalMove, move.Promotion)
	}

	uci := move.UCI()
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	last := lastMove(game)
	if last == nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	return Applied{
		Position: game.FEN(),
		Notation: nchess.AlgebraicNotation{}.Encode(pos, last),
		UCI:      uci,
		Terminal: terminalOf(game),
	}, nil
}

func (e ChessEngine) TerminalStatus(position string) (Terminal, error) {
	game, err := load(position)
	if err != nil {
		return Terminal{}, err
	}
	return terminalOf(game), nil
}

func (e ChessEngine) PieceSideAt(position, square string) (domain.Side, error) {
	game, err := load(position)
	if err != nil {
		return domain.SideNone, err
	}
	sq, err := parseSquare(square)
	if err != nil {
		return domain.SideNone, err
	}
	piece := game.Position().Board().Piece(sq)
	if piece == nchess.NoPiece {
		return domain.SideNone, nil
	}
	return sideFrom(piece.Color()), nil
}

// Replay applies moves from the starting position and returns the resulting FEN.
func (e ChessEngine) Replay(moves []string) (string, error) {
	game := nchess.NewGame()
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return "", fmt.Errorf("%w: move %d (%s)", ErrIllegalMove, i+1, mv)
		}
	}
	return game.FEN(), nil
}

// restore rebuilds the game from its move history when the history reaches
// position, so earlier positions count toward repetition. Games set up from a
// bare FEN have no usable history and are loaded from the FEN alone.
func restore(position string, history []string) (*nchess.Game, error) {
	if len(history) > 0 {
		game := nchess.NewGame()
		replayed := true
		for _, mv := range history {
			if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
				replayed = false
				break
			}
		}
		if replayed && game.FEN() == strings.TrimSpace(position) {
			return game, nil
		}
	}
	return load(position)
}

func load(position string) (*nchess.Game, error) {
	position = strings.TrimSpace(position)
	if position == "" || position == startFEN {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(position)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func terminalOf(game *nchess.Game) Terminal {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return Terminal{Kind: TerminalCheckmate, Reason: domain.ReasonCheckmate, Winner: domain.SideWhite}
	case nchess.BlackWon:
		return Terminal{Kind: TerminalCheckmate, Reason: domain.ReasonCheckmate, Winner: domain.SideBlack}
	case nchess.Draw:
		return Terminal{Kind: TerminalDraw, Reason: drawReason(game.Method())}
	}
	// 3회 반복과 50수 규칙은 라이브러리에서 청구 대상이라 여기서 바로 종료 처리
	for _, m := range game.EligibleDraws() {
		if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
			return Terminal{Kind: TerminalDraw, Reason: drawReason(m)}
		}
	}
	return Terminal{}
}

func drawReason(m nchess.Method) domain.EndReason {
	switch m {
	case nchess.Stalemate:
		return domain.ReasonStalemate
	case nchess.InsufficientMaterial:
		return domain.ReasonInsufficientMaterial
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return domain.ReasonRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return domain.ReasonMoveRule
	default:
		return domain.ReasonStalemate
	}
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func sideFrom(c nchess.Color) domain.Side {
	if c == nchess.White {
		return domain.SideWhite
	}
	return domain.SideBlack
}

func parseSquare(s string) (nchess.Square, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return nchess.NoSquare, fmt.Errorf("%w: %q", ErrBadSquare, s)
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), nil
}

func promotionRank(to string) bool {
	to = strings.TrimSpace(to)
	return len(to) == 2 && (to[1] == '8' || to[1] == '1')
}
