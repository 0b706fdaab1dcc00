// Package rules wraps the chess library behind the move-legality capability
// the match core consumes. Positions are represented as the UCI move history
// from the standard starting position; the FEN string carried alongside is
// presentation only. Reconstructing from the history rather than a FEN
// avoids double-applying moves when both are stored.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"chessarena/pkg/wire"
)

// ErrIllegalMove reports a move the rules reject in the current position.
var ErrIllegalMove = errors.New("illegal move")

// Side identifies the player to move.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// Applied is the result of a legal move.
type Applied struct {
	UCI         string
	SAN         string
	FEN         string
	IsCheck     bool
	IsCheckmate bool
	IsDraw      bool
	Captured    bool
}

type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// StartingFEN returns the FEN of the standard initial position.
func (e *Engine) StartingFEN() string {
	return nchess.NewGame().FEN()
}

// Apply validates req against the position reached by history and returns
// the applied move. A pawn move onto the last rank with no promotion piece
// is promoted to a queen.
func (e *Engine) Apply(history []string, req wire.MoveRequest) (*Applied, error) {
	game := reconstruct(history)
	if game == nil {
		return nil, fmt.Errorf("invalid move history")
	}
	pos := game.Position()

	from := strings.ToLower(strings.TrimSpace(req.From))
	to := strings.ToLower(strings.TrimSpace(req.To))
	promo := strings.ToLower(strings.TrimSpace(req.Promotion))
	if from == "" || to == "" {
		return nil, ErrIllegalMove
	}

	uci := from + to + promo
	notation := nchess.UCINotation{}
	mv, err := notation.Decode(pos, uci)
	if err != nil && promo == "" {
		// auto-queen
		uci = from + to + "q"
		mv, err = notation.Decode(pos, uci)
	}
	if err != nil {
		return nil, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := game.Move(mv, nil); err != nil {
		if promo != "" {
			return nil, ErrIllegalMove
		}
		// auto-queen for a pawn landing on the last rank
		uci = from + to + "q"
		if mv, err = notation.Decode(pos, uci); err != nil {
			return nil, ErrIllegalMove
		}
		san = nchess.AlgebraicNotation{}.Encode(pos, mv)
		if err := game.Move(mv, nil); err != nil {
			return nil, ErrIllegalMove
		}
	}

	out := &Applied{
		UCI:      uci,
		SAN:      san,
		FEN:      game.FEN(),
		IsCheck:  strings.HasSuffix(san, "+") || strings.HasSuffix(san, "#"),
		Captured: strings.Contains(san, "x"),
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		out.IsCheckmate = true
	case nchess.Draw:
		out.IsDraw = true
	}
	return out, nil
}

// TurnSide returns the side to move in the position reached by history.
func (e *Engine) TurnSide(history []string) Side {
	game := reconstruct(history)
	if game == nil || game.Position().Turn() == nchess.White {
		return SideWhite
	}
	return SideBlack
}

// IsTerminal reports whether the position reached by history has an outcome.
func (e *Engine) IsTerminal(history []string) bool {
	game := reconstruct(history)
	if game == nil {
		return false
	}
	return game.Outcome() != nchess.NoOutcome
}

func reconstruct(history []string) *nchess.Game {
	game := nchess.NewGame()
	for _, mv := range history {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil
		}
	}
	return game
}
