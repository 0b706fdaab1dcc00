package match

import (
	"math"

	"chessarena/internal/store"
)

// eloK is the rating volatility factor applied to every rated game.
const eloK = 32

// NewRatings computes both players' post-game Elo ratings.
func NewRatings(whiteRating, blackRating int, result store.Result) (int, int) {
	expWhite := expectedScore(whiteRating, blackRating)
	expBlack := expectedScore(blackRating, whiteRating)

	var scoreWhite, scoreBlack float64
	switch result {
	case store.ResultWhiteWins:
		scoreWhite, scoreBlack = 1, 0
	case store.ResultBlackWins:
		scoreWhite, scoreBlack = 0, 1
	default:
		scoreWhite, scoreBlack = 0.5, 0.5
	}

	newWhite := int(math.Round(float64(whiteRating) + eloK*(scoreWhite-expWhite)))
	newBlack := int(math.Round(float64(blackRating) + eloK*(scoreBlack-expBlack)))
	return newWhite, newBlack
}

func expectedScore(rating, opponent int) float64 {
	return 1 / (1 + math.Pow(10, float64(opponent-rating)/400))
}
