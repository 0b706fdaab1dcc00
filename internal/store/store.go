// Package store persists match, move and user records. The match core only
// depends on the Store interface; Postgres backs production and Mem backs
// tests.
package store

import (
	"context"
	"errors"
	"time"

	"chessarena/pkg/wire"
)

// Match lifecycle statuses as persisted.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusAbandoned  Status = "ABANDONED"
	StatusTimeUp     Status = "TIME_UP"
	StatusPlayerExit Status = "PLAYER_EXIT"
)

// Ratable reports whether a terminal status represents a definitive outcome
// that feeds the rating update. Abandonment does not.
func (s Status) Ratable() bool {
	return s == StatusCompleted || s == StatusTimeUp || s == StatusPlayerExit
}

// Result of a finished match.
type Result string

const (
	ResultWhiteWins Result = "WHITE_WINS"
	ResultBlackWins Result = "BLACK_WINS"
	ResultDraw      Result = "DRAW"
)

// DefaultRating is assigned to users on first appearance.
const DefaultRating = 1200

// ErrNotFound is returned by lookups for unknown identifiers.
var ErrNotFound = errors.New("record not found")

// MatchRecord is the persisted state of one match.
type MatchRecord struct {
	ID          string
	WhiteID     string
	BlackID     string
	Status      Status
	Result      Result // empty until terminal
	StartingFEN string
	CurrentFEN  string
	StartedAt   time.Time
	EndedAt     *time.Time
	LastMoveAt  time.Time
	WhiteTimeMs int64
	BlackTimeMs int64
	Chat        []wire.ChatMessage
}

// MoveRecord is one applied move, immutable once written.
type MoveRecord struct {
	MatchID     string
	MoveNumber  int
	FromSquare  string
	ToSquare    string
	UCI         string
	SAN         string
	FENBefore   string
	FENAfter    string
	TimeTakenMs int64
	PlayedAt    time.Time
}

// Progress carries the match-row fields refreshed on every accepted move.
type Progress struct {
	CurrentFEN  string
	LastMoveAt  time.Time
	WhiteTimeMs int64
	BlackTimeMs int64
}

// UserRecord is the rating profile of one participant.
type UserRecord struct {
	ID          string
	Username    string
	Rating      int
	GamesPlayed int
	Wins        int
	Losses      int
	Draws       int
}

// RatingUpdate sets one user's new rating and increments counters. All
// increments and the games-played bump must apply atomically per user.
type RatingUpdate struct {
	UserID    string
	NewRating int
	Wins      int
	Losses    int
	Draws     int
}

type Store interface {
	// UpsertLive creates or updates the match row to IN_PROGRESS with both
	// participants attached. Called when the second participant joins.
	UpsertLive(ctx context.Context, rec *MatchRecord) error

	// FindMatch loads a match row. Returns ErrNotFound for unknown ids.
	FindMatch(ctx context.Context, id string) (*MatchRecord, error)

	// ListActive returns all IN_PROGRESS matches, for startup recovery.
	ListActive(ctx context.Context) ([]*MatchRecord, error)

	// AppendMove writes the move record and refreshes the match row's
	// progress fields together.
	AppendMove(ctx context.Context, mv *MoveRecord, p Progress) error

	// ListMoves returns a match's moves ordered by move number.
	ListMoves(ctx context.Context, matchID string) ([]*MoveRecord, error)

	// FinishMatch marks the match terminal and returns the updated row.
	FinishMatch(ctx context.Context, id string, status Status, result Result, endedAt time.Time, whiteMs, blackMs int64) (*MatchRecord, error)

	// AppendChat appends one chat message to the match's chat log.
	AppendChat(ctx context.Context, matchID string, msg wire.ChatMessage) error

	// EnsureUser returns the user, creating it with DefaultRating first if
	// needed.
	EnsureUser(ctx context.Context, id, username string) (*UserRecord, error)

	// GetUser loads a user. Returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (*UserRecord, error)

	// ApplyRatingUpdates applies both sides' rating changes and stat
	// increments.
	ApplyRatingUpdates(ctx context.Context, updates [2]RatingUpdate) error
}
