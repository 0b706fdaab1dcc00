// Package match implements the per-game state machine: participants,
// position, clocks, move application, termination and the rating update.
package match

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chessarena/internal/msgcat"
	"chessarena/internal/obslog"
	"chessarena/internal/rules"
	"chessarena/internal/store"
	"chessarena/pkg/wire"
)

// State is the lifecycle of a match. No transition leaves StateTerminal.
type State int

const (
	StateWaiting State = iota
	StateLive
	StateTerminal
)

// Broadcaster is the slice of the connection registry a match fans out
// through. The match id doubles as the room id.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any)
	SendTo(roomID, participantID, event string, payload any)
}

// Config holds the clock policy. Both values are deployment configuration,
// not game rules.
type Config struct {
	// Per-side time budget.
	MatchTime time.Duration
	// Grace window after which a live match with no incoming move is
	// declared abandoned.
	AbandonGrace time.Duration
}

// Deps are the collaborators a match needs.
type Deps struct {
	Store    store.Store
	Rules    *rules.Engine
	Rooms    Broadcaster
	Messages *msgcat.Catalog
	Config   Config
	// Now is the clock source; defaults to time.Now.
	Now func() time.Time
	// OnTerminal, when set, is invoked once after the match reaches
	// TERMINAL, whatever the trigger.
	OnTerminal func(matchID string)
}

type Match struct {
	mu sync.Mutex

	id      string
	whiteID string
	blackID string

	state  State
	status store.Status
	result store.Result

	fen       string
	history   []string // UCI moves from the starting position
	moveCount int

	whiteConsumed time.Duration
	blackConsumed time.Duration
	startedAt     time.Time
	lastMoveAt    time.Time

	// Timer handles are owned exclusively by this match and always
	// stopped before replacement. timerGen invalidates firings that
	// raced a reset: a callback whose generation no longer matches is
	// stale and must not act.
	abandonTimer *time.Timer
	clockTimer   *time.Timer
	timerGen     uint64

	deps Deps
}

// New creates a WAITING match with only the first participant (white).
func New(id, whiteID string, deps Deps) *Match {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	now := deps.Now()
	m := &Match{
		id:         id,
		whiteID:    whiteID,
		state:      StateWaiting,
		status:     store.StatusInProgress,
		fen:        deps.Rules.StartingFEN(),
		startedAt:  now,
		lastMoveAt: now,
		deps:       deps,
	}
	obslog.L().Info("match_create",
		zap.String("match_id", id),
		zap.String("white_id", whiteID),
	)
	return m
}

func (m *Match) ID() string { return m.id }

func (m *Match) WhiteID() string { return m.whiteID }

func (m *Match) BlackID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blackID
}

func (m *Match) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Match) IsTerminal() bool { return m.State() == StateTerminal }

// HasParticipant reports whether userID plays in this match.
func (m *Match) HasParticipant(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return userID == m.whiteID || (m.blackID != "" && userID == m.blackID)
}

// FEN returns the current position token.
func (m *Match) FEN() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fen
}

// ClockSnapshot returns both consumed-time counters in milliseconds. The
// side on move is additionally charged the time elapsed since the last
// move, so clients see a running clock.
func (m *Match) ClockSnapshot() (whiteMs, blackMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveConsumedLocked()
}

func (m *Match) liveConsumedLocked() (whiteMs, blackMs int64) {
	white := m.whiteConsumed
	black := m.blackConsumed
	if m.state == StateLive {
		elapsed := m.deps.Now().Sub(m.lastMoveAt)
		if m.sideToMoveLocked() == rules.SideWhite {
			white += elapsed
		} else {
			black += elapsed
		}
	}
	return white.Milliseconds(), black.Milliseconds()
}

func (m *Match) sideToMoveLocked() rules.Side {
	if m.moveCount%2 == 0 {
		return rules.SideWhite
	}
	return rules.SideBlack
}

func (m *Match) participantOf(side rules.Side) string {
	if side == rules.SideWhite {
		return m.whiteID
	}
	return m.blackID
}

// AttachSecondParticipant promotes a WAITING match to LIVE: persists the
// record, broadcasts the started event with both identities, then starts
// the clocks. On a persistence failure the match stays WAITING so the join
// can be retried; only an alert is emitted.
func (m *Match) AttachSecondParticipant(ctx context.Context, blackID, blackName string) error {
	m.mu.Lock()
	if m.state != StateWaiting || m.blackID != "" {
		m.mu.Unlock()
		return nil
	}
	m.blackID = blackID
	now := m.deps.Now()
	m.startedAt = now
	m.lastMoveAt = now
	rec := &store.MatchRecord{
		ID:          m.id,
		WhiteID:     m.whiteID,
		BlackID:     blackID,
		Status:      store.StatusInProgress,
		StartingFEN: m.fen,
		CurrentFEN:  m.fen,
		StartedAt:   now,
		LastMoveAt:  now,
	}
	m.mu.Unlock()

	white, err := m.deps.Store.EnsureUser(ctx, m.whiteID, "")
	if err == nil {
		_, err = m.deps.Store.EnsureUser(ctx, blackID, blackName)
	}
	if err == nil {
		err = m.deps.Store.UpsertLive(ctx, rec)
	}
	if err != nil {
		m.mu.Lock()
		m.blackID = ""
		m.mu.Unlock()
		obslog.L().Error("match_start_persist_error", zap.String("match_id", m.id), zap.Error(err))
		m.deps.Rooms.Broadcast(m.id, wire.EventGameAlert,
			wire.AlertPayload{Message: m.deps.Messages.Text("alert.start_persist_failed")})
		return err
	}
	black, _ := m.deps.Store.GetUser(ctx, blackID)

	payload := wire.InitGamePayload{
		GameID:      m.id,
		WhitePlayer: playerInfo(white, m.whiteID),
		BlackPlayer: playerInfo(black, blackID),
		FEN:         m.fen,
		Moves:       []wire.MoveInfo{},
	}

	m.mu.Lock()
	m.state = StateLive
	m.resetAbandonTimerLocked()
	expired := m.resetClockTimerLocked()
	m.mu.Unlock()

	m.deps.Rooms.Broadcast(m.id, wire.EventInitGame, payload)
	obslog.L().Info("match_start",
		zap.String("match_id", m.id),
		zap.String("white_id", m.whiteID),
		zap.String("black_id", blackID),
	)
	if expired != "" {
		m.Terminate(ctx, store.StatusTimeUp, winnerAgainst(expired))
	}
	return nil
}

// ApplyMove validates and applies one move for requesterID. Turn violations
// and attempts on an ended match produce room alerts; rules rejections go
// to the requester only. An accepted move is persisted before anything is
// broadcast.
func (m *Match) ApplyMove(ctx context.Context, requesterID string, req wire.MoveRequest) {
	m.mu.Lock()
	if m.state == StateTerminal {
		m.mu.Unlock()
		m.deps.Rooms.Broadcast(m.id, wire.EventGameAlert,
			wire.AlertPayload{Message: m.deps.Messages.Text("alert.game_ended")})
		return
	}
	if m.state == StateWaiting {
		m.mu.Unlock()
		m.deps.Rooms.Broadcast(m.id, wire.EventGameAlert,
			wire.AlertPayload{Message: m.deps.Messages.Text("alert.match_not_live")})
		return
	}

	side := m.sideToMoveLocked()
	if requesterID != m.participantOf(side) {
		m.mu.Unlock()
		m.deps.Rooms.Broadcast(m.id, wire.EventGameAlert,
			wire.AlertPayload{Message: m.deps.Messages.Text("alert.not_your_turn")})
		return
	}

	applied, err := m.deps.Rules.Apply(m.history, req)
	if err != nil {
		m.mu.Unlock()
		m.deps.Rooms.SendTo(m.id, requesterID, wire.EventInvalidMove,
			wire.InvalidMovePayload{Message: m.deps.Messages.Text("alert.invalid_move"), Move: req})
		return
	}

	now := m.deps.Now()
	taken := now.Sub(m.lastMoveAt)
	whiteConsumed := m.whiteConsumed
	blackConsumed := m.blackConsumed
	// the side that just moved pays the time since the previous move
	if side == rules.SideWhite {
		whiteConsumed += taken
	} else {
		blackConsumed += taken
	}

	mv := &store.MoveRecord{
		MatchID:     m.id,
		MoveNumber:  m.moveCount + 1,
		FromSquare:  req.From,
		ToSquare:    req.To,
		UCI:         applied.UCI,
		SAN:         applied.SAN,
		FENBefore:   m.fen,
		FENAfter:    applied.FEN,
		TimeTakenMs: taken.Milliseconds(),
		PlayedAt:    now,
	}
	prog := store.Progress{
		CurrentFEN:  applied.FEN,
		LastMoveAt:  now,
		WhiteTimeMs: whiteConsumed.Milliseconds(),
		BlackTimeMs: blackConsumed.Milliseconds(),
	}
	if err := m.deps.Store.AppendMove(ctx, mv, prog); err != nil {
		m.mu.Unlock()
		obslog.L().Error("match_move_persist_error",
			zap.String("match_id", m.id),
			zap.Int("move_number", mv.MoveNumber),
			zap.Error(err),
		)
		m.deps.Rooms.Broadcast(m.id, wire.EventGameAlert,
			wire.AlertPayload{Message: m.deps.Messages.Text("alert.move_persist_failed")})
		return
	}

	// committed: mutate in-memory state only after the write succeeded
	m.history = append(m.history, applied.UCI)
	m.fen = applied.FEN
	m.whiteConsumed = whiteConsumed
	m.blackConsumed = blackConsumed
	m.lastMoveAt = now
	m.moveCount++
	m.resetAbandonTimerLocked()
	expired := m.resetClockTimerLocked()
	m.mu.Unlock()

	m.deps.Rooms.Broadcast(m.id, wire.EventMove, wire.MoveAppliedPayload{
		Move:                moveInfo(mv),
		WhiteTimeConsumedMs: whiteConsumed.Milliseconds(),
		BlackTimeConsumedMs: blackConsumed.Milliseconds(),
	})
	m.deps.Rooms.Broadcast(m.id, wire.EventBoardState, wire.BoardStatePayload{FEN: applied.FEN})

	obslog.L().Info("match_move",
		zap.String("match_id", m.id),
		zap.String("user_id", requesterID),
		zap.String("san", applied.SAN),
		zap.Int("move_number", mv.MoveNumber),
	)

	switch {
	case applied.IsCheckmate:
		m.Terminate(ctx, store.StatusCompleted, winnerAgainst(side.Opponent()))
	case applied.IsDraw:
		m.Terminate(ctx, store.StatusCompleted, store.ResultDraw)
	case expired != "":
		m.Terminate(ctx, store.StatusTimeUp, winnerAgainst(expired))
	}
}

// Exit is an explicit resignation: the match ends in favor of the
// requester's opponent.
func (m *Match) Exit(ctx context.Context, requesterID string) {
	result := store.ResultWhiteWins
	if requesterID == m.whiteID {
		result = store.ResultBlackWins
	}
	m.Terminate(ctx, store.StatusPlayerExit, result)
}

// Terminate moves the match to TERMINAL at most once. The state is flipped
// under the lock before any store I/O, so a racing second trigger (timer
// vs. move vs. exit) observes it immediately and becomes a logged no-op.
func (m *Match) Terminate(ctx context.Context, status store.Status, result store.Result) {
	m.mu.Lock()
	if m.state == StateTerminal {
		m.mu.Unlock()
		obslog.L().Warn("match_end_duplicate",
			zap.String("match_id", m.id),
			zap.String("status", string(status)),
		)
		return
	}
	m.state = StateTerminal
	m.status = status
	m.result = result
	m.timerGen++
	m.stopTimersLocked()
	endedAt := m.deps.Now()
	elapsed := endedAt.Sub(m.lastMoveAt)
	whiteMs := m.whiteConsumed
	blackMs := m.blackConsumed
	if m.sideToMoveLocked() == rules.SideWhite {
		whiteMs += elapsed
	} else {
		blackMs += elapsed
	}
	m.mu.Unlock()

	if m.deps.OnTerminal != nil {
		m.deps.OnTerminal(m.id)
	}

	rec, err := m.deps.Store.FinishMatch(ctx, m.id, status, result, endedAt, whiteMs.Milliseconds(), blackMs.Milliseconds())
	if err != nil {
		obslog.L().Error("match_end_persist_error",
			zap.String("match_id", m.id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		m.deps.Rooms.Broadcast(m.id, wire.EventGameAlert,
			wire.AlertPayload{Message: m.deps.Messages.Text("alert.end_persist_failed")})
		return
	}

	white, _ := m.deps.Store.GetUser(ctx, rec.WhiteID)
	black, _ := m.deps.Store.GetUser(ctx, rec.BlackID)
	moves, merr := m.deps.Store.ListMoves(ctx, m.id)
	if merr != nil {
		obslog.L().Warn("match_end_moves_error", zap.String("match_id", m.id), zap.Error(merr))
	}

	m.deps.Rooms.Broadcast(m.id, wire.EventGameEnded, wire.GameEndedPayload{
		Result:      string(result),
		Status:      string(status),
		Moves:       moveInfos(moves),
		WhitePlayer: playerInfo(white, rec.WhiteID),
		BlackPlayer: playerInfo(black, rec.BlackID),
	})
	obslog.L().Info("match_end",
		zap.String("match_id", m.id),
		zap.String("status", string(status)),
		zap.String("result", string(result)),
	)

	if status.Ratable() && white != nil && black != nil {
		m.updateRatings(ctx, result, white, black)
	}
}

func (m *Match) updateRatings(ctx context.Context, result store.Result, white, black *store.UserRecord) {
	newWhite, newBlack := NewRatings(white.Rating, black.Rating, result)
	wu := store.RatingUpdate{UserID: white.ID, NewRating: newWhite}
	bu := store.RatingUpdate{UserID: black.ID, NewRating: newBlack}
	switch result {
	case store.ResultWhiteWins:
		wu.Wins, bu.Losses = 1, 1
	case store.ResultBlackWins:
		wu.Losses, bu.Wins = 1, 1
	default:
		wu.Draws, bu.Draws = 1, 1
	}
	if err := m.deps.Store.ApplyRatingUpdates(ctx, [2]store.RatingUpdate{wu, bu}); err != nil {
		obslog.L().Error("match_rating_error", zap.String("match_id", m.id), zap.Error(err))
		return
	}
	obslog.L().Info("match_rating",
		zap.String("match_id", m.id),
		zap.Int("white_rating", newWhite),
		zap.Int("black_rating", newBlack),
	)
}

// resetAbandonTimerLocked arms the grace-period timer. When it fires the
// match ends in favor of the side not on move: the opponent failed to
// return in time.
func (m *Match) resetAbandonTimerLocked() {
	if m.abandonTimer != nil {
		m.abandonTimer.Stop()
	}
	gen := m.timerGen
	m.abandonTimer = time.AfterFunc(m.deps.Config.AbandonGrace, func() {
		m.mu.Lock()
		if m.state != StateLive || m.timerGen != gen {
			m.mu.Unlock()
			return
		}
		loser := m.sideToMoveLocked()
		m.mu.Unlock()
		obslog.L().Info("match_abandon_expired", zap.String("match_id", m.id))
		m.Terminate(context.Background(), store.StatusAbandoned, winnerAgainst(loser))
	})
}

// resetClockTimerLocked arms the turn clock for the side now on move. When
// the remaining budget is already spent it returns that side instead of
// scheduling, and the caller terminates outside the lock.
func (m *Match) resetClockTimerLocked() rules.Side {
	if m.clockTimer != nil {
		m.clockTimer.Stop()
	}
	side := m.sideToMoveLocked()
	consumed := m.whiteConsumed
	if side == rules.SideBlack {
		consumed = m.blackConsumed
	}
	remaining := m.deps.Config.MatchTime - consumed
	if remaining <= 0 {
		return side
	}
	gen := m.timerGen
	m.clockTimer = time.AfterFunc(remaining, func() {
		m.mu.Lock()
		if m.state != StateLive || m.timerGen != gen {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		obslog.L().Info("match_clock_expired",
			zap.String("match_id", m.id),
			zap.String("side", string(side)),
		)
		m.Terminate(context.Background(), store.StatusTimeUp, winnerAgainst(side))
	})
	return ""
}

func (m *Match) stopTimersLocked() {
	if m.abandonTimer != nil {
		m.abandonTimer.Stop()
		m.abandonTimer = nil
	}
	if m.clockTimer != nil {
		m.clockTimer.Stop()
		m.clockTimer = nil
	}
}

// winnerAgainst maps a losing side to the result favoring its opponent.
func winnerAgainst(loser rules.Side) store.Result {
	if loser == rules.SideWhite {
		return store.ResultBlackWins
	}
	return store.ResultWhiteWins
}

func playerInfo(u *store.UserRecord, fallbackID string) wire.PlayerInfo {
	if u == nil {
		return wire.PlayerInfo{ID: fallbackID}
	}
	return wire.PlayerInfo{ID: u.ID, Username: u.Username, Rating: u.Rating}
}

func moveInfo(mv *store.MoveRecord) wire.MoveInfo {
	return wire.MoveInfo{
		MoveNumber: mv.MoveNumber,
		From:       mv.FromSquare,
		To:         mv.ToSquare,
		SAN:        mv.SAN,
		Before:     mv.FENBefore,
		After:      mv.FENAfter,
		TimeTaken:  mv.TimeTakenMs,
		PlayedAt:   mv.PlayedAt,
	}
}

func moveInfos(moves []*store.MoveRecord) []wire.MoveInfo {
	out := make([]wire.MoveInfo, 0, len(moves))
	for _, mv := range moves {
		out = append(out, moveInfo(mv))
	}
	return out
}
