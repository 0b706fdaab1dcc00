package match

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chessarena/internal/obslog"
	"chessarena/internal/store"
)

// Restore rebuilds a LIVE match from its persisted record and move log,
// re-arming both timers as if the process had never restarted. A match
// whose clock budget was already spent while the process was down is
// terminated immediately.
func Restore(ctx context.Context, rec *store.MatchRecord, moves []*store.MoveRecord, deps Deps) *Match {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	m := &Match{
		id:            rec.ID,
		whiteID:       rec.WhiteID,
		blackID:       rec.BlackID,
		state:         StateLive,
		status:        store.StatusInProgress,
		fen:           rec.CurrentFEN,
		moveCount:     len(moves),
		whiteConsumed: time.Duration(rec.WhiteTimeMs) * time.Millisecond,
		blackConsumed: time.Duration(rec.BlackTimeMs) * time.Millisecond,
		startedAt:     rec.StartedAt,
		lastMoveAt:    rec.LastMoveAt,
		deps:          deps,
	}
	if m.fen == "" {
		m.fen = deps.Rules.StartingFEN()
	}
	m.history = make([]string, 0, len(moves))
	for _, mv := range moves {
		m.history = append(m.history, mv.UCI)
	}

	m.mu.Lock()
	m.resetAbandonTimerLocked()
	expired := m.resetClockTimerLocked()
	m.mu.Unlock()

	obslog.L().Info("match_restore",
		zap.String("match_id", m.id),
		zap.Int("moves", len(moves)),
	)
	if expired != "" {
		m.Terminate(ctx, store.StatusTimeUp, winnerAgainst(expired))
	}
	return m
}
