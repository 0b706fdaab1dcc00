package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chessarena/pkg/wire"
)

// Mem is an in-memory Store used by tests and local development.
type Mem struct {
	mu      sync.Mutex
	matches map[string]*MatchRecord
	moves   map[string][]*MoveRecord
	users   map[string]*UserRecord

	// FailNext forces the next mutating call to return this error, for
	// persistence-failure paths in tests.
	FailNext error
}

func NewMem() *Mem {
	return &Mem{
		matches: make(map[string]*MatchRecord),
		moves:   make(map[string][]*MoveRecord),
		users:   make(map[string]*UserRecord),
	}
}

func (m *Mem) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *Mem) UpsertLive(_ context.Context, rec *MatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	cp := *rec
	cp.Status = StatusInProgress
	cp.Chat = append([]wire.ChatMessage(nil), rec.Chat...)
	m.matches[rec.ID] = &cp
	return nil
}

func (m *Mem) FindMatch(_ context.Context, id string) (*MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Chat = append([]wire.ChatMessage(nil), rec.Chat...)
	return &cp, nil
}

func (m *Mem) ListActive(_ context.Context) ([]*MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MatchRecord
	for _, rec := range m.matches {
		if rec.Status == StatusInProgress {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) AppendMove(_ context.Context, mv *MoveRecord, prog Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	cp := *mv
	m.moves[mv.MatchID] = append(m.moves[mv.MatchID], &cp)
	if rec, ok := m.matches[mv.MatchID]; ok {
		rec.CurrentFEN = prog.CurrentFEN
		rec.LastMoveAt = prog.LastMoveAt
		rec.WhiteTimeMs = prog.WhiteTimeMs
		rec.BlackTimeMs = prog.BlackTimeMs
	}
	return nil
}

func (m *Mem) ListMoves(_ context.Context, matchID string) ([]*MoveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.moves[matchID]
	out := make([]*MoveRecord, 0, len(src))
	for _, mv := range src {
		cp := *mv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MoveNumber < out[j].MoveNumber })
	return out, nil
}

func (m *Mem) FinishMatch(_ context.Context, id string, status Status, result Result, endedAt time.Time, whiteMs, blackMs int64) (*MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	rec, ok := m.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Status = status
	rec.Result = result
	t := endedAt
	rec.EndedAt = &t
	rec.WhiteTimeMs = whiteMs
	rec.BlackTimeMs = blackMs
	cp := *rec
	cp.Chat = append([]wire.ChatMessage(nil), rec.Chat...)
	return &cp, nil
}

func (m *Mem) AppendChat(_ context.Context, matchID string, msg wire.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	rec, ok := m.matches[matchID]
	if !ok {
		return ErrNotFound
	}
	rec.Chat = append(rec.Chat, msg)
	return nil
}

func (m *Mem) EnsureUser(_ context.Context, id, username string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		if username == "" {
			username = id
		}
		u = &UserRecord{ID: id, Username: username, Rating: DefaultRating}
		m.users[id] = u
	} else if username != "" {
		u.Username = username
	}
	cp := *u
	return &cp, nil
}

func (m *Mem) GetUser(_ context.Context, id string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Mem) ApplyRatingUpdates(_ context.Context, updates [2]RatingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, up := range updates {
		u, ok := m.users[up.UserID]
		if !ok {
			continue
		}
		u.Rating = up.NewRating
		u.GamesPlayed++
		u.Wins += up.Wins
		u.Losses += up.Losses
		u.Draws += up.Draws
	}
	return nil
}
