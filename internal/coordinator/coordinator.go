// Package coordinator routes client intents to matches: matchmaking
// through a single pending slot, private rooms, rejoin and crash
// recovery, chat and presence.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chessarena/internal/match"
	"chessarena/internal/msgcat"
	"chessarena/internal/obslog"
	"chessarena/internal/registry"
	"chessarena/internal/rules"
	"chessarena/internal/store"
	"chessarena/pkg/wire"
)

// Options configures a Coordinator. Rooms defaults to Registry, Now to
// time.Now and NewID to uuid.NewString.
type Options struct {
	Registry *registry.Registry
	Rooms    match.Broadcaster
	Store    store.Store
	Rules    *rules.Engine
	Messages *msgcat.Catalog
	Clocks   match.Config
	Now      func() time.Time
	NewID    func() string
}

type Coordinator struct {
	mu        sync.Mutex
	matches   map[string]*match.Match
	pendingID string // the one public match waiting for an opponent

	reg   *registry.Registry
	rooms match.Broadcaster
	st    store.Store
	rules *rules.Engine
	cat   *msgcat.Catalog
	cfg   match.Config
	now   func() time.Time
	newID func() string
}

func New(opts Options) *Coordinator {
	if opts.Rooms == nil {
		opts.Rooms = opts.Registry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{
		matches: make(map[string]*match.Match),
		reg:     opts.Registry,
		rooms:   opts.Rooms,
		st:      opts.Store,
		rules:   opts.Rules,
		cat:     opts.Messages,
		cfg:     opts.Clocks,
		now:     opts.Now,
		newID:   opts.NewID,
	}
}

func (c *Coordinator) matchDeps() match.Deps {
	return match.Deps{
		Store:      c.st,
		Rules:      c.rules,
		Rooms:      c.rooms,
		Messages:   c.cat,
		Config:     c.cfg,
		Now:        c.now,
		OnTerminal: c.dropMatch,
	}
}

// dropMatch removes a finished match from the live set, whatever ended it.
func (c *Coordinator) dropMatch(id string) {
	c.mu.Lock()
	delete(c.matches, id)
	if c.pendingID == id {
		c.pendingID = ""
	}
	c.mu.Unlock()
}

func (c *Coordinator) lookup(id string) *match.Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matches[id]
}

// HandleIntent decodes and dispatches one client envelope.
func (c *Coordinator) HandleIntent(ctx context.Context, conn registry.Conn, env wire.Envelope) {
	switch env.Type {
	case wire.IntentInitGame:
		c.initGame(ctx, conn, false)
	case wire.IntentCreatePrivateGame:
		c.initGame(ctx, conn, true)
	case wire.IntentJoinRoom:
		var p wire.JoinRoomPayload
		if !c.decode(conn, env, &p) {
			return
		}
		c.joinRoom(ctx, conn, p.GameID)
	case wire.IntentMove:
		var p wire.MovePayload
		if !c.decode(conn, env, &p) {
			return
		}
		c.move(ctx, conn, p)
	case wire.IntentChatMessage:
		var p wire.ChatPayload
		if !c.decode(conn, env, &p) {
			return
		}
		c.chat(ctx, conn, p)
	case wire.IntentExitGame:
		var p wire.ExitPayload
		if !c.decode(conn, env, &p) {
			return
		}
		c.exitGame(ctx, conn, p.GameID)
	case wire.IntentCancelSearch:
		c.cancelSearch(conn)
	case wire.IntentFindActiveGames:
		c.findActiveGames(conn)
	default:
		obslog.L().Warn("coord_unknown_intent",
			zap.String("type", env.Type),
			zap.String("user_id", conn.UserID()),
		)
	}
}

func (c *Coordinator) decode(conn registry.Conn, env wire.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		obslog.L().Warn("coord_bad_payload",
			zap.String("type", env.Type),
			zap.String("user_id", conn.UserID()),
			zap.Error(err),
		)
		c.alertConn(conn, "alert.game_id_required")
		return false
	}
	return true
}

func (c *Coordinator) alertConn(conn registry.Conn, key string) {
	if err := conn.Send(wire.EventGameAlert, wire.AlertPayload{Message: c.cat.Text(key)}); err != nil {
		obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
}

// initGame serves both matchmaking entry points. A public request first
// checks the pending slot: the creator asking again is told to keep
// waiting, anyone else is paired and the slot cleared. Private rooms skip
// the slot entirely and are joined by id.
func (c *Coordinator) initGame(ctx context.Context, conn registry.Conn, private bool) {
	if !private {
		c.mu.Lock()
		if c.pendingID != "" {
			m := c.matches[c.pendingID]
			if m == nil {
				c.pendingID = ""
			} else if m.WhiteID() == conn.UserID() {
				c.mu.Unlock()
				c.alertConn(conn, "alert.still_waiting")
				return
			} else {
				id := c.pendingID
				c.pendingID = ""
				c.mu.Unlock()
				c.pair(ctx, conn, m, id, true)
				return
			}
		}
		c.mu.Unlock()
	}

	id := c.newID()
	m := match.New(id, conn.UserID(), c.matchDeps())
	c.mu.Lock()
	c.matches[id] = m
	if !private {
		c.pendingID = id
	}
	c.mu.Unlock()

	if _, err := c.st.EnsureUser(ctx, conn.UserID(), conn.Username()); err != nil {
		obslog.L().Warn("coord_ensure_user_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
	c.reg.Join(conn, id)

	event := wire.EventGameAdded
	message := c.cat.Text("notice.waiting")
	if private {
		event = wire.EventPrivateGameAdded
		message = c.cat.Text("notice.private_created")
	}
	if err := conn.Send(event, wire.GameAddedPayload{GameID: id, Message: message}); err != nil {
		obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
	obslog.L().Info("coord_match_queued",
		zap.String("match_id", id),
		zap.String("user_id", conn.UserID()),
		zap.Bool("private", private),
	)
}

// pair attaches conn as the second participant. A match claimed from the
// public slot goes back there on a persistence failure so the next
// request retries; private rooms never enter the slot.
func (c *Coordinator) pair(ctx context.Context, conn registry.Conn, m *match.Match, id string, fromSlot bool) {
	c.reg.Join(conn, id)
	if err := m.AttachSecondParticipant(ctx, conn.UserID(), conn.Username()); err != nil {
		if fromSlot {
			c.mu.Lock()
			if _, ok := c.matches[id]; ok && c.pendingID == "" {
				c.pendingID = id
			}
			c.mu.Unlock()
		}
		return
	}
	obslog.L().Info("coord_match_paired",
		zap.String("match_id", id),
		zap.String("user_id", conn.UserID()),
	)
}

func (c *Coordinator) joinRoom(ctx context.Context, conn registry.Conn, gameID string) {
	if gameID == "" {
		c.alertConn(conn, "alert.game_id_required")
		return
	}
	m := c.lookup(gameID)
	if m == nil {
		rec, err := c.st.FindMatch(ctx, gameID)
		if errors.Is(err, store.ErrNotFound) {
			if serr := conn.Send(wire.EventGameNotFound, wire.AlertPayload{Message: c.cat.Text("alert.game_not_found")}); serr != nil {
				obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(serr))
			}
			return
		}
		if err != nil {
			obslog.L().Error("coord_find_error", zap.String("match_id", gameID), zap.Error(err))
			c.alertConn(conn, "alert.game_not_found")
			return
		}
		if rec.Status != store.StatusInProgress {
			c.sendFinishedSummary(ctx, conn, rec)
			return
		}
		m = c.restore(ctx, rec)
		if m == nil {
			return
		}
	}

	if m.IsTerminal() {
		if rec, err := c.st.FindMatch(ctx, gameID); err == nil {
			c.sendFinishedSummary(ctx, conn, rec)
		}
		return
	}

	if m.State() == match.StateWaiting {
		if m.WhiteID() == conn.UserID() {
			c.reg.Join(conn, gameID)
			c.alertConn(conn, "alert.waiting_creator")
			return
		}
		c.mu.Lock()
		fromSlot := c.pendingID == gameID
		if fromSlot {
			c.pendingID = ""
		}
		c.mu.Unlock()
		c.pair(ctx, conn, m, gameID, fromSlot)
		return
	}

	if !m.HasParticipant(conn.UserID()) {
		c.alertConn(conn, "alert.not_a_player")
		return
	}
	c.rejoin(ctx, conn, m)
}

// rejoin replays a live match to a returning participant and tells the
// room they are back.
func (c *Coordinator) rejoin(ctx context.Context, conn registry.Conn, m *match.Match) {
	id := m.ID()
	c.reg.Join(conn, id)

	rec, err := c.st.FindMatch(ctx, id)
	if err != nil {
		obslog.L().Error("coord_find_error", zap.String("match_id", id), zap.Error(err))
		c.alertConn(conn, "alert.game_not_found")
		return
	}
	moves, err := c.st.ListMoves(ctx, id)
	if err != nil {
		obslog.L().Warn("coord_moves_error", zap.String("match_id", id), zap.Error(err))
	}
	white, _ := c.st.GetUser(ctx, rec.WhiteID)
	black, _ := c.st.GetUser(ctx, rec.BlackID)
	whiteMs, blackMs := m.ClockSnapshot()

	payload := wire.GameJoinedPayload{
		GameID:              id,
		FEN:                 m.FEN(),
		Moves:               moveInfos(moves),
		WhitePlayer:         playerInfo(white, rec.WhiteID),
		BlackPlayer:         playerInfo(black, rec.BlackID),
		WhiteTimeConsumedMs: whiteMs,
		BlackTimeConsumedMs: blackMs,
		ChatHistory:         rec.Chat,
	}
	if payload.ChatHistory == nil {
		payload.ChatHistory = []wire.ChatMessage{}
	}
	if err := conn.Send(wire.EventGameJoined, payload); err != nil {
		obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
	c.rooms.Broadcast(id, wire.EventPlayerReconnected, wire.PlayerPresencePayload{
		UserID:  conn.UserID(),
		Message: c.cat.Text("presence.reconnected"),
	})
	obslog.L().Info("coord_rejoin", zap.String("match_id", id), zap.String("user_id", conn.UserID()))
}

// restore rebuilds a live match from storage, registering it unless the
// replay immediately terminates it.
func (c *Coordinator) restore(ctx context.Context, rec *store.MatchRecord) *match.Match {
	moves, err := c.st.ListMoves(ctx, rec.ID)
	if err != nil {
		obslog.L().Error("coord_moves_error", zap.String("match_id", rec.ID), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	if existing := c.matches[rec.ID]; existing != nil {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	m := match.Restore(ctx, rec, moves, c.matchDeps())
	if m.IsTerminal() {
		return m
	}
	c.mu.Lock()
	c.matches[rec.ID] = m
	c.mu.Unlock()
	return m
}

func (c *Coordinator) sendFinishedSummary(ctx context.Context, conn registry.Conn, rec *store.MatchRecord) {
	moves, err := c.st.ListMoves(ctx, rec.ID)
	if err != nil {
		obslog.L().Warn("coord_moves_error", zap.String("match_id", rec.ID), zap.Error(err))
	}
	white, _ := c.st.GetUser(ctx, rec.WhiteID)
	black, _ := c.st.GetUser(ctx, rec.BlackID)
	payload := wire.GameEndedPayload{
		Result:      string(rec.Result),
		Status:      string(rec.Status),
		Moves:       moveInfos(moves),
		WhitePlayer: playerInfo(white, rec.WhiteID),
		BlackPlayer: playerInfo(black, rec.BlackID),
	}
	if err := conn.Send(wire.EventGameEnded, payload); err != nil {
		obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
}

func (c *Coordinator) move(ctx context.Context, conn registry.Conn, p wire.MovePayload) {
	m := c.lookup(p.GameID)
	if m == nil {
		if err := conn.Send(wire.EventGameNotFound, wire.AlertPayload{Message: c.cat.Text("alert.game_not_found")}); err != nil {
			obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
		return
	}
	m.ApplyMove(ctx, conn.UserID(), p.Move)
}

func (c *Coordinator) chat(ctx context.Context, conn registry.Conn, p wire.ChatPayload) {
	m := c.lookup(p.GameID)
	if m == nil || !m.HasParticipant(conn.UserID()) {
		c.alertConn(conn, "alert.not_a_player")
		return
	}
	msg := wire.ChatMessage{
		SenderID:       conn.UserID(),
		SenderUsername: conn.Username(),
		Text:           p.Text,
		Timestamp:      c.now(),
	}
	if m.State() != match.StateWaiting {
		if err := c.st.AppendChat(ctx, p.GameID, msg); err != nil {
			obslog.L().Error("coord_chat_persist_error", zap.String("match_id", p.GameID), zap.Error(err))
			return
		}
	}
	c.rooms.Broadcast(p.GameID, wire.EventNewChatMessage, msg)
}

func (c *Coordinator) exitGame(ctx context.Context, conn registry.Conn, gameID string) {
	m := c.lookup(gameID)
	if m == nil || !m.HasParticipant(conn.UserID()) {
		c.alertConn(conn, "alert.not_a_player")
		return
	}
	if m.State() == match.StateWaiting {
		// never persisted: just discard the slot
		c.dropMatch(gameID)
		if err := conn.Send(wire.EventSearchCancelled, wire.AlertPayload{}); err != nil {
			obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
		c.reg.Remove(conn.ID(), conn.UserID())
		return
	}
	m.Exit(ctx, conn.UserID())
}

func (c *Coordinator) cancelSearch(conn registry.Conn) {
	c.mu.Lock()
	id := c.pendingID
	var m *match.Match
	if id != "" {
		m = c.matches[id]
	}
	c.mu.Unlock()
	if m == nil || m.WhiteID() != conn.UserID() {
		if err := conn.Send(wire.EventSearchCancelled, wire.AlertPayload{}); err != nil {
			obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
		return
	}
	c.dropMatch(id)
	c.reg.Remove(conn.ID(), conn.UserID())
	if err := conn.Send(wire.EventSearchCancelled, wire.AlertPayload{}); err != nil {
		obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
	obslog.L().Info("coord_search_cancelled", zap.String("match_id", id), zap.String("user_id", conn.UserID()))
}

func (c *Coordinator) findActiveGames(conn registry.Conn) {
	c.mu.Lock()
	var found string
	for id, m := range c.matches {
		if m.State() == match.StateLive && m.HasParticipant(conn.UserID()) {
			found = id
			break
		}
	}
	c.mu.Unlock()

	if found == "" {
		if err := conn.Send(wire.EventNoActiveGameFound, wire.AlertPayload{}); err != nil {
			obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
		}
		return
	}
	if err := conn.Send(wire.EventActiveGameFound, wire.ActiveGameFoundPayload{
		GameID:  found,
		Message: c.cat.Text("notice.active_found"),
	}); err != nil {
		obslog.L().Warn("coord_send_error", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
}

// RemoveConn tears down a closed connection. A waiting match owned by the
// departing creator is discarded; a live match stays up and the room is
// told about the disconnect so the opponent can wait out the grace period.
func (c *Coordinator) RemoveConn(conn registry.Conn) {
	roomID, ok := c.reg.RoomOf(conn.UserID())
	if !ok {
		c.reg.Remove(conn.ID(), conn.UserID())
		return
	}
	m := c.lookup(roomID)
	c.reg.Remove(conn.ID(), conn.UserID())

	if m == nil {
		return
	}
	switch m.State() {
	case match.StateWaiting:
		if m.WhiteID() == conn.UserID() {
			c.dropMatch(roomID)
			obslog.L().Info("coord_pending_discarded",
				zap.String("match_id", roomID),
				zap.String("user_id", conn.UserID()),
			)
		}
	case match.StateLive:
		c.rooms.Broadcast(roomID, wire.EventPlayerDisconnected, wire.PlayerPresencePayload{
			UserID:  conn.UserID(),
			Message: c.cat.Text("presence.disconnected"),
		})
	}
}

// Recover reloads every in-progress match from storage at startup,
// re-arming clocks from the persisted consumed-time counters. Matches
// whose budget ran out while the process was down end immediately.
func (c *Coordinator) Recover(ctx context.Context) error {
	recs, err := c.st.ListActive(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, rec := range recs {
		if m := c.restore(ctx, rec); m != nil && !m.IsTerminal() {
			restored++
		}
	}
	obslog.L().Info("coord_recover",
		zap.Int("found", len(recs)),
		zap.Int("restored", restored),
	)
	return nil
}

// LiveCount reports how many matches are held in memory.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.matches)
}

func playerInfo(u *store.UserRecord, fallbackID string) wire.PlayerInfo {
	if u == nil {
		return wire.PlayerInfo{ID: fallbackID}
	}
	return wire.PlayerInfo{ID: u.ID, Username: u.Username, Rating: u.Rating}
}

func moveInfos(moves []*store.MoveRecord) []wire.MoveInfo {
	out := make([]wire.MoveInfo, 0, len(moves))
	for _, mv := range moves {
		out = append(out, wire.MoveInfo{
			MoveNumber: mv.MoveNumber,
			From:       mv.FromSquare,
			To:         mv.ToSquare,
			SAN:        mv.SAN,
			Before:     mv.FENBefore,
			After:      mv.FENAfter,
			TimeTaken:  mv.TimeTakenMs,
			PlayedAt:   mv.PlayedAt,
		})
	}
	return out
}
