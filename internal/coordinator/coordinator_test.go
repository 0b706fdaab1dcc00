package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"chessarena/internal/match"
	"chessarena/internal/msgcat"
	"chessarena/internal/registry"
	"chessarena/internal/rules"
	"chessarena/internal/store"
	"chessarena/pkg/wire"
)

type connEvent struct {
	Event   string
	Payload any
}

type fakeConn struct {
	id       string
	userID   string
	username string

	mu     sync.Mutex
	events []connEvent
}

func newConn(id, userID, username string) *fakeConn {
	return &fakeConn{id: id, userID: userID, username: username}
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) UserID() string   { return f.userID }
func (f *fakeConn) Username() string { return f.username }
func (f *fakeConn) Alive() bool      { return true }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, connEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeConn) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeConn) last(event string) (connEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event == event {
			return f.events[i], true
		}
	}
	return connEvent{}, false
}

func newCoordinator(t *testing.T) (*Coordinator, *store.Mem) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	mem := store.NewMem()
	seq := 0
	c := New(Options{
		Registry: registry.New(),
		Store:    mem,
		Rules:    rules.NewEngine(),
		Messages: cat,
		Clocks:   match.Config{MatchTime: time.Hour, AbandonGrace: time.Hour},
		NewID: func() string {
			seq++
			return fmt.Sprintf("m%d", seq)
		},
	})
	return c, mem
}

func envelope(t *testing.T, typ string, payload any) wire.Envelope {
	t.Helper()
	env := wire.Envelope{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = b
	}
	return env
}

func pairPlayers(t *testing.T, c *Coordinator) (*fakeConn, *fakeConn, string) {
	t.Helper()
	ctx := context.Background()
	alice := newConn("c1", "alice", "alice")
	bob := newConn("c2", "bob", "bob")
	c.HandleIntent(ctx, alice, envelope(t, wire.IntentInitGame, nil))
	added, ok := alice.last(wire.EventGameAdded)
	if !ok {
		t.Fatalf("creator did not receive game_added")
	}
	gameID := added.Payload.(wire.GameAddedPayload).GameID
	c.HandleIntent(ctx, bob, envelope(t, wire.IntentInitGame, nil))
	if alice.count(wire.EventInitGame) != 1 || bob.count(wire.EventInitGame) != 1 {
		t.Fatalf("init_game not broadcast to both players")
	}
	return alice, bob, gameID
}

func sendMove(t *testing.T, c *Coordinator, conn *fakeConn, gameID, from, to string) {
	t.Helper()
	c.HandleIntent(context.Background(), conn, envelope(t, wire.IntentMove, wire.MovePayload{
		GameID: gameID,
		Move:   wire.MoveRequest{From: from, To: to},
	}))
}

func TestInitGamePairsTwoPlayers(t *testing.T) {
	c, mem := newCoordinator(t)
	_, _, gameID := pairPlayers(t, c)

	rec, err := mem.FindMatch(context.Background(), gameID)
	if err != nil {
		t.Fatalf("match not persisted on pairing: %v", err)
	}
	if rec.WhiteID != "alice" || rec.BlackID != "bob" {
		t.Fatalf("participants = %s/%s", rec.WhiteID, rec.BlackID)
	}
	if c.LiveCount() != 1 {
		t.Fatalf("live count = %d, want 1", c.LiveCount())
	}
}

func TestInitGameRepeatedBySameUserKeepsWaiting(t *testing.T) {
	c, _ := newCoordinator(t)
	alice := newConn("c1", "alice", "alice")
	ctx := context.Background()

	c.HandleIntent(ctx, alice, envelope(t, wire.IntentInitGame, nil))
	c.HandleIntent(ctx, alice, envelope(t, wire.IntentInitGame, nil))

	if alice.count(wire.EventGameAdded) != 1 {
		t.Fatalf("game_added sent %d times, want 1", alice.count(wire.EventGameAdded))
	}
	if alice.count(wire.EventGameAlert) != 1 {
		t.Fatalf("expected a still-waiting alert")
	}
	if c.LiveCount() != 1 {
		t.Fatalf("live count = %d, want single pending match", c.LiveCount())
	}
}

func TestCreatePrivateGameSkipsQueue(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	host := newConn("c1", "alice", "alice")
	stranger := newConn("c2", "bob", "bob")

	c.HandleIntent(ctx, host, envelope(t, wire.IntentCreatePrivateGame, nil))
	ev, ok := host.last(wire.EventPrivateGameAdded)
	if !ok {
		t.Fatalf("no private_game_added")
	}
	privateID := ev.Payload.(wire.GameAddedPayload).GameID

	// public matchmaking must not pair into the private room
	c.HandleIntent(ctx, stranger, envelope(t, wire.IntentInitGame, nil))
	added, ok := stranger.last(wire.EventGameAdded)
	if !ok {
		t.Fatalf("public seeker did not get a fresh match")
	}
	if added.Payload.(wire.GameAddedPayload).GameID == privateID {
		t.Fatalf("public matchmaking consumed the private room")
	}
}

func TestJoinRoomStartsPrivateGame(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	host := newConn("c1", "alice", "alice")
	guest := newConn("c2", "bob", "bob")

	c.HandleIntent(ctx, host, envelope(t, wire.IntentCreatePrivateGame, nil))
	ev, _ := host.last(wire.EventPrivateGameAdded)
	privateID := ev.Payload.(wire.GameAddedPayload).GameID

	c.HandleIntent(ctx, guest, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{GameID: privateID}))
	if host.count(wire.EventInitGame) != 1 || guest.count(wire.EventInitGame) != 1 {
		t.Fatalf("private game did not start on join")
	}
}

func TestJoinRoomUnknownGame(t *testing.T) {
	c, _ := newCoordinator(t)
	conn := newConn("c1", "alice", "alice")

	c.HandleIntent(context.Background(), conn, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{GameID: "nope"}))
	if conn.count(wire.EventGameNotFound) != 1 {
		t.Fatalf("expected game_not_found")
	}
}

func TestJoinRoomMissingID(t *testing.T) {
	c, _ := newCoordinator(t)
	conn := newConn("c1", "alice", "alice")

	c.HandleIntent(context.Background(), conn, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{}))
	if conn.count(wire.EventGameAlert) != 1 {
		t.Fatalf("expected an alert for missing game id")
	}
}

func TestRejoinReplaysStateToReturningPlayer(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	alice, bob, gameID := pairPlayers(t, c)

	sendMove(t, c, alice, gameID, "e2", "e4")
	sendMove(t, c, bob, gameID, "e7", "e5")
	c.HandleIntent(ctx, alice, envelope(t, wire.IntentChatMessage, wire.ChatPayload{GameID: gameID, Text: "gl"}))

	c.RemoveConn(bob)
	if alice.count(wire.EventPlayerDisconnected) != 1 {
		t.Fatalf("room not told about the disconnect")
	}

	bob2 := newConn("c3", "bob", "bob")
	c.HandleIntent(ctx, bob2, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{GameID: gameID}))

	ev, ok := bob2.last(wire.EventGameJoined)
	if !ok {
		t.Fatalf("no game_joined replay")
	}
	p := ev.Payload.(wire.GameJoinedPayload)
	if len(p.Moves) != 2 {
		t.Fatalf("replayed moves = %d, want 2", len(p.Moves))
	}
	if len(p.ChatHistory) != 1 || p.ChatHistory[0].Text != "gl" {
		t.Fatalf("chat history not replayed: %+v", p.ChatHistory)
	}
	if alice.count(wire.EventPlayerReconnected) != 1 {
		t.Fatalf("room not told about the reconnect")
	}
}

func TestJoinRoomOutsiderRejected(t *testing.T) {
	c, _ := newCoordinator(t)
	_, _, gameID := pairPlayers(t, c)

	eve := newConn("c9", "eve", "eve")
	c.HandleIntent(context.Background(), eve, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{GameID: gameID}))
	if eve.count(wire.EventGameAlert) != 1 {
		t.Fatalf("outsider not rejected")
	}
	if eve.count(wire.EventGameJoined) != 0 {
		t.Fatalf("outsider received game state")
	}
}

func TestJoinRoomFinishedGameGetsSummary(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	alice, _, gameID := pairPlayers(t, c)

	sendMove(t, c, alice, gameID, "e2", "e4")
	c.HandleIntent(ctx, alice, envelope(t, wire.IntentExitGame, wire.ExitPayload{GameID: gameID}))

	if c.LiveCount() != 0 {
		t.Fatalf("finished match still live: %d", c.LiveCount())
	}

	late := newConn("c3", "alice", "alice")
	c.HandleIntent(ctx, late, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{GameID: gameID}))
	ev, ok := late.last(wire.EventGameEnded)
	if !ok {
		t.Fatalf("no finished-game summary")
	}
	p := ev.Payload.(wire.GameEndedPayload)
	if p.Status != string(store.StatusPlayerExit) || p.Result != string(store.ResultBlackWins) {
		t.Fatalf("summary = %s/%s", p.Status, p.Result)
	}
	if len(p.Moves) != 1 {
		t.Fatalf("summary moves = %d, want 1", len(p.Moves))
	}
}

func TestJoinRoomRestoresFromStore(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()
	eng := rules.NewEngine()

	now := time.Now()
	rec := &store.MatchRecord{
		ID:          "old1",
		WhiteID:     "alice",
		BlackID:     "bob",
		Status:      store.StatusInProgress,
		StartingFEN: eng.StartingFEN(),
		StartedAt:   now,
		LastMoveAt:  now,
	}
	if err := mem.UpsertLive(ctx, rec); err != nil {
		t.Fatalf("seed match: %v", err)
	}
	applied, err := eng.Apply(nil, wire.MoveRequest{From: "e2", To: "e4"})
	if err != nil {
		t.Fatalf("seed move: %v", err)
	}
	mv := &store.MoveRecord{
		MatchID: "old1", MoveNumber: 1,
		FromSquare: "e2", ToSquare: "e4",
		UCI: applied.UCI, SAN: applied.SAN,
		FENBefore: eng.StartingFEN(), FENAfter: applied.FEN,
		PlayedAt: now,
	}
	prog := store.Progress{CurrentFEN: applied.FEN, LastMoveAt: now}
	if err := mem.AppendMove(ctx, mv, prog); err != nil {
		t.Fatalf("seed move: %v", err)
	}
	if _, err := mem.EnsureUser(ctx, "alice", "alice"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := mem.EnsureUser(ctx, "bob", "bob"); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	bob := newConn("c1", "bob", "bob")
	c.HandleIntent(ctx, bob, envelope(t, wire.IntentJoinRoom, wire.JoinRoomPayload{GameID: "old1"}))

	ev, ok := bob.last(wire.EventGameJoined)
	if !ok {
		t.Fatalf("restored match not replayed")
	}
	p := ev.Payload.(wire.GameJoinedPayload)
	if p.FEN != applied.FEN {
		t.Fatalf("restored fen = %q, want %q", p.FEN, applied.FEN)
	}
	if c.LiveCount() != 1 {
		t.Fatalf("restored match not held live")
	}

	// play continues against the restored match
	sendMove(t, c, bob, "old1", "e7", "e5")
	moves, _ := mem.ListMoves(ctx, "old1")
	if len(moves) != 2 {
		t.Fatalf("moves after restored play = %d, want 2", len(moves))
	}
}

func TestMoveUnknownGame(t *testing.T) {
	c, _ := newCoordinator(t)
	conn := newConn("c1", "alice", "alice")
	sendMove(t, c, conn, "nope", "e2", "e4")
	if conn.count(wire.EventGameNotFound) != 1 {
		t.Fatalf("expected game_not_found")
	}
}

func TestChatPersistsAndBroadcasts(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()
	alice, bob, gameID := pairPlayers(t, c)

	c.HandleIntent(ctx, alice, envelope(t, wire.IntentChatMessage, wire.ChatPayload{GameID: gameID, Text: "hi"}))
	if bob.count(wire.EventNewChatMessage) != 1 {
		t.Fatalf("chat not broadcast to opponent")
	}
	rec, _ := mem.FindMatch(ctx, gameID)
	if len(rec.Chat) != 1 || rec.Chat[0].SenderID != "alice" {
		t.Fatalf("chat not persisted: %+v", rec.Chat)
	}

	eve := newConn("c9", "eve", "eve")
	c.HandleIntent(ctx, eve, envelope(t, wire.IntentChatMessage, wire.ChatPayload{GameID: gameID, Text: "hi"}))
	if eve.count(wire.EventGameAlert) != 1 {
		t.Fatalf("outsider chat not rejected")
	}
}

func TestCancelSearchDiscardsPendingMatch(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	alice := newConn("c1", "alice", "alice")

	c.HandleIntent(ctx, alice, envelope(t, wire.IntentInitGame, nil))
	c.HandleIntent(ctx, alice, envelope(t, wire.IntentCancelSearch, nil))

	if alice.count(wire.EventSearchCancelled) != 1 {
		t.Fatalf("no search_cancelled ack")
	}
	if c.LiveCount() != 0 {
		t.Fatalf("pending match survived cancel: %d", c.LiveCount())
	}

	// the slot is free again
	bob := newConn("c2", "bob", "bob")
	c.HandleIntent(ctx, bob, envelope(t, wire.IntentInitGame, nil))
	if bob.count(wire.EventGameAdded) != 1 {
		t.Fatalf("slot not reusable after cancel")
	}
}

func TestDisconnectDiscardsPendingMatch(t *testing.T) {
	c, _ := newCoordinator(t)
	alice := newConn("c1", "alice", "alice")

	c.HandleIntent(context.Background(), alice, envelope(t, wire.IntentInitGame, nil))
	c.RemoveConn(alice)

	if c.LiveCount() != 0 {
		t.Fatalf("pending match survived disconnect: %d", c.LiveCount())
	}
}

func TestDisconnectKeepsLiveMatch(t *testing.T) {
	c, _ := newCoordinator(t)
	alice, bob, _ := pairPlayers(t, c)

	c.RemoveConn(bob)
	if c.LiveCount() != 1 {
		t.Fatalf("live match dropped on disconnect")
	}
	if alice.count(wire.EventPlayerDisconnected) != 1 {
		t.Fatalf("opponent not notified")
	}
}

func TestFindActiveGames(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()
	alice, _, gameID := pairPlayers(t, c)

	c.HandleIntent(ctx, alice, envelope(t, wire.IntentFindActiveGames, nil))
	ev, ok := alice.last(wire.EventActiveGameFound)
	if !ok {
		t.Fatalf("active game not found")
	}
	if ev.Payload.(wire.ActiveGameFoundPayload).GameID != gameID {
		t.Fatalf("wrong game id in active_game_found")
	}

	eve := newConn("c9", "eve", "eve")
	c.HandleIntent(ctx, eve, envelope(t, wire.IntentFindActiveGames, nil))
	if eve.count(wire.EventNoActiveGameFound) != 1 {
		t.Fatalf("expected no_active_game_found")
	}
}

func TestRecoverReloadsActiveMatches(t *testing.T) {
	c, mem := newCoordinator(t)
	ctx := context.Background()
	eng := rules.NewEngine()

	now := time.Now()
	for _, id := range []string{"r1", "r2"} {
		rec := &store.MatchRecord{
			ID:          id,
			WhiteID:     "w-" + id,
			BlackID:     "b-" + id,
			Status:      store.StatusInProgress,
			StartingFEN: eng.StartingFEN(),
			CurrentFEN:  eng.StartingFEN(),
			StartedAt:   now,
			LastMoveAt:  now,
		}
		if err := mem.UpsertLive(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if c.LiveCount() != 2 {
		t.Fatalf("recovered = %d, want 2", c.LiveCount())
	}
}

func TestCheckmateDropsMatchFromLiveSet(t *testing.T) {
	c, mem := newCoordinator(t)
	alice, bob, gameID := pairPlayers(t, c)

	sendMove(t, c, alice, gameID, "f2", "f3")
	sendMove(t, c, bob, gameID, "e7", "e5")
	sendMove(t, c, alice, gameID, "g2", "g4")
	sendMove(t, c, bob, gameID, "d8", "h4")

	if c.LiveCount() != 0 {
		t.Fatalf("mated match still live: %d", c.LiveCount())
	}
	rec, _ := mem.FindMatch(context.Background(), gameID)
	if rec.Status != store.StatusCompleted || rec.Result != store.ResultBlackWins {
		t.Fatalf("record = %s/%s", rec.Status, rec.Result)
	}
	if alice.count(wire.EventGameEnded) != 1 || bob.count(wire.EventGameEnded) != 1 {
		t.Fatalf("game_ended not broadcast to both players")
	}
}
