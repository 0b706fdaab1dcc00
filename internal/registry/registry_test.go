package registry

import (
	"sync"
	"testing"
)

type fakeConn struct {
	id    string
	user  string
	alive bool

	mu     sync.Mutex
	events []string
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) UserID() string   { return f.user }
func (f *fakeConn) Username() string { return f.user }
func (f *fakeConn) Alive() bool      { return f.alive }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func TestJoinAndBroadcast(t *testing.T) {
	r := New()
	a := &fakeConn{id: "c1", user: "u1", alive: true}
	b := &fakeConn{id: "c2", user: "u2", alive: true}
	r.Join(a, "room1")
	r.Join(b, "room1")

	r.Broadcast("room1", "move", nil)
	if got := a.received(); len(got) != 1 || got[0] != "move" {
		t.Fatalf("conn a events = %v", got)
	}
	if got := b.received(); len(got) != 1 {
		t.Fatalf("conn b events = %v", got)
	}
}

func TestBroadcastSkipsDeadConnections(t *testing.T) {
	r := New()
	a := &fakeConn{id: "c1", user: "u1", alive: true}
	b := &fakeConn{id: "c2", user: "u2", alive: false}
	r.Join(a, "room1")
	r.Join(b, "room1")

	r.Broadcast("room1", "move", nil)
	if got := b.received(); len(got) != 0 {
		t.Fatalf("dead conn received events: %v", got)
	}
}

func TestBroadcastUnknownRoomIsNoop(t *testing.T) {
	r := New()
	r.Broadcast("missing", "move", nil) // must not panic
}

func TestSendToUnicast(t *testing.T) {
	r := New()
	a := &fakeConn{id: "c1", user: "u1", alive: true}
	b := &fakeConn{id: "c2", user: "u2", alive: true}
	r.Join(a, "room1")
	r.Join(b, "room1")

	r.SendTo("room1", "u2", "invalid_move", nil)
	if got := a.received(); len(got) != 0 {
		t.Fatalf("unicast leaked to other conn: %v", got)
	}
	if got := b.received(); len(got) != 1 || got[0] != "invalid_move" {
		t.Fatalf("unicast target events = %v", got)
	}
}

func TestJoinSupersedesPriorRoom(t *testing.T) {
	r := New()
	a := &fakeConn{id: "c1", user: "u1", alive: true}
	r.Join(a, "room1")
	r.Join(a, "room2")

	if room, _ := r.RoomOf("u1"); room != "room2" {
		t.Fatalf("RoomOf = %q, want room2", room)
	}
}

func TestRemoveDeletesEmptyRoom(t *testing.T) {
	r := New()
	a := &fakeConn{id: "c1", user: "u1", alive: true}
	r.Join(a, "room1")
	r.Remove("c1", "u1")

	if _, ok := r.RoomOf("u1"); ok {
		t.Fatalf("participant mapping survived Remove")
	}
	if conns := r.ConnectionsIn("room1"); len(conns) != 0 {
		t.Fatalf("room not empty after Remove: %d conns", len(conns))
	}
}

func TestRemoveUnmappedParticipantIsNoop(t *testing.T) {
	r := New()
	r.Remove("c9", "ghost") // must not panic
}

func TestConcurrentJoinBroadcastRemove(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := &fakeConn{id: string(rune('a' + n)), user: string(rune('A' + n)), alive: true}
			r.Join(c, "room1")
			r.Broadcast("room1", "tick", nil)
			r.Remove(c.ID(), c.UserID())
		}(i)
	}
	wg.Wait()
}
