// Package registry tracks which live connections can currently hear which
// match room. It is the single in-memory source of truth for event fan-out;
// nothing here is persisted.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"chessarena/internal/obslog"
)

// Conn is one live client connection. Implementations must be safe for use
// from multiple goroutines; Send may be called concurrently with Alive.
type Conn interface {
	ID() string
	UserID() string
	Username() string
	Alive() bool
	Send(event string, payload any) error
}

// Registry maps rooms to their connection sets and participants to their
// current room. A participant belongs to at most one room at a time; a later
// Join supersedes the previous mapping. One lock guards both maps so a
// concurrent Broadcast never sees a half-applied Join or Remove.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]Conn // roomID → connID → conn
	userRoom map[string]string          // participantID → roomID
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]Conn),
		userRoom: make(map[string]string),
	}
}

// Join registers conn into the room's set and points the participant mapping
// at the room, overwriting any prior mapping. Idempotent for the same pair.
func (r *Registry) Join(conn Conn, roomID string) {
	if conn == nil || roomID == "" {
		return
	}
	r.mu.Lock()
	set := r.rooms[roomID]
	if set == nil {
		set = make(map[string]Conn)
		r.rooms[roomID] = set
	}
	set[conn.ID()] = conn
	r.userRoom[conn.UserID()] = roomID
	n := len(set)
	r.mu.Unlock()

	obslog.L().Debug("registry_join",
		zap.String("room_id", roomID),
		zap.String("user_id", conn.UserID()),
		zap.Int("room_size", n),
	)
}

// Broadcast delivers the event to every live connection in the room. An
// empty or unknown room is not an error: broadcasts can race with a
// departing opponent, so it is logged and dropped.
func (r *Registry) Broadcast(roomID, event string, payload any) {
	r.mu.RLock()
	set := r.rooms[roomID]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		obslog.L().Debug("registry_broadcast_empty",
			zap.String("room_id", roomID),
			zap.String("event", event),
		)
		return
	}
	for _, c := range conns {
		if !c.Alive() {
			continue
		}
		if err := c.Send(event, payload); err != nil {
			obslog.L().Warn("registry_send_error",
				zap.String("room_id", roomID),
				zap.String("event", event),
				zap.String("user_id", c.UserID()),
				zap.Error(err),
			)
		}
	}
}

// SendTo delivers the event to the participant's connections in the room
// only. Used for unicast replies such as invalid-move.
func (r *Registry) SendTo(roomID, participantID, event string, payload any) {
	r.mu.RLock()
	var conns []Conn
	for _, c := range r.rooms[roomID] {
		if c.UserID() == participantID {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.Alive() {
			continue
		}
		if err := c.Send(event, payload); err != nil {
			obslog.L().Warn("registry_send_error",
				zap.String("room_id", roomID),
				zap.String("event", event),
				zap.String("user_id", participantID),
				zap.Error(err),
			)
		}
	}
}

// Remove finds the participant's room, discards the connection from its set
// and deletes the room once empty. No-op when the participant is unmapped.
func (r *Registry) Remove(connID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.userRoom[participantID]
	if !ok {
		return
	}
	delete(r.userRoom, participantID)

	set := r.rooms[roomID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomOf returns the room the participant is currently mapped to.
func (r *Registry) RoomOf(participantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.userRoom[participantID]
	return roomID, ok
}

// ConnectionsIn returns the connections currently registered in the room.
func (r *Registry) ConnectionsIn(roomID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		out = append(out, c)
	}
	return out
}
