// Package eventbus fans room events out to local connections and, through
// a redis channel, to every other instance serving the same rooms.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chessarena/internal/obslog"
	"chessarena/internal/registry"
)

const channel = "arena:events"

// envelope is the cross-instance frame. Instance lets subscribers drop
// their own publications; an empty Target means a room broadcast.
type envelope struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Target   string          `json:"target,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Bus implements the room fan-out used by matches and the coordinator.
// With a nil redis client it degrades to local-only delivery.
type Bus struct {
	reg        *registry.Registry
	rdb        *redis.Client
	instanceID string
}

func New(reg *registry.Registry, rdb *redis.Client) *Bus {
	return &Bus{
		reg:        reg,
		rdb:        rdb,
		instanceID: uuid.NewString(),
	}
}

func (b *Bus) Broadcast(roomID, event string, payload any) {
	b.reg.Broadcast(roomID, event, payload)
	b.publish(roomID, "", event, payload)
}

func (b *Bus) SendTo(roomID, participantID, event string, payload any) {
	b.reg.SendTo(roomID, participantID, event, payload)
	b.publish(roomID, participantID, event, payload)
}

func (b *Bus) publish(roomID, target, event string, payload any) {
	if b.rdb == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		obslog.L().Warn("eventbus_marshal_error", zap.String("event", event), zap.Error(err))
		return
	}
	env := envelope{
		Instance: b.instanceID,
		Room:     roomID,
		Target:   target,
		Event:    event,
		Payload:  raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		obslog.L().Warn("eventbus_marshal_error", zap.String("event", event), zap.Error(err))
		return
	}
	if err := b.rdb.Publish(context.Background(), channel, body).Err(); err != nil {
		obslog.L().Warn("eventbus_publish_error", zap.String("event", event), zap.Error(err))
	}
}

// Run subscribes to the shared channel and replays remote events into the
// local registry until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	if b.rdb == nil {
		return
	}
	sub := b.rdb.Subscribe(ctx, channel)
	defer sub.Close()
	obslog.L().Info("eventbus_subscribed", zap.String("channel", channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				obslog.L().Warn("eventbus_decode_error", zap.Error(err))
				continue
			}
			if env.Instance == b.instanceID {
				continue
			}
			if env.Target != "" {
				b.reg.SendTo(env.Room, env.Target, env.Event, env.Payload)
			} else {
				b.reg.Broadcast(env.Room, env.Event, env.Payload)
			}
		}
	}
}
