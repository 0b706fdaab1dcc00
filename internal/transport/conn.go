package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chessarena/internal/obslog"
	"chessarena/pkg/wire"
)

const (
	writeTimeout = 5 * time.Second
	sendQueue    = 32
)

var (
	ErrConnClosed   = errors.New("transport: connection closed")
	ErrSlowConsumer = errors.New("transport: send queue full")
)

// wsConn adapts one websocket to the registry's connection interface.
// Writes go through a single egress goroutine; wsjson.Write is not safe
// for concurrent use.
type wsConn struct {
	id       string
	userID   string
	username string

	ws     *websocket.Conn
	cancel context.CancelFunc

	sendCh chan wire.Envelope

	mu     sync.Mutex
	closed bool
}

func newWSConn(id string, ident *Identity, ws *websocket.Conn, cancel context.CancelFunc) *wsConn {
	return &wsConn{
		id:       id,
		userID:   ident.UserID,
		username: ident.Username,
		ws:       ws,
		cancel:   cancel,
		sendCh:   make(chan wire.Envelope, sendQueue),
	}
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) UserID() string   { return c.userID }
func (c *wsConn) Username() string { return c.username }

func (c *wsConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Send queues one event frame. A full queue means the client stopped
// reading; the connection is dropped rather than letting one slow socket
// stall a room broadcast.
func (c *wsConn) Send(event string, payload any) error {
	if !c.Alive() {
		return ErrConnClosed
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- wire.Envelope{Type: event, Payload: raw}:
		return nil
	default:
		obslog.L().Warn("ws_slow_consumer",
			zap.String("conn_id", c.id),
			zap.String("user_id", c.userID),
		)
		c.markClosed()
		c.cancel()
		return ErrSlowConsumer
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_write_error",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
				c.markClosed()
				c.cancel()
				return
			}
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
