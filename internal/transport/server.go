// Package transport exposes the public websocket surface: token auth,
// the socket accept loop, and per-connection egress queues.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chessarena/internal/coordinator"
	"chessarena/internal/obslog"
	"chessarena/pkg/wire"
)

const guestTokenTTL = 72 * time.Hour

type Server struct {
	coord  *coordinator.Coordinator
	secret []byte
}

func NewServer(coord *coordinator.Coordinator, jwtSecret []byte) *Server {
	return &Server{coord: coord, secret: jwtSecret}
}

// Handler builds the HTTP mux: the socket endpoint, guest token issuance
// and a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/auth/guest", s.handleGuest)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleGuest issues an anonymous identity token so a client can connect
// without an account.
func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	userID := uuid.NewString()
	username := strings.TrimSpace(body.Username)
	if username == "" {
		username = "guest-" + userID[:8]
	}
	token, err := MintToken(userID, username, s.secret, guestTokenTTL)
	if err != nil {
		http.Error(w, "token error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"token":    token,
		"userId":   userID,
		"username": username,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := newWSConn(uuid.NewString(), ident, ws, cancel)
	obslog.L().Info("ws_connect",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
	)

	go conn.writeLoop(ctx)
	s.readLoop(ctx, conn, ws)

	cancel()
	conn.markClosed()
	s.coord.RemoveConn(conn)
	ws.Close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_disconnect",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
	)
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, ws *websocket.Conn) {
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			obslog.L().Debug("ws_read_closed",
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
			return
		}
		s.coord.HandleIntent(ctx, conn, env)
	}
}

// authenticate pulls the token from the query string or the bearer header.
func (s *Server) authenticate(r *http.Request) (*Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		auth := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = strings.TrimSpace(after)
		}
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	return ParseToken(token, s.secret)
}
