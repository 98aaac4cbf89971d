package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"parley/internal/auth"

	"github.com/gorilla/websocket"
)

type authenticator interface {
	Authenticate(token string) (int64, error)
}

type ServerConfig struct {
	ConnectionConfig
	PongWait       time.Duration
	MaxMessageSize int64
}

type Server struct {
	ctx      context.Context
	auth     authenticator
	hub      messageHub
	config   ServerConfig
	upgrader *websocket.Upgrader
}

// NewServer returns the websocket endpoint. Sessions end when ctx is done.
func NewServer(ctx context.Context, authn authenticator, hub messageHub, config ServerConfig) *Server {
	return &Server{
		ctx:    ctx,
		auth:   authn,
		hub:    hub,
		config: config,
		upgrader: &websocket.Upgrader{
			// The token cookie rides along on cross-site handshakes.
			CheckOrigin: auth.SameOrigin,
		},
	}
}

// HandleConnections authenticates the request before upgrading it. A
// request without a valid token never reaches the registry.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "user_id", userID, "error", err)
		return
	}

	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(s.config.MaxMessageSize)
	}
	if s.config.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		})
	}

	c := NewConnection(s.hub, conn, userID, s.config.ConnectionConfig)
	slog.Debug("websocket connected", "user_id", userID, "connection", c.ID())

	err = c.Handle(s.ctx)
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		slog.Warn("websocket closed", "user_id", userID, "connection", c.ID(), "error", err)
		return
	}
	slog.Debug("websocket disconnected", "user_id", userID, "connection", c.ID())
}
