package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pongWait       = 60 * time.Second
	pingInterval   = 50 * time.Second
	maxMessageSize = 64 << 10
)

// FrameDispatcher receives the frames a live client sends. The websocket
// worker's router implements it.
type FrameDispatcher interface {
	DispatchFrontend(ctx context.Context, c *Client, raw json.RawMessage) error
}

// Gateway upgrades HTTP requests to websocket connections and pumps their
// frames into a dispatcher.
type Gateway struct {
	registry   *Registry
	dispatcher FrameDispatcher
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

func NewGateway(reg *Registry, d FrameDispatcher, logger zerolog.Logger) *Gateway {
	return &Gateway{
		registry:   reg,
		dispatcher: d,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP expects the user id in the "user" query parameter. The identity
// is taken as given.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := NewClient(userID, conn)
	g.registry.Register(c)
	defer func() {
		g.registry.Unregister(c)
		_ = c.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go keepalive(ctx, conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("client read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := g.dispatcher.DispatchFrontend(ctx, c, msg); err != nil {
			g.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("client frame rejected")
		}
	}
}

func keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
