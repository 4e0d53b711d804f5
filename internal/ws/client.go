package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/velocode/internal/protocol"
	"github.com/manpreetbhatti/velocode/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512
)

// Client is one websocket connection. Its identity is assigned on
// connect and lives exactly as long as the socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	guard  *ratelimit.Guard
	logger *slog.Logger

	// Rooms joined; guarded by hub.mu
	rooms map[string]struct{}
}

func (c *Client) ID() string {
	return c.id
}

// Server upgrades HTTP requests into hub clients
type Server struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	rateLimit ratelimit.Config
}

// NewServer accepts websocket connections for hub. allowedOrigins
// containing "*" accepts any origin; an empty list accepts same-host
// requests only.
func NewServer(hub *Hub, allowedOrigins []string, rateLimit ratelimit.Config) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		rateLimit: rateLimit,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     id,
		guard:  ratelimit.NewGuard(s.rateLimit),
		logger: s.hub.logger.With("connection_id", id),
		rooms:  make(map[string]struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		switch c.guard.Check() {
		case ratelimit.Drop:
			continue
		case ratelimit.Warn:
			c.logger.Warn("rate limit exceeded", "strikes", c.guard.Strikes())
			continue
		case ratelimit.Disconnect:
			c.logger.Warn("disconnecting client for excessive rate limit violations", "strikes", c.guard.Strikes())
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("invalid frame", "bytes", len(frame), "error", err)
			continue
		}

		select {
		case c.hub.inbound <- &Inbound{Client: c, Message: msg}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
