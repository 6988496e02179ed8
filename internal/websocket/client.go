package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single wire write so a stalled client cannot block
	// the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping; the
	// connection is closed when none arrives.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client has time to
	// reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize limits inbound frames. Clients only send close and pong
	// frames, the protocol is server-push only.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A client that fills
	// it is disconnected by Publish.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket upgrade. Origin validation is the
// reverse proxy's job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected peer. readPump detects disconnection and handles
// pong frames; writePump serializes outgoing messages onto the wire. The
// send channel is closed by the hub on unregister, which makes writePump
// drain and exit.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	// topics is fixed at connection time from query parameters. Read-only
	// afterwards, no synchronization needed.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and returns a Client subscribed to
// the given topics. The caller must invoke Run.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client and pumps until the connection closes. Blocking
// inside the HTTP handler is fine, the upgrade already hijacked the
// connection.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// Content is discarded, clients only send pong and close frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only goroutine writing to conn; gorilla connections are
// not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
