package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10 // clients only send small control messages
)

var connIDCounter uint64

// Conn wraps a single WebSocket connection.
type Conn struct {
	ws     *websocket.Conn
	server *Server

	mu     sync.Mutex
	id     string
	user   string // empty = unauthenticated
	closed bool
}

func newConn(ws *websocket.Conn, server *Server) *Conn {
	id := atomic.AddUint64(&connIDCounter, 1)
	return &Conn{
		id:     "c" + strconv.FormatUint(id, 10),
		ws:     ws,
		server: server,
	}
}

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string {
	return c.id
}

// SetUser marks this connection as authenticated as user. An empty user
// reverts it to unauthenticated.
func (c *Conn) SetUser(user string) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

// User returns the authenticated user, or "" if not authenticated.
func (c *Conn) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Authenticated reports whether SetUser has admitted this connection.
func (c *Conn) Authenticated() bool {
	return c.User() != ""
}

// SendAck sends an ack response for a client request.
// Generic to avoid interface boxing; json.Marshal sees the concrete type directly.
func SendAck[T any](c *Conn, id int64, data T) {
	writeJSON(c, AckMessage[T]{ID: id, Data: data})
}

// SendEvent sends a server push event with a single data payload.
func SendEvent[T any](c *Conn, event string, data T) {
	writeJSON(c, ServerMessage[T]{Event: event, Data: data})
}

func writeJSON[T any](c *Conn, v T) {
	// Marshal outside the lock, this is CPU work, not I/O
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal", "err", err)
		return
	}

	c.writeRaw(data)
}

// writeRaw sends pre-marshalled JSON bytes to the connection.
func (c *Conn) writeRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ws write", "conn", c.id, "err", err)
		c.closeLocked()
	}
}

// readPump reads messages from the WebSocket and dispatches them.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.server.remove(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			slog.Debug("ws read", "conn", c.id, "err", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("ws unmarshal", "conn", c.id, "err", err)
			continue
		}

		c.server.dispatch(c, &msg)
	}
}

// Close shuts down the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close(websocket.StatusNormalClosure, "")
}
