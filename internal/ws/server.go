// Package ws carries the admin live feed: a small event protocol over
// WebSocket where clients authenticate with their bearer token and then
// receive pushed snapshots.
package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Handlers run on their own
// goroutine, so they may block without stalling the read pump.
type HandlerFunc func(c *Conn, msg *ClientMessage)

const connectEvent = "__connect"

// Server manages WebSocket connections and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers map[string]HandlerFunc
}

func NewServer() *Server {
	return &Server{
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a named event. Handlers must be registered
// before the server starts accepting connections.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a handler that fires when a new WebSocket connection
// is established (before the read pump starts).
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.handlers[connectEvent] = func(c *Conn, _ *ClientMessage) {
		fn(c)
	}
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The frontend is served from the same origin in production and from
		// a dev server in development; tokens, not cookies, authenticate.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(ws, s)
	s.add(c)

	slog.Debug("ws connected", "conn", c.id, "remote", r.RemoteAddr)

	if h, ok := s.handlers[connectEvent]; ok {
		h(c, nil)
	}

	// Block on the read pump; this goroutine is owned by net/http
	c.readPump(r.Context())
}

// BroadcastAuthenticatedBytes sends pre-marshaled JSON bytes to all
// authenticated connections.
func (s *Server) BroadcastAuthenticatedBytes(data []byte) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.Authenticated() {
			conns = append(conns, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.writeRaw(data)
	}
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HasAuthenticatedConns returns true if at least one authenticated client
// is connected.
func (s *Server) HasAuthenticatedConns() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if c.Authenticated() {
			return true
		}
	}
	return false
}

// CloseAll closes every connection. http.Server.Shutdown does not track
// hijacked connections, so this runs alongside it.
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	slog.Debug("ws disconnected", "conn", c.id, "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	go s.Dispatch(c, msg)
}

// Dispatch looks up and invokes the handler for the given message event.
func (s *Server) Dispatch(c *Conn, msg *ClientMessage) {
	h, ok := s.handlers[msg.Event]
	if !ok || msg.Event == connectEvent {
		slog.Warn("ws unknown event", "event", msg.Event)
		if msg.ID != nil {
			SendAck(c, *msg.ID, ErrorResponse{OK: false, Msg: "unknown event: " + msg.Event})
		}
		return
	}
	h(c, msg)
}
