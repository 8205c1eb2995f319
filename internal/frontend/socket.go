// Package frontend bridges frontend-transport tool calls to an
// attached UI over a websocket. The runtime is the caller here: each
// tool call goes out as a "call" frame and the UI answers with a
// "result" frame carrying the same id.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/substratelabs/switchboard/internal/extensions"
	"github.com/substratelabs/switchboard/internal/protocol"
)

const (
	maxPayloadBytes = 1 << 20
	sendBuffer      = 64
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second

	// DefaultCallTimeout bounds a forwarded call when no option
	// overrides it. It is an upper bound on top of whatever deadline
	// the caller's context carries.
	DefaultCallTimeout = 60 * time.Second
)

// Frame is one JSON message on the UI socket.
type Frame struct {
	Type   string                   `json:"type"`
	ID     string                   `json:"id,omitempty"`
	Tool   string                   `json:"tool,omitempty"`
	Args   json.RawMessage          `json:"args,omitempty"`
	Meta   protocol.Meta            `json:"meta,omitempty"`
	Result *protocol.CallToolResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

const (
	frameCall   = "call"
	frameResult = "result"
)

// Socket accepts one websocket UI connection and forwards tool calls
// over it. A newly accepted connection replaces the previous one;
// calls still waiting on the old connection fail. Its Call method
// satisfies extensions.FrontendSink, so a Socket can back a frontend
// extension directly.
type Socket struct {
	logger   *slog.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *uiConn
}

var _ extensions.FrontendSink = (*Socket)(nil)
var _ http.Handler = (*Socket)(nil)

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SocketOption {
	return func(s *Socket) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCallTimeout sets the per-call answer timeout.
func WithCallTimeout(d time.Duration) SocketOption {
	return func(s *Socket) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSocket creates a socket with no UI attached yet.
func NewSocket(opts ...SocketOption) *Socket {
	s := &Socket{
		logger:  slog.Default().With("component", "frontend"),
		timeout: DefaultCallTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until the
// UI goes away or a newer connection replaces it.
func (s *Socket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &uiConn{
		logger:  s.logger,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan *Frame),
	}

	s.mu.Lock()
	prior := s.conn
	s.conn = c
	s.mu.Unlock()
	if prior != nil {
		s.logger.Info("frontend connection replaced")
		prior.teardown()
	}
	s.logger.Info("frontend connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()
	c.teardown()

	s.mu.Lock()
	current := s.conn == c
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	if current {
		s.logger.Info("frontend disconnected")
	}
}

// Connected reports whether a UI is currently attached.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close drops the active connection, failing any waiting calls.
func (s *Socket) Close() error {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		c.teardown()
	}
	return nil
}

// Call forwards one tool call to the connected UI and waits for its
// answer.
func (s *Socket) Call(ctx context.Context, name string, args json.RawMessage, meta protocol.Meta) (*protocol.CallToolResult, error) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil, errors.New("no frontend connected")
	}

	id := uuid.NewString()
	reply, err := c.addPending(id)
	if err != nil {
		return nil, err
	}
	defer c.removePending(id)

	data, err := json.Marshal(&Frame{
		Type: frameCall,
		ID:   id,
		Tool: name,
		Args: args,
		Meta: meta,
	})
	if err != nil {
		return nil, err
	}
	if err := c.enqueue(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("frontend call %q timed out after %s", name, s.timeout)
	case <-c.done:
		// A result that raced the disconnect still counts.
		select {
		case f := <-reply:
			return unpackResult(name, f)
		default:
		}
		return nil, errors.New("frontend disconnected")
	case f := <-reply:
		return unpackResult(name, f)
	}
}

func unpackResult(name string, f *Frame) (*protocol.CallToolResult, error) {
	if f.Error != "" {
		return nil, fmt.Errorf("frontend call %q: %s", name, f.Error)
	}
	if f.Result == nil {
		return nil, fmt.Errorf("frontend call %q returned no result", name)
	}
	return f.Result, nil
}

// uiConn is one accepted websocket connection. Pending calls belong to
// the connection that sent them; tearing it down fails them all.
type uiConn struct {
	logger *slog.Logger
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan *Frame
	closed  bool
}

func (c *uiConn) addPending(id string) (chan *Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("frontend disconnected")
	}
	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *uiConn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *uiConn) deliver(f *Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping result for unknown call", "id", f.ID)
		return
	}
	ch <- f
}

func (c *uiConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()
}

func (c *uiConn) enqueue(data []byte) error {
	if len(data) > maxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *uiConn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding malformed frontend frame", "error", err)
			continue
		}
		if f.Type != frameResult || f.ID == "" {
			c.logger.Debug("ignoring frontend frame", "type", f.Type)
			continue
		}
		c.deliver(&f)
	}
}

func (c *uiConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
