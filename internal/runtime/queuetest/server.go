// Package queuetest runs an in-process queue service speaking the wire
// protocol, for end-to-end tests of clients and workers.
package queuetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/queuelink/internal/runtime/config"
	"github.com/drblury/queuelink/internal/runtime/ids"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
	"github.com/drblury/queuelink/internal/runtime/protocol"
)

const (
	Token        = "test-token"
	ConnectionID = "conn-1"
	QueueName    = "emails"
)

// Responder produces the reply data for a command. Returning false leaves
// the command unanswered.
type Responder func(cmd protocol.Command) (any, bool)

// Server accepts connections, completes the handshake and records every
// inbound frame.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	responder Responder
	reject    int
	conns     chan *Conn
}

// NewServer starts a server closed automatically at the end of the test.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{conns: make(chan *Conn, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	tb.Cleanup(s.Server.Close)
	return s
}

// Config returns a client configuration pointing at the server.
func (s *Server) Config() config.Config {
	return config.Config{
		Host:              "ws" + strings.TrimPrefix(s.Server.URL, "http"),
		Token:             Token,
		ConnectionID:      ConnectionID,
		QueueName:         QueueName,
		ReconnectInterval: 50 * time.Millisecond,
	}
}

// Respond installs a responder used for every later command.
func (s *Server) Respond(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// RejectWith makes later upgrade requests fail with status. Zero accepts
// again.
func (s *Server) RejectWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = status
}

// NextConn waits for the next accepted connection.
func (s *Server) NextConn(tb testing.TB) *Conn {
	tb.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		tb.Fatal("queuetest: no connection accepted")
		return nil
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+Token {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		ws:     ws,
		Path:   r.URL.EscapedPath(),
		Header: r.Header.Clone(),
		frames: make(chan protocol.Frame, 1024),
		closed: make(chan struct{}),
	}
	if err := c.Send(ids.HandshakeID, map[string]string{"type": string(protocol.CommandAuthorized)}); err != nil {
		_ = ws.Close()
		return
	}
	s.conns <- c
	go s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer close(c.closed)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.DecodeFrame(raw)
		if err != nil {
			continue
		}
		select {
		case c.frames <- f:
		default:
			// nobody inspects frames of auto-answered traffic
		}

		s.mu.Lock()
		responder := s.responder
		s.mu.Unlock()
		if responder == nil {
			continue
		}
		var cmd protocol.Command
		if jsoncodec.Unmarshal(f.Data, &cmd) != nil || cmd.Type == "" {
			continue
		}
		if reply, ok := responder(cmd); ok {
			_ = c.Send(f.ID, reply)
		}
	}
}

// Conn is the server end of one accepted connection.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	frames  chan protocol.Frame
	closed  chan struct{}

	// Path is the escaped request path, Header the upgrade headers.
	Path   string
	Header http.Header
}

// Send writes a frame with id and data.
func (c *Conn) Send(id string, data any) error {
	raw, err := protocol.EncodeFrame(id, data)
	if err != nil {
		return err
	}
	return c.write(raw)
}

// Ping writes the heartbeat literal.
func (c *Conn) Ping() error {
	return c.write([]byte(protocol.Heartbeat))
}

// SendEvent pushes a notification for event with args.
func (c *Conn) SendEvent(event string, args ...any) error {
	data := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := jsoncodec.Marshal(a)
		if err != nil {
			return err
		}
		data = append(data, raw)
	}
	return c.Send("evt", map[string]any{
		"type":    protocol.CommandSendEvent,
		"payload": map[string]any{"event": event, "data": data},
	})
}

// SendJob pushes a unit of work under correlation id.
func (c *Conn) SendJob(id string, payload any) error {
	return c.Send(id, map[string]any{"type": protocol.CommandProcess, "payload": payload})
}

// CloseWith sends a close frame with code and closes the socket.
func (c *Conn) CloseWith(code int) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// Drop closes the socket without a close frame.
func (c *Conn) Drop() {
	_ = c.ws.Close()
}

// Closed is closed when the peer went away.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Next waits for the next frame received from the peer.
func (c *Conn) Next(tb testing.TB) protocol.Frame {
	tb.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(5 * time.Second):
		tb.Fatal("queuetest: no frame received")
		return protocol.Frame{}
	}
}

// NextCommand waits for the next frame and decodes it as a command.
func (c *Conn) NextCommand(tb testing.TB) (protocol.Frame, protocol.Command) {
	tb.Helper()
	f := c.Next(tb)
	var cmd protocol.Command
	if err := jsoncodec.Unmarshal(f.Data, &cmd); err != nil {
		tb.Fatalf("queuetest: frame %s is not a command: %v", f.ID, err)
	}
	return f, cmd
}

func (c *Conn) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}
