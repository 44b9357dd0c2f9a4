// Package ws provides the websocket transport the connection manager drives.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/omochice/magichat/pkg/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Emit before Connect or after Disconnect.
	ErrNotConnected = errors.New("not connected to server")
	// ErrClosed is returned by Connect on a socket that was already used.
	// A Socket serves one connection; dial a new one to reconnect.
	ErrClosed = errors.New("socket already used")
)

// Handler receives inbound events. It runs on the socket's reader goroutine.
type Handler func(protocol.Event)

// SubscriptionID identifies a handler registered with On.
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Socket is a single-use websocket connection with named-event dispatch.
type Socket struct {
	url    string
	header http.Header
	logger *zap.Logger
	onDrop func(error)

	mu       sync.RWMutex
	conn     net.Conn
	used     bool
	closing  bool
	handlers map[string][]subscription
	events   map[SubscriptionID]string

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Option configures a Socket.
type Option func(*Socket)

// WithToken sends the bearer token in the handshake.
func WithToken(token string) Option {
	return func(s *Socket) {
		if token != "" {
			s.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Socket) {
		s.logger = logger
	}
}

// WithDropHandler is called once when the connection ends without Disconnect.
func WithDropHandler(fn func(error)) Option {
	return func(s *Socket) {
		s.onDrop = fn
	}
}

// New creates a Socket for url. It does not dial.
func New(url string, opts ...Option) *Socket {
	s := &Socket{
		url:      url,
		header:   http.Header{},
		logger:   zap.NewNop(),
		handlers: make(map[string][]subscription),
		events:   make(map[SubscriptionID]string),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the server and starts the reader goroutine.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrClosed
	}
	s.used = true
	s.mu.Unlock()

	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(s.header)}
	conn, br, _, err := dialer.Dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.wg.Add(1)
	s.mu.Unlock()

	// Frames sent right after the handshake may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	go s.receive(conn, r)

	return nil
}

// Disconnect closes the connection and drops every subscription. Safe to
// call more than once, and before Connect. Must not be called from a Handler.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.closing = true
	s.used = true
	conn := s.conn
	s.conn = nil
	s.handlers = make(map[string][]subscription)
	s.events = make(map[SubscriptionID]string)
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}

	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// IsConnected returns whether the socket holds a live connection.
func (s *Socket) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Emit sends a named event with a JSON payload.
func (s *Socket) Emit(event string, payload any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	ev, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientBinary(conn, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// On registers h for event. Handlers for one event run in registration order.
func (s *Socket) On(event string, h Handler) SubscriptionID {
	id := SubscriptionID(uuid.NewString())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], subscription{id: id, handler: h})
	s.events[id] = event
	return id
}

// Off removes a handler. Unknown ids are ignored.
func (s *Socket) Off(id SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return
	}
	delete(s.events, id)

	subs := s.handlers[event]
	kept := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(s.handlers, event)
		return
	}
	s.handlers[event] = kept
}

// HandlerCount returns the number of registered handlers.
func (s *Socket) HandlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Socket) receive(conn net.Conn, r io.Reader) {
	defer s.wg.Done()

	rw := struct {
		io.Reader
		io.Writer
	}{Reader: bufio.NewReader(r), Writer: &lockedWriter{mu: &s.writeMu, w: conn}}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			s.handleReadError(err)
			return
		}
		if op != ws.OpBinary {
			s.logger.Debug("ignoring non-binary frame", zap.Any("op", op))
			continue
		}

		var ev protocol.Event
		if err := ev.Decode(data); err != nil {
			s.logger.Warn("failed to decode event", zap.Error(err))
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Socket) dispatch(ev protocol.Event) {
	s.mu.RLock()
	subs := append([]subscription(nil), s.handlers[ev.Name]...)
	s.mu.RUnlock()

	if len(subs) == 0 {
		s.logger.Debug("no handler for event", zap.String("event", ev.Name))
		return
	}
	for _, sub := range subs {
		sub.handler(ev)
	}
}

func (s *Socket) handleReadError(err error) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	closing := s.closing
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if closing {
		return
	}
	if conn != nil {
		conn.Close()
	}

	s.logger.Warn("connection lost", zap.Error(err))
	if s.onDrop != nil {
		s.onDrop(err)
	}
}

// lockedWriter serializes control-frame replies from the reader with Emit.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
