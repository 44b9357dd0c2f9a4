// Package connection binds one websocket connection to the signed-in session.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omochice/magichat/internal/eventloop"
	"github.com/omochice/magichat/internal/metrics"
	"github.com/omochice/magichat/internal/transport/ws"
	"github.com/omochice/magichat/pkg/protocol"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Emit while no connection is open.
var ErrNotConnected = errors.New("connection is not open")

// TransportError reports a failed dial, a failed emit or a dropped connection.
// The session is never cleared because of one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of the managed connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Socket is the transport contract. *ws.Socket satisfies it.
type Socket interface {
	Connect(ctx context.Context) error
	Disconnect()
	Emit(event string, payload any) error
	On(event string, h ws.Handler) ws.SubscriptionID
	Off(id ws.SubscriptionID)
}

// Dialer builds a fresh, unconnected Socket for token. onDrop must be wired
// so the manager learns about connections lost without a local close.
type Dialer func(token string, onDrop func(error)) Socket

// WebSocketDialer returns a Dialer producing gobwas websocket sockets.
func WebSocketDialer(url string, logger *zap.Logger) Dialer {
	return func(token string, onDrop func(error)) Socket {
		return ws.New(url,
			ws.WithToken(token),
			ws.WithLogger(logger.Named("socket")),
			ws.WithDropHandler(onDrop))
	}
}

// Handler handles an inbound event on the event loop.
type Handler func(protocol.Event)

type binding struct {
	event   string
	handler Handler
	sub     ws.SubscriptionID // subscription on the live socket, if any
}

// Manager owns at most one connection at a time. Open and Close must run on
// the event loop; inbound events are delivered there too, in the order the
// transport received them. Every socket lives for one generation: a new Open
// or a Close advances the generation, and anything still in flight for an
// older one is discarded.
type Manager struct {
	dial        Dialer
	loop        *eventloop.Loop
	logger      *zap.Logger
	metrics     *metrics.Metrics
	dialTimeout time.Duration

	// OnStateChange is called on the loop after every state transition.
	OnStateChange func(State)

	mu         sync.Mutex
	socket     Socket
	state      State
	generation uint64
	bindings   map[int]*binding
	nextID     int
}

// NewManager creates a Manager.
func NewManager(dial Dialer, loop *eventloop.Loop, logger *zap.Logger, m *metrics.Metrics, dialTimeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Manager{
		dial:        dial,
		loop:        loop,
		logger:      logger.Named("connection"),
		metrics:     m,
		dialTimeout: dialTimeout,
		bindings:    make(map[int]*binding),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the current generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// On registers h for event on the current and every future connection. The
// returned function removes it.
func (m *Manager) On(event string, h Handler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	b := &binding{event: event, handler: h}
	m.bindings[id] = b
	if m.socket != nil {
		m.attach(m.socket, m.generation, b)
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.socket != nil && b.sub != "" {
				m.socket.Off(b.sub)
			}
			delete(m.bindings, id)
		})
	}
}

// Open replaces any current connection with a new one authenticated by
// token. Dialing happens off the loop; the result is applied on the loop
// only if no Close or Open happened meanwhile.
func (m *Manager) Open(token string) {
	m.Close()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	sock := m.dial(token, func(err error) { m.dropped(gen, err) })
	m.socket = sock
	for _, b := range m.bindings {
		m.attach(sock, gen, b)
	}
	m.setState(Connecting)
	m.mu.Unlock()
	m.notify(Connecting)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
		defer cancel()
		err := sock.Connect(ctx)

		if !m.loop.Post(func() { m.connected(gen, sock, err) }) {
			sock.Disconnect()
		}
	}()
}

// Close disconnects the current socket and removes every handler attached to
// it. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	sock := m.socket
	m.socket = nil
	if sock != nil {
		m.generation++
		m.detach(sock)
	}
	changed := m.setState(Disconnected)
	m.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
		m.logger.Debug("connection closed")
	}
	if changed {
		m.notify(Disconnected)
	}
}

// Emit sends an outbound event on the live connection.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	sock := m.socket
	state := m.state
	m.mu.Unlock()

	if sock == nil || state != Connected {
		return &TransportError{Op: "emit " + event, Err: ErrNotConnected}
	}
	if err := sock.Emit(event, payload); err != nil {
		return &TransportError{Op: "emit " + event, Err: err}
	}
	return nil
}

// attach subscribes b on sock. Inbound events are re-posted to the loop and
// dropped there if the generation moved on. Called with m.mu held.
func (m *Manager) attach(sock Socket, gen uint64, b *binding) {
	h := b.handler
	event := b.event
	b.sub = sock.On(event, func(ev protocol.Event) {
		m.loop.Post(func() {
			if m.Generation() != gen {
				m.metrics.StaleContinuations.WithLabelValues(metrics.StaleEvent).Inc()
				m.logger.Debug("discarding event from closed connection", zap.String("event", event))
				return
			}
			h(ev)
		})
	})
}

// detach removes every binding's subscription from sock. Called with m.mu held.
func (m *Manager) detach(sock Socket) {
	for _, b := range m.bindings {
		if b.sub != "" {
			sock.Off(b.sub)
			b.sub = ""
		}
	}
}

func (m *Manager) connected(gen uint64, sock Socket, err error) {
	if m.Generation() != gen {
		m.metrics.StaleContinuations.WithLabelValues(metrics.StaleConnect).Inc()
		m.logger.Debug("discarding connection opened for a closed session")
		sock.Disconnect()
		return
	}

	if err != nil {
		m.mu.Lock()
		m.detach(sock)
		m.socket = nil
		m.generation++
		m.setState(Disconnected)
		m.mu.Unlock()

		m.metrics.TransportErrors.Inc()
		m.logger.Warn("failed to open connection", zap.Error(&TransportError{Op: "connect", Err: err}))
		sock.Disconnect()
		m.notify(Disconnected)
		return
	}

	m.mu.Lock()
	m.setState(Connected)
	m.mu.Unlock()
	m.logger.Info("connection open")
	m.notify(Connected)
}

// dropped runs on the socket reader goroutine. Reconnection is not attempted;
// the session stays signed in with the connection marked Disconnected.
func (m *Manager) dropped(gen uint64, err error) {
	m.loop.Post(func() {
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		sock := m.socket
		if sock != nil {
			m.detach(sock)
		}
		m.socket = nil
		m.generation++
		m.setState(Disconnected)
		m.mu.Unlock()

		m.metrics.TransportErrors.Inc()
		m.logger.Warn("connection lost", zap.Error(&TransportError{Op: "read", Err: err}))
		if sock != nil {
			sock.Disconnect()
		}
		m.notify(Disconnected)
	})
}

// setState is called with m.mu held and reports whether the state changed.
func (m *Manager) setState(s State) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) notify(s State) {
	if m.OnStateChange != nil {
		m.OnStateChange(s)
	}
}
