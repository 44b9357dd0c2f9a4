package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omochice/magichat/internal/eventloop"
	"github.com/omochice/magichat/internal/metrics"
	"github.com/omochice/magichat/internal/transport/ws"
	"github.com/omochice/magichat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSocket is an in-process Socket. Push simulates the reader goroutine.
type fakeSocket struct {
	token   string
	onDrop  func(error)
	release chan struct{} // when non-nil Connect waits for it
	err     error

	mu           sync.Mutex
	handlers     map[ws.SubscriptionID]subscriptionFor
	next         int
	emitted      []protocol.Event
	disconnected bool
}

type subscriptionFor struct {
	event   string
	handler ws.Handler
}

func (f *fakeSocket) Connect(ctx context.Context) error {
	if f.release != nil {
		<-f.release
	}
	return f.err
}

func (f *fakeSocket) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.handlers = map[ws.SubscriptionID]subscriptionFor{}
}

func (f *fakeSocket) Emit(event string, payload any) error {
	ev, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, ev)
	return nil
}

func (f *fakeSocket) On(event string, h ws.Handler) ws.SubscriptionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := ws.SubscriptionID(fmt.Sprintf("%s#%d", event, f.next))
	f.handlers[id] = subscriptionFor{event: event, handler: h}
	return id
}

func (f *fakeSocket) Off(id ws.SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeSocket) Push(event string, payload any) {
	ev, _ := protocol.NewEvent(event, payload)
	f.mu.Lock()
	var hs []ws.Handler
	for _, s := range f.handlers {
		if s.event == event {
			hs = append(hs, s.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSocket) HandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeSocket) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	prepare func(*fakeSocket)
}

func (d *fakeDialer) Dial(token string, onDrop func(error)) Socket {
	s := &fakeSocket{token: token, onDrop: onDrop, handlers: map[ws.SubscriptionID]subscriptionFor{}}
	if d.prepare != nil {
		d.prepare(s)
	}
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s
}

func (d *fakeDialer) Last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[len(d.sockets)-1]
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func newTestManager(t *testing.T, d *fakeDialer) (*Manager, *eventloop.Loop, *metrics.Metrics) {
	t.Helper()
	loop := eventloop.New(zap.NewNop())
	t.Cleanup(loop.Stop)
	m := metrics.New()
	return NewManager(d.Dial, loop, zap.NewNop(), m, time.Second), loop, m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_OpenDeliversEventsOnLoop(t *testing.T) {
	d := &fakeDialer{}
	m, loop, _ := newTestManager(t, d)

	got := make(chan string, 1)
	m.On(protocol.EventLoadChat, func(ev protocol.Event) { got <- ev.Name })

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	waitState(t, m, Connected)
	assert.Equal(t, "t1", d.Last().token)

	d.Last().Push(protocol.EventLoadChat, protocol.Chat{ConversationID: "c1"})
	assert.Equal(t, protocol.EventLoadChat, <-got)
}

func TestManager_CloseUnsubscribesAndNeverReusesSocket(t *testing.T) {
	d := &fakeDialer{}
	m, loop, _ := newTestManager(t, d)
	m.On(protocol.EventLoadChat, func(protocol.Event) {})
	m.On(protocol.EventLoadConversations, func(protocol.Event) {})

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	waitState(t, m, Connected)
	first := d.Last()
	assert.Equal(t, 2, first.HandlerCount())

	require.NoError(t, loop.Do(m.Close))
	require.NoError(t, loop.Do(m.Close))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 0, first.HandlerCount())
	assert.True(t, first.Disconnected())

	require.NoError(t, loop.Do(func() { m.Open("t2") }))
	waitState(t, m, Connected)
	assert.Equal(t, 2, d.Count())
	assert.NotSame(t, first, d.Last())
	assert.Equal(t, 2, d.Last().HandlerCount())
}

func TestManager_DropsEventsQueuedBeforeClose(t *testing.T) {
	d := &fakeDialer{}
	m, loop, reg := newTestManager(t, d)

	calls := 0
	m.On(protocol.EventLoadChat, func(protocol.Event) { calls++ })

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	waitState(t, m, Connected)
	sock := d.Last()

	require.NoError(t, loop.Do(func() {
		sock.Push(protocol.EventLoadChat, protocol.Chat{ConversationID: "c1"})
		m.Close()
	}))
	require.NoError(t, loop.Do(func() {}))

	assert.Equal(t, 0, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.StaleContinuations.WithLabelValues(metrics.StaleEvent)))
}

func TestManager_ConnectAfterCloseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDialer{prepare: func(s *fakeSocket) { s.release = release }}
	m, loop, reg := newTestManager(t, d)

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	assert.Equal(t, Connecting, m.State())
	require.NoError(t, loop.Do(m.Close))

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.StaleContinuations.WithLabelValues(metrics.StaleConnect)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, d.Last().Disconnected())
}

func TestManager_ConnectFailure(t *testing.T) {
	d := &fakeDialer{prepare: func(s *fakeSocket) { s.err = errors.New("refused") }}
	m, loop, reg := newTestManager(t, d)

	states := make(chan State, 4)
	m.OnStateChange = func(s State) { states <- s }

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	assert.Equal(t, Connecting, <-states)
	assert.Equal(t, Disconnected, <-states)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TransportErrors))
}

func TestManager_Emit(t *testing.T) {
	d := &fakeDialer{}
	m, loop, _ := newTestManager(t, d)

	err := m.Emit(protocol.EventLoadChatRequest, protocol.LoadChatRequest{ConversationID: "c1"})
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	waitState(t, m, Connected)

	require.NoError(t, m.Emit(protocol.EventLoadChatRequest, protocol.LoadChatRequest{ConversationID: "c1"}))
	sock := d.Last()
	sock.mu.Lock()
	defer sock.mu.Unlock()
	require.Len(t, sock.emitted, 1)
	assert.Equal(t, protocol.EventLoadChatRequest, sock.emitted[0].Name)
}

func TestManager_DropKeepsNoSocket(t *testing.T) {
	d := &fakeDialer{}
	m, loop, reg := newTestManager(t, d)

	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	waitState(t, m, Connected)

	d.Last().onDrop(errors.New("reset by peer"))
	waitState(t, m, Disconnected)
	require.NoError(t, loop.Do(func() {}))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TransportErrors))
	assert.True(t, d.Last().Disconnected())
	assert.Equal(t, 1, d.Count(), "no reconnect is attempted")
}

func TestManager_Unsubscribe(t *testing.T) {
	d := &fakeDialer{}
	m, loop, _ := newTestManager(t, d)

	unsubscribe := m.On(protocol.EventLoadChat, func(protocol.Event) {})
	require.NoError(t, loop.Do(func() { m.Open("t1") }))
	waitState(t, m, Connected)
	assert.Equal(t, 1, d.Last().HandlerCount())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, d.Last().HandlerCount())

	require.NoError(t, loop.Do(func() { m.Open("t2") }))
	waitState(t, m, Connected)
	assert.Equal(t, 0, d.Last().HandlerCount())
}
