package ws_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	transport "github.com/omochice/magichat/internal/transport/ws"
	"github.com/omochice/magichat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer accepts one websocket, optionally pushes greeting events, and
// forwards every decoded client event to received.
type testServer struct {
	*httptest.Server
	auth     chan string
	received chan protocol.Event
	conns    chan net.Conn
}

func newTestServer(t *testing.T, greeting ...protocol.Event) *testServer {
	t.Helper()
	ts := &testServer{
		auth:     make(chan string, 1),
		received: make(chan protocol.Event, 10),
		conns:    make(chan net.Conn, 1),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.auth <- r.Header.Get("Authorization")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		ts.conns <- conn
		defer conn.Close()

		for _, ev := range greeting {
			data, _ := ev.Encode()
			if err := wsutil.WriteServerBinary(conn, data); err != nil {
				return
			}
		}
		for {
			data, err := wsutil.ReadClientBinary(conn)
			if err != nil {
				return
			}
			var ev protocol.Event
			if err := ev.Decode(data); err == nil {
				ts.received <- ev
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestSocket_ReceivesEventsPushedOnConnect(t *testing.T) {
	greeting, err := protocol.NewEvent(protocol.EventLoadConversations, []protocol.ConversationSummary{{ID: "c1"}})
	require.NoError(t, err)
	ts := newTestServer(t, greeting)

	s := transport.New(ts.wsURL(), transport.WithToken("t1"))
	got := make(chan protocol.Event, 1)
	s.On(protocol.EventLoadConversations, func(ev protocol.Event) { got <- ev })

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, "Bearer t1", <-ts.auth)
	assert.True(t, s.IsConnected())

	select {
	case ev := <-got:
		var list []protocol.ConversationSummary
		require.NoError(t, ev.Unmarshal(&list))
		assert.Equal(t, "c1", list[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}

	s.Disconnect()
	assert.False(t, s.IsConnected())
}

func TestSocket_Emit(t *testing.T) {
	ts := newTestServer(t)
	s := transport.New(ts.wsURL())
	defer s.Disconnect()

	assert.ErrorIs(t, s.Emit(protocol.EventLoadChatRequest, nil), transport.ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Emit(protocol.EventLoadChatRequest, protocol.LoadChatRequest{ConversationID: "c1"}))

	select {
	case ev := <-ts.received:
		assert.Equal(t, protocol.EventLoadChatRequest, ev.Name)
		var req protocol.LoadChatRequest
		require.NoError(t, ev.Unmarshal(&req))
		assert.Equal(t, "c1", req.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive event")
	}
}

func TestSocket_OnOff(t *testing.T) {
	s := transport.New("ws://unused")

	a := s.On(protocol.EventLoadChat, func(protocol.Event) {})
	b := s.On(protocol.EventLoadChat, func(protocol.Event) {})
	s.On(protocol.EventLoadConversations, func(protocol.Event) {})
	assert.Equal(t, 3, s.HandlerCount())
	assert.NotEqual(t, a, b)

	s.Off(a)
	s.Off(a)
	s.Off("unknown")
	assert.Equal(t, 2, s.HandlerCount())

	s.Disconnect()
	assert.Equal(t, 0, s.HandlerCount())
}

func TestSocket_SingleUse(t *testing.T) {
	ts := newTestServer(t)
	s := transport.New(ts.wsURL())

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()
	s.Disconnect()

	assert.ErrorIs(t, s.Connect(context.Background()), transport.ErrClosed)
}

func TestSocket_DropHandler(t *testing.T) {
	ts := newTestServer(t)
	dropped := make(chan error, 1)
	s := transport.New(ts.wsURL(), transport.WithDropHandler(func(err error) { dropped <- err }))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	serverConn := <-ts.conns
	serverConn.Close()

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drop handler was not called")
	}
	assert.False(t, s.IsConnected())
}

func TestSocket_DisconnectDoesNotReportDrop(t *testing.T) {
	ts := newTestServer(t)
	dropped := make(chan error, 1)
	s := transport.New(ts.wsURL(), transport.WithDropHandler(func(err error) { dropped <- err }))

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()

	select {
	case err := <-dropped:
		t.Fatalf("unexpected drop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocket_ConnectFailure(t *testing.T) {
	s := transport.New("ws://127.0.0.1:1/ws")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, s.Connect(ctx))
	assert.False(t, s.IsConnected())
}
