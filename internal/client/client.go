// Package client coordinates sign-in, sign-out and session restoration with
// the live connection and the local caches.
//
// All state lives on one event loop. Public methods post work there and wait
// for it, so they may be called from any goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/omochice/magichat/internal/api"
	"github.com/omochice/magichat/internal/cache"
	"github.com/omochice/magichat/internal/connection"
	"github.com/omochice/magichat/internal/eventloop"
	"github.com/omochice/magichat/internal/metrics"
	"github.com/omochice/magichat/internal/session"
	"github.com/omochice/magichat/internal/storage"
	"github.com/omochice/magichat/pkg/protocol"
	"go.uber.org/zap"
)

// Routes passed to the Navigator.
const (
	RouteHome  = "/home"
	RouteLogin = "/login"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client closed")
	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrStaleContinuation marks an async result that arrived after the
	// session it belonged to was replaced. It is logged, never returned.
	ErrStaleContinuation = errors.New("stale continuation")
	// ErrInvalidEmail is returned by CreateConversation for a malformed address.
	ErrInvalidEmail = errors.New("invalid email address")
)

// AuthenticationError reports a failed sign-in. Status is zero when no
// response was received, in which case Err holds the transport failure.
type AuthenticationError struct {
	Status  int
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Navigator moves the UI between views. It is called on the event loop and
// must not call back into the Client.
type Navigator interface {
	NavigateTo(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

func (f NavigatorFunc) NavigateTo(route string) { f(route) }

// AuthAPI is the HTTP collaborator. *api.Client satisfies it.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (api.Result[api.LoginResponse], error)
	CreateConversation(ctx context.Context, email string) (api.Result[protocol.ConversationSummary], error)
	SetDefaultAuthorization(token string)
}

// Options wires a Client. API, Storage and Dialer are required.
type Options struct {
	API         AuthAPI
	Storage     storage.Storage
	Dialer      connection.Dialer
	Navigator   Navigator
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	DialTimeout time.Duration
}

// View is a consistent snapshot of the client state. Slices are shared
// between readers and must not be modified.
type View struct {
	Session       session.Session
	SigningIn     bool
	Connection    connection.State
	Conversations []protocol.ConversationSummary
	Chats         []protocol.Chat
	Selected      string
	SelectedChat  *protocol.Chat
}

// Client is the session orchestrator. It is the only writer of the session
// and the only component that opens or closes the connection.
type Client struct {
	api     AuthAPI
	storage storage.Storage
	nav     Navigator
	logger  *zap.Logger
	metrics *metrics.Metrics

	loop     *eventloop.Loop
	sessions *session.Store
	conn     *connection.Manager
	sync     *cache.Sync

	// loop-confined
	signingIn int
	inTask    bool

	restoreOnce sync.Once
	closeOnce   sync.Once
	unsubscribe []func()

	mu      sync.RWMutex
	view    View
	changes chan struct{}
}

// New creates a Client and starts its event loop.
func New(opts Options) (*Client, error) {
	if opts.API == nil || opts.Storage == nil || opts.Dialer == nil {
		return nil, errors.New("client: API, Storage and Dialer are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Navigator == nil {
		opts.Navigator = NavigatorFunc(func(string) {})
	}

	loop := eventloop.New(opts.Logger.Named("loop"))
	conn := connection.NewManager(opts.Dialer, loop, opts.Logger, opts.Metrics, opts.DialTimeout)

	c := &Client{
		api:      opts.API,
		storage:  opts.Storage,
		nav:      opts.Navigator,
		logger:   opts.Logger.Named("client"),
		metrics:  opts.Metrics,
		loop:     loop,
		sessions: session.NewStore(),
		conn:     conn,
		sync:     cache.NewSync(conn),
		changes:  make(chan struct{}, 1),
	}

	conn.OnStateChange = func(connection.State) {
		if !c.inTask {
			c.publish()
		}
	}
	c.unsubscribe = append(c.unsubscribe,
		conn.On(protocol.EventLoadConversations, c.handle(c.sync.HandleLoadConversations)),
		conn.On(protocol.EventLoadChat, c.handle(c.sync.HandleLoadChat)),
	)
	c.publish()
	return c, nil
}

// Metrics returns the counters the client updates.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// SignIn authenticates against the API. On success the session is persisted,
// the API authorization is configured, the connection is opened and the UI is
// sent home. On failure an *AuthenticationError is returned and nothing
// changes. A result that arrives after a sign-out or a newer sign-in is
// discarded and SignIn returns the signed-out session with no error.
func (c *Client) SignIn(ctx context.Context, email, password string) (session.Session, error) {
	var epoch uint64
	if err := c.run(func() {
		epoch = c.sessions.Epoch()
		c.signingIn++
	}); err != nil {
		return session.Session{}, err
	}

	res, loginErr := c.api.Login(ctx, email, password)

	var (
		sess session.Session
		err  error
	)
	if runErr := c.run(func() {
		c.signingIn--
		sess, err = c.completeSignIn(epoch, res, loginErr)
	}); runErr != nil {
		return session.Session{}, runErr
	}
	return sess, err
}

func (c *Client) completeSignIn(epoch uint64, res api.Result[api.LoginResponse], err error) (session.Session, error) {
	if err != nil {
		c.metrics.SignIns.WithLabelValues("failure").Inc()
		return session.Session{}, &AuthenticationError{Err: err}
	}
	if !res.OK() {
		c.metrics.SignIns.WithLabelValues("failure").Inc()
		authErr := &AuthenticationError{Status: res.Status}
		if res.Error != nil {
			authErr.Message = res.Error.Message
			authErr.Err = res.Error
		}
		return session.Session{}, authErr
	}
	if c.sessions.Epoch() != epoch {
		c.metrics.SignIns.WithLabelValues("stale").Inc()
		c.metrics.StaleContinuations.WithLabelValues(metrics.StaleSignIn).Inc()
		c.logger.Info("discarding sign-in result", zap.Error(ErrStaleContinuation))
		return session.Session{}, nil
	}

	sess, err := session.New(res.Data.User, res.Data.Token)
	if err != nil {
		c.metrics.SignIns.WithLabelValues("failure").Inc()
		return session.Session{}, &AuthenticationError{Status: res.Status, Message: "incomplete login response", Err: err}
	}
	if err := c.storage.Save(sess.User, sess.Token); err != nil {
		c.metrics.SignIns.WithLabelValues("failure").Inc()
		return session.Session{}, fmt.Errorf("persist session: %w", err)
	}

	if c.sessions.Current().Signed {
		c.conn.Close()
		c.sync.Reset()
	}
	c.activate(sess)
	c.metrics.SignIns.WithLabelValues("success").Inc()
	c.logger.Info("signed in", zap.String("user", sess.User.ID))
	return sess, nil
}

// activate makes sess live: authorization first, then the session, then the
// connection, then navigation.
func (c *Client) activate(sess session.Session) {
	c.api.SetDefaultAuthorization(sess.Token)
	c.sessions.Set(sess)
	c.conn.Open(sess.Token)
	c.nav.NavigateTo(RouteHome)
}

// SignOut closes the connection, clears persisted and in-memory state and
// sends the UI to the login view if a session existed. Calling it again is
// a no-op apart from re-clearing storage.
func (c *Client) SignOut() {
	_ = c.run(func() {
		had := c.sessions.Reset()
		c.conn.Close()
		if err := c.storage.Clear(); err != nil {
			c.logger.Error("failed to clear stored session", zap.Error(err))
		}
		c.api.SetDefaultAuthorization("")
		c.sync.Reset()
		if had {
			c.logger.Info("signed out")
			c.nav.NavigateTo(RouteLogin)
		}
	})
}

// RestoreSession signs in from storage. Only the first call in the life of
// the Client does anything.
func (c *Client) RestoreSession() error {
	var err error
	c.restoreOnce.Do(func() {
		if runErr := c.run(func() { err = c.restore() }); runErr != nil {
			err = runErr
		}
	})
	return err
}

func (c *Client) restore() error {
	if c.sessions.Current().Signed {
		return nil
	}
	user, token, err := c.storage.Load()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	sess, err := session.New(user, token)
	if err != nil {
		c.logger.Debug("no stored session")
		return nil
	}
	c.activate(sess)
	c.logger.Info("session restored", zap.String("user", sess.User.ID))
	return nil
}

// SelectConversation selects id and requests its history unless it is
// already loaded or on its way. A failed request returns the transport
// error and leaves the conversation requestable again.
func (c *Client) SelectConversation(id string) error {
	var err error
	if runErr := c.run(func() {
		var emitted bool
		emitted, err = c.sync.RequestSelection(id)
		if emitted {
			c.logger.Debug("requested chat", zap.String("conversation", id))
		}
	}); runErr != nil {
		return runErr
	}
	return err
}

// SendMessage posts text to a conversation. The server answers with a fresh
// load-chat for it.
func (c *Client) SendMessage(conversationID, text string) error {
	var err error
	if runErr := c.run(func() {
		if !c.sessions.Current().Signed {
			err = ErrNotSignedIn
			return
		}
		if _, ok := c.sync.Conversation(conversationID); !ok {
			err = fmt.Errorf("send to %q: %w", conversationID, cache.ErrUnknownConversation)
			return
		}
		err = c.conn.Emit(protocol.EventSendMessage, protocol.SendMessageRequest{
			ConversationID: conversationID,
			Text:           text,
		})
	}); runErr != nil {
		return runErr
	}
	return err
}

// CreateConversation asks the server to open a conversation with the user
// owning email. The conversation list itself only changes when the server
// pushes it.
func (c *Client) CreateConversation(ctx context.Context, email string) (protocol.ConversationSummary, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return protocol.ConversationSummary{}, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	if !c.sessions.Current().Signed {
		return protocol.ConversationSummary{}, ErrNotSignedIn
	}

	res, err := c.api.CreateConversation(ctx, addr.Address)
	if err != nil {
		return protocol.ConversationSummary{}, fmt.Errorf("create conversation: %w", err)
	}
	if !res.OK() {
		if res.Error == nil {
			return protocol.ConversationSummary{}, fmt.Errorf("create conversation: unexpected status %d", res.Status)
		}
		return protocol.ConversationSummary{}, fmt.Errorf("create conversation (%d): %w", res.Status, res.Error)
	}
	return res.Data, nil
}

// View returns the latest snapshot.
func (c *Client) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Changes signals after the snapshot changes. Signals are coalesced: a
// receiver should re-read View rather than count them. The channel is closed
// by Close.
func (c *Client) Changes() <-chan struct{} {
	return c.changes
}

// Close disconnects and stops the event loop. The stored session is kept so
// the next process can restore it.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.loop.Do(func() {
			for _, unsubscribe := range c.unsubscribe {
				unsubscribe()
			}
			c.conn.Close()
		})
		c.loop.Stop()
		close(c.changes)
	})
}

// run executes fn on the loop and publishes a snapshot once it returns.
func (c *Client) run(fn func()) error {
	err := c.loop.Do(func() {
		c.inTask = true
		defer func() {
			c.inTask = false
			c.publish()
		}()
		fn()
	})
	if errors.Is(err, eventloop.ErrStopped) {
		return ErrClosed
	}
	return err
}

// handle adapts a cache handler to an inbound event subscription.
func (c *Client) handle(apply func(protocol.Event) error) connection.Handler {
	return func(ev protocol.Event) {
		if err := apply(ev); err != nil {
			c.metrics.EventsDropped.WithLabelValues(ev.Name).Inc()
			c.logger.Warn("dropping inbound event", zap.String("event", ev.Name), zap.Error(err))
			return
		}
		c.metrics.EventsReceived.WithLabelValues(ev.Name).Inc()
		c.publish()
	}
}

// publish runs on the loop.
func (c *Client) publish() {
	v := View{
		Session:       c.sessions.Current(),
		SigningIn:     c.signingIn > 0,
		Connection:    c.conn.State(),
		Conversations: c.sync.Conversations(),
		Chats:         c.sync.Chats(),
		Selected:      c.sync.SelectedID(),
		SelectedChat:  c.sync.SelectedChat(),
	}

	c.mu.Lock()
	c.view = v
	c.mu.Unlock()

	select {
	case c.changes <- struct{}{}:
	default:
	}
}
