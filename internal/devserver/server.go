package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/magichat/pkg/protocol"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  protocol.User `json:"user"`
	Token string        `json:"token"`
}

type createConversationRequest struct {
	ToUserEmail string `json:"toUserEmail"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Server serves POST /login, POST /conversations and the /ws endpoint.
type Server struct {
	store  *Store
	hub    *Hub
	logger *zap.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Server backed by store.
func New(store *Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		hub:    NewHub(logger.Named("hub")),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on address and serves until Stop is called.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.mux}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("dev server started", zap.String("addr", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down, closes every websocket and waits for
// their goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.hub.CloseAll()
	s.wg.Wait()
	return err
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := s.store.Login(req.Email, req.Password)
	if err != nil {
		s.logger.Info("login rejected", zap.String("email", req.Email))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.logger.Info("login", zap.String("user", user.ID))
	writeJSON(w, http.StatusOK, loginResponse{User: user, Token: token})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createConversationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, members, created, err := s.store.StartConversation(user.ID, req.ToUserEmail)
	switch {
	case errors.Is(err, ErrUnknownUser):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if created {
		s.logger.Info("conversation created", zap.String("conversation", summary.ID))
		for _, id := range members {
			s.pushConversations(id)
		}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	p := &peer{
		conn:     conn,
		userID:   user.ID,
		outgoing: make(chan []byte, 32),
	}
	s.hub.Register(p)

	greeting, err := protocol.NewEvent(protocol.EventLoadConversations, s.store.Conversations(user.ID))
	if err == nil {
		if data, err := greeting.Encode(); err == nil {
			p.outgoing <- data
		}
	}

	s.wg.Add(2)
	go s.writeLoop(p)
	go s.readLoop(p)
	s.logger.Debug("socket opened", zap.String("user", user.ID), zap.String("remote", r.RemoteAddr))
}

func (s *Server) readLoop(p *peer) {
	defer s.wg.Done()
	defer s.hub.Unregister(p)
	defer p.conn.Close()

	rw := struct {
		io.Reader
		io.Writer
	}{p.conn, p}
	for {
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			s.logger.Debug("socket closed", zap.String("user", p.userID), zap.Error(err))
			return
		}
		if op != ws.OpBinary {
			continue
		}

		var ev protocol.Event
		if err := ev.Decode(data); err != nil {
			s.logger.Warn("undecodable frame", zap.String("user", p.userID), zap.Error(err))
			continue
		}
		s.dispatch(p, ev)
	}
}

func (s *Server) writeLoop(p *peer) {
	defer s.wg.Done()
	for data := range p.outgoing {
		frame, err := ws.CompileFrame(ws.NewBinaryFrame(data))
		if err == nil {
			_, err = p.Write(frame)
		}
		if err != nil {
			s.logger.Debug("write failed", zap.String("user", p.userID), zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(p *peer, ev protocol.Event) {
	switch ev.Name {
	case protocol.EventLoadChatRequest:
		var req protocol.LoadChatRequest
		if err := ev.Unmarshal(&req); err != nil {
			s.logger.Warn("bad load-chat-request", zap.Error(err))
			return
		}
		chat, err := s.store.Chat(p.userID, req.ConversationID)
		if err != nil {
			s.logger.Warn("load-chat-request rejected",
				zap.String("conversation", req.ConversationID), zap.Error(err))
			return
		}
		s.sendTo(p, protocol.EventLoadChat, chat)

	case protocol.EventSendMessage:
		var req protocol.SendMessageRequest
		if err := ev.Unmarshal(&req); err != nil {
			s.logger.Warn("bad send-message", zap.Error(err))
			return
		}
		members, err := s.store.Append(p.userID, req.ConversationID, req.Text)
		if err != nil {
			s.logger.Warn("send-message rejected",
				zap.String("conversation", req.ConversationID), zap.Error(err))
			return
		}
		for _, id := range members {
			s.pushConversations(id)
			chat, err := s.store.Chat(id, req.ConversationID)
			if err != nil {
				continue
			}
			s.push(id, protocol.EventLoadChat, chat)
		}

	default:
		s.logger.Debug("ignoring event", zap.String("event", ev.Name))
	}
}

func (s *Server) pushConversations(userID string) {
	s.push(userID, protocol.EventLoadConversations, s.store.Conversations(userID))
}

func (s *Server) push(userID, name string, payload any) {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		s.logger.Error("failed to build event", zap.String("event", name), zap.Error(err))
		return
	}
	s.hub.Send(userID, ev)
}

func (s *Server) sendTo(p *peer, name string, payload any) {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		s.logger.Error("failed to build event", zap.String("event", name), zap.Error(err))
		return
	}
	s.hub.SendPeer(p, ev)
}

func (s *Server) authenticate(r *http.Request) (protocol.User, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return protocol.User{}, false
	}
	return s.store.Authenticate(token)
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}
