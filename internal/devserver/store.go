// Package devserver is an in-memory chat backend speaking the same HTTP and
// websocket protocol as the production API. It backs the server command and
// the end-to-end tests of the client.
package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/magichat/pkg/protocol"
)

var (
	ErrBadCredentials = errors.New("invalid email or password")
	ErrUnknownUser    = errors.New("user not found")
	ErrSelfChat       = errors.New("cannot start a conversation with yourself")
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrEmptyMessage   = errors.New("message text is empty")
)

type account struct {
	user     protocol.User
	password string
}

type conversation struct {
	id       string
	members  [2]string
	messages []protocol.Message
	updated  int64 // monotonic activity counter, newest first
}

func (c *conversation) has(userID string) bool {
	return c.members[0] == userID || c.members[1] == userID
}

func (c *conversation) other(userID string) string {
	if c.members[0] == userID {
		return c.members[1]
	}
	return c.members[0]
}

// Store holds users, tokens and conversations.
type Store struct {
	mu            sync.RWMutex
	accounts      map[string]*account // by lower-cased email
	users         map[string]*account // by id
	tokens        map[string]string   // token -> user id
	conversations map[string]*conversation
	activity      int64
	now           func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		accounts:      make(map[string]*account),
		users:         make(map[string]*account),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		now:           time.Now,
	}
}

// AddUser registers a user and returns it.
func (s *Store) AddUser(name, email, password string) protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := protocol.User{ID: uuid.NewString(), Name: name, Email: email}
	a := &account{user: u, password: password}
	s.accounts[strings.ToLower(email)] = a
	s.users[u.ID] = a
	return u
}

// Login checks credentials and issues a new token.
func (s *Store) Login(email, password string) (protocol.User, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[strings.ToLower(email)]
	if !ok || a.password != password {
		return protocol.User{}, "", ErrBadCredentials
	}
	token := uuid.NewString()
	s.tokens[token] = a.user.ID
	return a.user, token, nil
}

// Authenticate resolves a token.
func (s *Store) Authenticate(token string) (protocol.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return protocol.User{}, false
	}
	return s.users[id].user, true
}

// StartConversation returns the conversation between from and the owner of
// email, creating it when needed. created reports whether it is new.
func (s *Store) StartConversation(from, email string) (summary protocol.ConversationSummary, members [2]string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return summary, members, false, ErrUnknownUser
	}
	if to.user.ID == from {
		return summary, members, false, ErrSelfChat
	}

	for _, c := range s.conversations {
		if c.has(from) && c.has(to.user.ID) {
			return s.summaryLocked(c, from), c.members, false, nil
		}
	}

	s.activity++
	c := &conversation{
		id:      uuid.NewString(),
		members: [2]string{from, to.user.ID},
		updated: s.activity,
	}
	s.conversations[c.id] = c
	return s.summaryLocked(c, from), c.members, true, nil
}

// Conversations lists the conversations of userID, most recent first.
func (s *Store) Conversations(userID string) []protocol.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mine []*conversation
	for _, c := range s.conversations {
		if c.has(userID) {
			mine = append(mine, c)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].updated > mine[j].updated })

	out := make([]protocol.ConversationSummary, 0, len(mine))
	for _, c := range mine {
		out = append(out, s.summaryLocked(c, userID))
	}
	return out
}

// Chat returns the history of a conversation userID takes part in.
func (s *Store) Chat(userID, conversationID string) (protocol.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok || !c.has(userID) {
		return protocol.Chat{}, ErrNotParticipant
	}
	return protocol.Chat{
		ConversationID: c.id,
		Messages:       append([]protocol.Message(nil), c.messages...),
	}, nil
}

// Append stores a message and returns the conversation members.
func (s *Store) Append(userID, conversationID, text string) ([2]string, error) {
	if strings.TrimSpace(text) == "" {
		return [2]string{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok || !c.has(userID) {
		return [2]string{}, ErrNotParticipant
	}
	c.messages = append(c.messages, protocol.Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    userID,
		CreatedAt: s.now().UnixMilli(),
	})
	s.activity++
	c.updated = s.activity
	return c.members, nil
}

func (s *Store) summaryLocked(c *conversation, viewer string) protocol.ConversationSummary {
	summary := protocol.ConversationSummary{ID: c.id}
	if a, ok := s.users[c.other(viewer)]; ok {
		summary.User = a.user
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		summary.LastMessage = &last
	}
	return summary
}
