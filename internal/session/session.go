// Package session holds the authenticated identity of the running client.
package session

import (
	"errors"
	"sync"

	"github.com/omochice/magichat/pkg/protocol"
)

// ErrIncomplete is returned when a session is built without a user id or token.
var ErrIncomplete = errors.New("session requires a user id and a token")

// Session is the current identity. The zero value is the signed-out session.
// Signed is true iff both User.ID and Token are non-empty; New is the only
// way to build a signed session.
type Session struct {
	User   protocol.User
	Token  string
	Signed bool
}

// New builds a signed session.
func New(user protocol.User, token string) (Session, error) {
	if user.ID == "" || token == "" {
		return Session{}, ErrIncomplete
	}
	return Session{User: user, Token: token, Signed: true}, nil
}

// Store holds the live session together with an epoch that changes on every
// sign-in and sign-out. Async work captures the epoch when it starts and
// compares it when it resumes; a different value means its result is stale.
type Store struct {
	mu      sync.RWMutex
	current Session
	epoch   uint64
}

// NewStore returns a store holding the signed-out session.
func NewStore() *Store {
	return &Store{}
}

// Current returns a copy of the live session.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Epoch returns the current epoch.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Set replaces the live session and advances the epoch.
func (s *Store) Set(sess Session) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sess
	s.epoch++
	return s.epoch
}

// Reset clears the session and advances the epoch. It reports whether a
// signed session was dropped.
func (s *Store) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.current.Signed
	s.current = Session{}
	s.epoch++
	return had
}
