// Package storage persists the signed-in user and token between runs.
package storage

import (
	"sync"

	"github.com/omochice/magichat/pkg/protocol"
)

// Storage is the key-value capability the session orchestrator uses.
// Load reports an absent session with a zero user and an empty token.
type Storage interface {
	Save(user protocol.User, token string) error
	Load() (protocol.User, string, error)
	Clear() error
}

// Memory keeps the session for the life of the process only.
type Memory struct {
	mu    sync.RWMutex
	user  protocol.User
	token string
}

// NewMemory returns an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(user protocol.User, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = user
	m.token = token
	return nil
}

func (m *Memory) Load() (protocol.User, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user, m.token, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = protocol.User{}
	m.token = ""
	return nil
}

var (
	_ Storage = (*Memory)(nil)
	_ Storage = (*Pebble)(nil)
)
