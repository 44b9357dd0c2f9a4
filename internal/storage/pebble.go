package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/omochice/magichat/pkg/protocol"
)

var (
	keyUser  = []byte("session:user")
	keyToken = []byte("session:token")
)

// Pebble stores the session in a pebble database.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the database at path.
func OpenPebble(path string) (*Pebble, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &Pebble{db: db}, nil
}

// OpenPebbleInMemory opens a database backed by an in-memory filesystem.
func OpenPebbleInMemory() (*Pebble, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Save writes user and token in one synced batch.
func (p *Pebble) Save(user protocol.User, token string) error {
	data, err := sonic.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyUser, data, nil); err != nil {
		return err
	}
	if err := b.Set(keyToken, []byte(token), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (p *Pebble) Load() (protocol.User, string, error) {
	var user protocol.User

	raw, err := p.get(keyUser)
	if err != nil {
		return protocol.User{}, "", err
	}
	if raw != nil {
		if err := sonic.Unmarshal(raw, &user); err != nil {
			return protocol.User{}, "", fmt.Errorf("failed to decode user: %w", err)
		}
	}

	token, err := p.get(keyToken)
	if err != nil {
		return protocol.User{}, "", err
	}
	return user, string(token), nil
}

// Clear removes every session key.
func (p *Pebble) Clear() error {
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Delete(keyUser, nil); err != nil {
		return err
	}
	if err := b.Delete(keyToken, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// get returns a copy of the value, or nil when the key is absent.
func (p *Pebble) get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}
