package storage

import (
	"path/filepath"
	"testing"

	"github.com/omochice/magichat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	mem, err := OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Storage{
		"memory": NewMemory(),
		"pebble": mem,
	}
}

func TestStorage_SaveLoadClear(t *testing.T) {
	user := protocol.User{ID: "u1", Name: "A", Email: "a@b.com"}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			u, token, err := s.Load()
			require.NoError(t, err)
			assert.Empty(t, u.ID)
			assert.Empty(t, token)

			require.NoError(t, s.Save(user, "t1"))

			u, token, err = s.Load()
			require.NoError(t, err)
			assert.Equal(t, user, u)
			assert.Equal(t, "t1", token)

			require.NoError(t, s.Clear())
			require.NoError(t, s.Clear())

			u, token, err = s.Load()
			require.NoError(t, err)
			assert.Equal(t, protocol.User{}, u)
			assert.Empty(t, token)
		})
	}
}

func TestPebble_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session")

	p, err := OpenPebble(path)
	require.NoError(t, err)
	require.NoError(t, p.Save(protocol.User{ID: "u1", Name: "A"}, "t1"))
	require.NoError(t, p.Close())

	p, err = OpenPebble(path)
	require.NoError(t, err)
	defer p.Close()

	u, token, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "t1", token)
}
