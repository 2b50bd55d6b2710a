package controller

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s := NewStore(path, bytes.Repeat([]byte{3}, 32))
	s.cost = bcrypt.MinCost
	require.NoError(t, s.Load())
	return s
}

func TestStore_KeyLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s := newTestStore(t, path)
	assert.False(t, s.HasKeys())

	key, secret, err := s.CreateKey("dashboard")
	require.NoError(t, err)
	assert.Empty(t, key.Hash)
	assert.Len(t, secret, len(keyPrefix)+48)
	assert.True(t, s.HasKeys())

	got, ok := s.Verify(secret)
	require.True(t, ok)
	assert.Equal(t, key.ID, got.ID)
	assert.Empty(t, got.Hash)

	_, ok = s.Verify(secret[:len(secret)-1] + "x")
	assert.False(t, ok)
	_, ok = s.Verify("Bearer " + secret)
	assert.False(t, ok)

	for _, k := range s.ListKeys() {
		assert.Empty(t, k.Hash)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "dashboard")

	reloaded := newTestStore(t, path)
	_, ok = reloaded.Verify(secret)
	assert.True(t, ok)

	require.NoError(t, reloaded.DeleteKey(key.ID))
	assert.ErrorIs(t, reloaded.DeleteKey(key.ID), ErrKeyNotFound)
	_, ok = reloaded.Verify(secret)
	assert.False(t, ok)
}

func TestStore_LoadWithWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s := newTestStore(t, path)
	_, _, err := s.CreateKey("ci")
	require.NoError(t, err)

	other := NewStore(path, bytes.Repeat([]byte{4}, 32))
	assert.Error(t, other.Load())
}
