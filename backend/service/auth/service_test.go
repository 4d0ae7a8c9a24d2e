package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/store"
)

type memoryKeys struct {
	mu      sync.Mutex
	items   []store.APIKey
	touched map[int64]int
	listErr error
}

func (m *memoryKeys) CreateAPIKey(_ context.Context, name string, keyHash string, description string) (*store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := store.APIKey{ID: int64(len(m.items) + 1), Name: name, KeyHash: keyHash, Description: description}
	m.items = append(m.items, key)
	return &key, nil
}

func (m *memoryKeys) ListAPIKeys(context.Context) ([]store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.APIKey(nil), m.items...), m.listErr
}

func (m *memoryKeys) TouchAPIKey(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touched == nil {
		m.touched = make(map[int64]int)
	}
	m.touched[id]++
	return nil
}

func TestService_ConfigHash(t *testing.T) {
	hash, err := HashKey("secret-key")
	require.NoError(t, err)
	s := New(nil, func() string { return hash })
	assert.True(t, s.Enabled(context.Background()))

	name, err := s.Validate(context.Background(), "secret-key", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "config", name)

	_, err = s.Validate(context.Background(), "wrong", "1.2.3.4")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestService_StoredKeysAndLockout(t *testing.T) {
	keys := &memoryKeys{}
	s := New(keys, nil)
	assert.False(t, s.Enabled(context.Background()))

	plain, key, err := s.CreateKey(context.Background(), "ops", "console")
	require.NoError(t, err)
	assert.Equal(t, "ops", key.Name)
	assert.True(t, s.Enabled(context.Background()))

	name, err := s.Validate(context.Background(), plain, "client")
	require.NoError(t, err)
	assert.Equal(t, "ops", name)
	assert.Equal(t, 1, keys.touched[key.ID])

	for i := 0; i < maxKeyFailures; i++ {
		_, err = s.Validate(context.Background(), "nope", "attacker")
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
	_, err = s.Validate(context.Background(), plain, "attacker")
	assert.ErrorIs(t, err, ErrLockedOut)

	_, err = s.Validate(context.Background(), plain, "client")
	assert.NoError(t, err)
}

func TestService_FailsClosedOnStoreError(t *testing.T) {
	s := New(&memoryKeys{listErr: errors.New("db down")}, nil)
	assert.True(t, s.Enabled(context.Background()))
}

func TestHashKeyRejectsShortKeys(t *testing.T) {
	_, err := HashKey("short")
	assert.Error(t, err)
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, len("gbgw_")+48)
}
