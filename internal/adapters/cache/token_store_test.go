package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
)

type memoryCache struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.values[key]
	if !ok {
		return nil, providers.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("load on empty store returns nil", func(t *testing.T) {
		store := NewTokenStore(newMemoryCache(), "insurer:token")

		token, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, token)
	})

	t.Run("save then load round trips with ttl until expiry", func(t *testing.T) {
		mem := newMemoryCache()
		store := NewTokenStore(mem, "insurer:token")
		store.now = func() time.Time { return now }

		saved := &entities.Token{AccessToken: "abc", TokenType: "bearer", ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, store.Save(ctx, saved))
		assert.Equal(t, time.Hour, mem.ttls["insurer:token"])

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "abc", loaded.AccessToken)
		assert.True(t, saved.ExpiresAt.Equal(loaded.ExpiresAt))
	})

	t.Run("expired token is not saved", func(t *testing.T) {
		mem := newMemoryCache()
		store := NewTokenStore(mem, "insurer:token")
		store.now = func() time.Time { return now }

		require.NoError(t, store.Save(ctx, &entities.Token{AccessToken: "old", ExpiresAt: now.Add(-time.Second)}))
		assert.Empty(t, mem.values)
	})

	t.Run("backend errors are returned", func(t *testing.T) {
		mem := newMemoryCache()
		mem.getErr = errors.New("connection refused")
		store := NewTokenStore(mem, "insurer:token")

		_, err := store.Load(ctx)
		assert.Error(t, err)
	})

	t.Run("delete removes the token", func(t *testing.T) {
		mem := newMemoryCache()
		store := NewTokenStore(mem, "insurer:token")
		store.now = func() time.Time { return now }

		require.NoError(t, store.Save(ctx, &entities.Token{AccessToken: "abc", ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, store.Delete(ctx))

		token, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, token)
	})
}
