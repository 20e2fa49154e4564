package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
)

// TokenStore keeps the insurer token in the shared cache so a restarted
// process can reuse it instead of hitting the token endpoint
type TokenStore struct {
	cache providers.CacheProvider
	key   string
	now   func() time.Time
}

var _ providers.TokenStore = (*TokenStore)(nil)

// NewTokenStore creates a token store under key
func NewTokenStore(cache providers.CacheProvider, key string) *TokenStore {
	return &TokenStore{cache: cache, key: key, now: time.Now}
}

// Load returns the stored token, or nil when none is stored
func (s *TokenStore) Load(ctx context.Context) (*entities.Token, error) {
	data, err := s.cache.Get(ctx, s.key)
	if errors.Is(err, providers.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var token entities.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode stored token: %w", err)
	}
	return &token, nil
}

// Save stores the token until its expiry
func (s *TokenStore) Save(ctx context.Context, token *entities.Token) error {
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return s.cache.Set(ctx, s.key, data, ttl)
}

// Delete removes the stored token
func (s *TokenStore) Delete(ctx context.Context) error {
	return s.cache.Delete(ctx, s.key)
}
