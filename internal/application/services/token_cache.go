package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
	"github.com/zatekoja/clinicflow/internal/infrastructure/observability"
	"github.com/zatekoja/clinicflow/pkg/config"
	"golang.org/x/sync/singleflight"
)

const tokenFlightKey = "insurer-token"

// TokenFetcher obtains a new insurer token
type TokenFetcher interface {
	FetchToken(ctx context.Context) (*entities.Token, error)
}

// TokenCache holds the process-wide insurer token. Concurrent callers that
// find no valid token share a single fetch.
type TokenCache struct {
	fetcher      TokenFetcher
	store        providers.TokenStore
	skew         time.Duration
	fetchTimeout time.Duration
	metrics      *observability.Metrics
	now          func() time.Time

	mu    sync.RWMutex
	token *entities.Token
	group singleflight.Group
}

// NewTokenCache creates a token cache. store may be nil.
func NewTokenCache(fetcher TokenFetcher, store providers.TokenStore, cfg config.InsurerConfig, metrics *observability.Metrics) *TokenCache {
	fetchTimeout := cfg.TokenFetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &TokenCache{
		fetcher:      fetcher,
		store:        store,
		skew:         cfg.TokenExpirySkew,
		fetchTimeout: fetchTimeout,
		metrics:      metrics,
		now:          time.Now,
	}
}

// GetToken returns a valid token, fetching one if needed. A caller whose
// ctx ends stops waiting; the shared fetch carries on for the others.
func (c *TokenCache) GetToken(ctx context.Context) (*entities.Token, error) {
	if token := c.cached(); token != nil {
		return token, nil
	}

	// the fetch keeps the first caller's values (trace ids) but not its
	// cancellation
	fetchCtx := context.WithoutCancel(ctx)
	result := c.group.DoChan(tokenFlightKey, func() (interface{}, error) {
		return c.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entities.Token), nil
	}
}

// Invalidate drops the cached token if it is still token. A token that was
// already replaced by a newer fetch is left alone.
func (c *TokenCache) Invalidate(ctx context.Context, token *entities.Token) {
	if token == nil {
		return
	}

	c.mu.Lock()
	removed := c.token != nil && c.token.AccessToken == token.AccessToken
	if removed {
		c.token = nil
	}
	c.mu.Unlock()

	if !removed || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Msg("failed to delete invalidated insurer token from store")
	}
}

func (c *TokenCache) cached() *entities.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.ValidAt(c.now(), c.skew) {
		return c.token
	}
	return nil
}

func (c *TokenCache) refresh(parent context.Context) (*entities.Token, error) {
	if token := c.cached(); token != nil {
		return token, nil
	}

	ctx, cancel := context.WithTimeout(parent, c.fetchTimeout)
	defer cancel()
	logger := observability.LoggerFromContext(ctx)

	if token := c.loadStored(ctx); token != nil {
		c.set(token)
		return token, nil
	}

	token, err := c.fetcher.FetchToken(ctx)
	observability.RecordTokenFetch(ctx, c.metrics, err == nil)
	if err == nil && token == nil {
		err = errors.New("token endpoint returned no token")
	}
	if err != nil {
		c.set(nil)
		logger.Error().Err(err).Msg("insurer token fetch failed")
		return nil, err
	}

	c.set(token)
	logger.Debug().Time("expires_at", token.ExpiresAt).Msg("insurer token refreshed")

	if c.store != nil {
		if err := c.store.Save(ctx, token); err != nil {
			logger.Warn().Err(err).Msg("failed to persist insurer token")
		}
	}

	return token, nil
}

// loadStored returns a still-valid token from the backing store. Expired
// entries are evicted; store errors are logged and treated as a miss.
func (c *TokenCache) loadStored(ctx context.Context) *entities.Token {
	if c.store == nil {
		return nil
	}

	logger := observability.LoggerFromContext(ctx)
	token, err := c.store.Load(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load insurer token from store")
		return nil
	}
	if token == nil {
		return nil
	}
	if token.ValidAt(c.now(), c.skew) {
		return token
	}

	if err := c.store.Delete(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to evict expired insurer token")
	}
	return nil
}

func (c *TokenCache) set(token *entities.Token) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}
