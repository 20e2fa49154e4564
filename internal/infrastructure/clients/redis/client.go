package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zatekoja/clinicflow/pkg/config"
)

// token reads are on the verification path
const (
	dialTimeout = 5 * time.Second
	ioTimeout   = 2 * time.Second
)

// Client wraps the Redis connection shared by the token store and visit board
type Client struct {
	client *redis.Client
}

// NewClient connects and pings once; callers treat an error as "run without Redis"
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.RedisAddr(), err)
	}

	return &Client{client: client}, nil
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping backs the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
