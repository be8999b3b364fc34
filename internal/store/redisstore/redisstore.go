// Package redisstore owns the Redis connection shared by the version log and
// the response cache. It is constructed once at startup and closed at
// shutdown.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tablechat/internal/common"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds dialing and every read/write.
	Timeout time.Duration
	// Prefix namespaces every key, e.g. "tablechat:".
	Prefix string
}

type Store struct {
	Client *redis.Client
	prefix string
}

// New connects and pings the server.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", common.ErrConfig)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", common.ErrStorage, opts.Addr, err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{Client: client, prefix: prefix}
}

// Key joins parts with ':' under the configured prefix.
func (s *Store) Key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) Close() error {
	if s.Client == nil {
		return nil
	}
	return s.Client.Close()
}
