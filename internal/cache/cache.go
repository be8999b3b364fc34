// Package cache memoizes model replies keyed by the fingerprint of
// (prompt template, schema description, user query). It is an optimization
// only and never a source of session state.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tablechat/internal/fingerprint"
	"github.com/suPer8Hu/tablechat/internal/store/redisstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const DefaultTTL = 24 * time.Hour

type entry struct {
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type Options struct {
	TTL      time.Duration
	Location *time.Location
	Now      func() time.Time
}

type Cache struct {
	rds     *redisstore.Store
	ttl     time.Duration
	loc     *time.Location
	now     func() time.Time
	lookups metric.Int64Counter
}

func New(rds *redisstore.Store, opts Options) *Cache {
	c := &Cache{rds: rds, ttl: opts.TTL, loc: opts.Location, now: opts.Now}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	counter, err := otel.Meter("github.com/suPer8Hu/tablechat/internal/cache").
		Int64Counter("tablechat.cache.lookup", metric.WithDescription("response cache lookups"))
	if err != nil {
		counter = noop.Int64Counter{}
	}
	c.lookups = counter
	return c
}

func (c *Cache) key(promptTemplate, schemaDescription, userQuery string) string {
	return c.rds.Key("llmcache", fingerprint.CacheKey(promptTemplate, schemaDescription, userQuery))
}

// Get decodes a live entry into out and reports whether one was found.
// Entries older than their TTL are treated as absent even if Redis has not
// evicted them yet.
func (c *Cache) Get(ctx context.Context, promptTemplate, schemaDescription, userQuery string, out any) (bool, error) {
	hit, err := c.get(ctx, promptTemplate, schemaDescription, userQuery, out)
	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
	return hit, err
}

func (c *Cache) get(ctx context.Context, promptTemplate, schemaDescription, userQuery string, out any) (bool, error) {
	raw, err := c.rds.Client.Get(ctx, c.key(promptTemplate, schemaDescription, userQuery)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cache: get: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false, fmt.Errorf("cache: decode entry: %w", err)
	}
	if !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return false, fmt.Errorf("cache: decode payload: %w", err)
	}
	return true, nil
}

// Set stores payload under the three key fields, replacing any previous
// entry. ttl <= 0 uses the cache default. A JSON object payload without a
// created_at field gets one stamped in.
func (c *Cache) Set(ctx context.Context, promptTemplate, schemaDescription, userQuery string, payload any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now().In(c.loc)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: encode payload: %w", err)
	}
	body, err = stampCreatedAt(body, now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry{Payload: body, CreatedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := c.rds.Client.Set(ctx, c.key(promptTemplate, schemaDescription, userQuery), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

func stampCreatedAt(body []byte, now time.Time) ([]byte, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return body, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("cache: inspect payload: %w", err)
	}
	if _, ok := obj["created_at"]; ok {
		return body, nil
	}
	ts, err := json.Marshal(now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	obj["created_at"] = ts
	return json.Marshal(obj)
}
