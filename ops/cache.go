// Package ops exposes read-only status endpoints for dashboards, backed by a
// short-TTL redis cache in front of the store.
package ops

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Cache is a read-through JSON cache. A nil Cache disables caching, so the
// endpoints stay usable without redis.
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCache connects to redis. Cluster mode is inferred from a comma-separated
// address list.
func NewCache(redisAddrs string, ttl time.Duration) (*Cache, error) {
	addrs := strings.Split(redisAddrs, ",")

	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr: addrs[0],
		})
	}

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "connect to redis")
	}

	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// GetJSON loads key into out. Returns false on miss or decode failure.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) bool {
	if c == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// SetJSON stores v under key for the cache TTL. Best effort.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, raw, c.ttl)
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
