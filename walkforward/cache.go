package walkforward

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheKey identifies the parameter for one symbol and timeframe.
type CacheKey struct {
	Symbol    string
	Timeframe string
}

func (k CacheKey) String() string {
	return "wf:param:" + k.Symbol + ":" + k.Timeframe
}

// ParamCache stores the latest selected parameter with a TTL.
type ParamCache interface {
	Get(ctx context.Context, key CacheKey) (float64, bool, error)
	Set(ctx context.Context, key CacheKey, value float64, ttl time.Duration) error
}

type paramEntry struct {
	value float64
	exp   time.Time
}

// MemoryParamCache is an in-process ParamCache.
type MemoryParamCache struct {
	mu  sync.Mutex
	m   map[CacheKey]paramEntry
	Now func() time.Time
}

func NewMemoryParamCache() *MemoryParamCache {
	return &MemoryParamCache{m: make(map[CacheKey]paramEntry), Now: time.Now}
}

func (c *MemoryParamCache) Get(_ context.Context, key CacheKey) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && c.Now().After(e.exp)) {
		return 0, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryParamCache) Set(_ context.Context, key CacheKey, value float64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := paramEntry{value: value}
	if ttl > 0 {
		e.exp = c.Now().Add(ttl)
	}
	c.m[key] = e
	return nil
}

// RedisParamCache keeps parameters in Redis so several engine processes
// share one selection.
type RedisParamCache struct {
	Client  redis.Cmdable
	Timeout time.Duration
}

func NewRedisParamCache(addr string) *RedisParamCache {
	return &RedisParamCache{
		Client:  redis.NewClient(&redis.Options{Addr: addr}),
		Timeout: 500 * time.Millisecond,
	}
}

func (c *RedisParamCache) Get(ctx context.Context, key CacheKey) (float64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	raw, err := c.Client.Get(ctx, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: bad value %q: %w", key, raw, err)
	}
	return v, true, nil
}

func (c *RedisParamCache) Set(ctx context.Context, key CacheKey, value float64, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.Client.Set(ctx, key.String(), strconv.FormatFloat(value, 'g', -1, 64), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisParamCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}
