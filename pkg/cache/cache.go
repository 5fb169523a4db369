package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/domain"
	infraCache "github.com/renthub/apigate/pkg/infra/cache"
	"github.com/renthub/apigate/pkg/infra/prometheus"
	"github.com/sony/gobreaker"
)

const (
	ApiKeyKeyPattern    = "apikey:%s"
	RateLimitKeyPattern = "ratelimit:%s:%s:%s" // scope id, window name, identity
	BanKeyPattern       = "ban:%s:%s"          // scope id, identity

	ApiKeyTTLName     = "api_key"
	PermissionTTLName = "permission"
	OwnerTTLName      = "owner"

	opTimeout = 2 * time.Second
)

// Cache is the shared counter store: a Redis client plus a registry of local
// short-TTL maps. Counter operations go through a circuit breaker; a tripped
// breaker or store error surfaces domain.ErrStoreUnavailable so the gates can
// apply their fail-open/fail-closed policy.
type Cache struct {
	client     *redis.Client
	breaker    *gobreaker.CircuitBreaker
	localCache sync.Map
	ttlMaps    sync.Map
}

func NewCache(config common.CacheConfig) (*Cache, error) {
	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLS {
		options.TLSConfig = &tls.Config{
			InsecureSkipVerify: true, // #nosec G402
		}
	}
	client := redis.NewClient(options)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "counter-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Cache{
		client:  client,
		breaker: breaker,
	}, nil
}

// NewCacheWithClient builds a Cache around an existing client. Used by tests
// with a redismock client.
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "counter-store",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Increment atomically increments the counter at key. The expiry is armed only
// by the increment that creates the key; later increments leave the window's
// end untouched. A key absent before the call reads back as 1, never 0.
func (c *Cache) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		count, err := c.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if count == 1 {
			if err := c.client.Expire(ctx, key, window).Err(); err != nil {
				return nil, err
			}
		}
		return count, nil
	})
	if err != nil {
		return 0, c.storeError(err)
	}
	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected counter type %T", result)
	}
	return count, nil
}

// Counter returns the current counter value. The second return reports
// presence: an expired or never-written key is absent, not zero.
func (c *Cache) Counter(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		n, err := c.client.Get(ctx, key).Int64()
		if err != nil {
			// An absent key is a valid observation, not a store failure.
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, err
		}
		return n, nil
	})
	if err != nil {
		return 0, false, c.storeError(err)
	}
	if result == nil {
		return 0, false, nil
	}
	count, ok := result.(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected counter type %T", result)
	}
	return count, true, nil
}

func (c *Cache) SetWithTTL(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return c.storeError(err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, c.storeError(err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected exists type %T", result)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of a key. Absent keys report zero.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.TTL(ctx, key).Result()
	})
	if err != nil {
		return 0, c.storeError(err)
	}
	ttl, ok := result.(time.Duration)
	if !ok {
		return 0, fmt.Errorf("unexpected ttl type %T", result)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Get reads a cached record, preferring the in-process copy.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if value, ok := c.localCache.Load(key); ok {
		str, err := safeStringCast(value)
		if err != nil {
			return "", fmt.Errorf("cache value error: %w", err)
		}
		return str, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Get(ctx, key).Result()
}

func (c *Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return err
	}
	c.localCache.Store(key, value)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	c.localCache.Delete(key)
	return nil
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) CreateTTLMap(name string, ttl time.Duration) *infraCache.TTLMap {
	ttlMap := infraCache.NewTTLMap(ttl)
	c.ttlMaps.Store(name, ttlMap)
	return ttlMap
}

func (c *Cache) GetTTLMap(name string) *infraCache.TTLMap {
	if value, ok := c.ttlMaps.Load(name); ok {
		ttlMap, err := safeTTLMapCast(value)
		if err != nil {
			return nil
		}
		return ttlMap
	}
	return nil
}

func (c *Cache) storeError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		prometheus.StoreBreakerOpen.Inc()
		return fmt.Errorf("%w: circuit open", domain.ErrStoreUnavailable)
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func safeStringCast(value interface{}) (string, error) {
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("invalid type assertion to string")
	}
	return str, nil
}

func safeTTLMapCast(value interface{}) (*infraCache.TTLMap, error) {
	ttlMap, ok := value.(*infraCache.TTLMap)
	if !ok {
		return nil, fmt.Errorf("invalid type assertion to TTLMap")
	}
	return ttlMap, nil
}
