package stepflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the production instance-view cache. A circuit breaker keeps
// a Redis outage from stalling readers: while the circuit is open, Get
// reports a miss and Set is skipped, so readers fall back to the ledger.
// Clear failures are always surfaced; a missed invalidation is a
// correctness problem, a missed read-through is not.
type RedisCache struct {
	rdb     *redis.Client
	prefix  string
	breaker *CircuitBreaker
}

// NewRedisCache creates a cache over the given Redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{
		rdb:     rdb,
		prefix:  "sf:instance:",
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) key(instanceID int64) string {
	return fmt.Sprintf("%s%d", c.prefix, instanceID)
}

func (c *RedisCache) Get(ctx context.Context, instanceID int64) ([]byte, bool, error) {
	if ok, _ := c.breaker.Allow(time.Now()); !ok {
		return nil, false, nil
	}

	b, err := c.rdb.Get(ctx, c.key(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.breaker.RecordSuccess()
		return nil, false, nil
	}
	if err != nil {
		c.breaker.RecordFailure(time.Now())
		return nil, false, nil
	}
	c.breaker.RecordSuccess()
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, instanceID int64, value []byte, ttl time.Duration) error {
	if ok, _ := c.breaker.Allow(time.Now()); !ok {
		return nil
	}

	if err := c.rdb.Set(ctx, c.key(instanceID), value, ttl).Err(); err != nil {
		c.breaker.RecordFailure(time.Now())
		return nil
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *RedisCache) Clear(ctx context.Context, instanceID int64) error {
	if ok, wait := c.breaker.Allow(time.Now()); !ok {
		return fmt.Errorf("cannot clear instance %d (retry in %s): %w", instanceID, wait, ErrCircuitOpen)
	}

	if err := c.rdb.Del(ctx, c.key(instanceID)).Err(); err != nil {
		c.breaker.RecordFailure(time.Now())
		return fmt.Errorf("cannot clear instance %d: %w", instanceID, err)
	}
	c.breaker.RecordSuccess()
	return nil
}
