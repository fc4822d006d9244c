package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned when another instance holds a coordination lock.
	ErrLockHeld = errors.New("lock held by another instance")
	// ErrRateLimited is returned when a creator exceeds the deal creation limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// releaseLua deletes the lock only while it still carries the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisGuard provides the Redis-backed coordination the deal services use.
// A nil guard, or one without a client, allows everything.
type RedisGuard struct {
	redis      *redis.Client
	release    *redis.Script
	maxCreates int
	window     time.Duration
}

func NewRedisGuard(rdb *redis.Client, maxCreates int, window time.Duration) *RedisGuard {
	return &RedisGuard{
		redis:      rdb,
		release:    redis.NewScript(releaseLua),
		maxCreates: maxCreates,
		window:     window,
	}
}

func (g *RedisGuard) enabled() bool {
	return g != nil && g.redis != nil
}

func lockKey(name string) string {
	return "moneygood:lock:" + name
}

func createRateKey(userID string) string {
	return fmt.Sprintf("moneygood:ratelimit:create:%s", userID)
}

// AcquireLock takes a named lock for ttl and returns its release func. The
// release func is safe to call more than once.
func (g *RedisGuard) AcquireLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	if !g.enabled() {
		return func() {}, nil
	}

	token := uuid.NewString()
	key := lockKey(name)

	ok, err := g.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.release.Run(releaseCtx, g.redis, []string{key}, token).Err(); err != nil {
			log.Printf("[GUARD] Failed to release lock %s: %v", name, err)
		}
	}, nil
}

// CheckCreateRate fails with ErrRateLimited once userID has created
// maxCreates deals inside the window. Redis errors are logged and allowed.
func (g *RedisGuard) CheckCreateRate(ctx context.Context, userID string) error {
	if !g.enabled() || g.maxCreates <= 0 {
		return nil
	}

	count, err := g.redis.Get(ctx, createRateKey(userID)).Int()
	if err != nil && err != redis.Nil {
		log.Printf("[GUARD] Rate limit lookup failed for %s: %v", userID, err)
		return nil
	}

	if count >= g.maxCreates {
		return ErrRateLimited
	}
	return nil
}

// RecordCreate counts one deal creation against userID's window.
func (g *RedisGuard) RecordCreate(ctx context.Context, userID string) {
	if !g.enabled() || g.maxCreates <= 0 {
		return
	}

	key := createRateKey(userID)
	pipe := g.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[GUARD] Rate limit update failed for %s: %v", userID, err)
	}
}
