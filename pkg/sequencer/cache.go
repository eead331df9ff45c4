package sequencer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// INonceCache is the advisory read cache in front of CurrentNonce. It is
// never the source of truth: AllocateNext always re-derives from the
// locked store read and invalidates the signer's entry. Cache failures
// degrade to misses, never to errors.
type INonceCache interface {
	Get(ctx context.Context, signerID string) (uint64, bool)
	Set(ctx context.Context, signerID string, nonce uint64)
	Invalidate(ctx context.Context, signerID string)
}

type cacheEntry struct {
	nonce     uint64
	expiresAt time.Time
}

// MemoryNonceCache is a TTL map for single-instance deployments.
type MemoryNonceCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

var _ INonceCache = (*MemoryNonceCache)(nil)

func NewMemoryNonceCache(ttl time.Duration) *MemoryNonceCache {
	return &MemoryNonceCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func (c *MemoryNonceCache) Get(ctx context.Context, signerID string) (uint64, bool) {
	c.mu.RLock()
	entry, exists := c.entries[signerID]
	c.mu.RUnlock()

	if !exists || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.nonce, true
}

func (c *MemoryNonceCache) Set(ctx context.Context, signerID string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[signerID] = cacheEntry{nonce: nonce, expiresAt: time.Now().Add(c.ttl)}
}

func (c *MemoryNonceCache) Invalidate(ctx context.Context, signerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, signerID)
}

const redisNoncePrefix = "relay:nonce:"

// RedisNonceCache shares advisory nonce reads across instances.
type RedisNonceCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

var _ INonceCache = (*RedisNonceCache)(nil)

// NewRedisNonceCache connects to Redis and verifies connectivity.
func NewRedisNonceCache(address, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisNonceCache, error) {
	if address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", address, err)
	}

	logger.Sugar().Infow("Redis nonce cache initialized", "address", address, "ttl", ttl)
	return &RedisNonceCache{client: client, logger: logger, ttl: ttl}, nil
}

func (c *RedisNonceCache) Get(ctx context.Context, signerID string) (uint64, bool) {
	val, err := c.client.Get(ctx, redisNoncePrefix+signerID).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		c.logger.Sugar().Warnw("Nonce cache read failed, treating as miss", "signer", signerID, "error", err)
		return 0, false
	}

	nonce, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		c.logger.Sugar().Warnw("Corrupt nonce cache entry, treating as miss", "signer", signerID, "value", val)
		return 0, false
	}
	return nonce, true
}

func (c *RedisNonceCache) Set(ctx context.Context, signerID string, nonce uint64) {
	if err := c.client.Set(ctx, redisNoncePrefix+signerID, strconv.FormatUint(nonce, 10), c.ttl).Err(); err != nil {
		c.logger.Sugar().Warnw("Nonce cache write failed", "signer", signerID, "error", err)
	}
}

func (c *RedisNonceCache) Invalidate(ctx context.Context, signerID string) {
	if err := c.client.Del(ctx, redisNoncePrefix+signerID).Err(); err != nil {
		c.logger.Sugar().Warnw("Nonce cache invalidation failed", "signer", signerID, "error", err)
	}
}

// Close shuts down the Redis client.
func (c *RedisNonceCache) Close() error {
	return c.client.Close()
}
