package erc20

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"approval-sentinel/internal/approvals"
)

// ErrCacheMiss is returned by a Cache for an absent key.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the key-value store behind CachedClassifier.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// RedisConfig configures the classification cache.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Addr         string        `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Password     string        `yaml:"password" json:"-"`
	DB           int           `yaml:"db" json:"db"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultRedisConfig returns the cache defaults; the cache is disabled.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		KeyPrefix:    "sentinel:eoa:",
		TTL:          24 * time.Hour,
	}
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value, returning ErrCacheMiss when absent.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return val, nil
}

// Set stores a value with TTL.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

const cachedContract = "0"

// CachedClassifier memoizes contract answers of another classifier in a
// Cache. EOA answers are not cached because code can later be deployed at an
// address (CREATE2, EIP-7702 delegation). Cache errors are logged and fall
// through to the wrapped classifier.
type CachedClassifier struct {
	inner  approvals.ClassifyFunc
	cache  Cache
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedClassifier wraps inner with cache.
func NewCachedClassifier(inner approvals.ClassifyFunc, cache Cache, prefix string, ttl time.Duration, logger *slog.Logger) *CachedClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedClassifier{
		inner:  inner,
		cache:  cache,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// IsEOA consults the cache before the wrapped classifier.
func (c *CachedClassifier) IsEOA(ctx context.Context, address string) (bool, error) {
	key := c.prefix + strings.ToLower(address)

	val, err := c.cache.Get(ctx, key)
	switch {
	case err == nil && string(val) == cachedContract:
		c.hits.Add(1)
		return false, nil
	case err != nil && !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("classification cache read failed", "key", key, "error", err)
	}
	c.misses.Add(1)

	eoa, err := c.inner(ctx, address)
	if err != nil {
		return false, err
	}

	if eoa {
		return true, nil
	}
	if err := c.cache.Set(ctx, key, []byte(cachedContract), c.ttl); err != nil {
		c.logger.Warn("classification cache write failed", "key", key, "error", err)
	}
	return false, nil
}

// GetStats returns cache counters.
func (c *CachedClassifier) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"hits":   c.hits.Load(),
		"misses": c.misses.Load(),
	}
}
