package backend

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-entity-cache/cache"
)

// connectTimeout bounds the constructor's connectivity probe.
const connectTimeout = 5 * time.Second

// scanBatchSize is the COUNT hint passed to SCAN.
const scanBatchSize = 100

// RedisConfig holds connection settings for the Redis adapter. The
// mapstructure tags allow loading it straight from a viper-managed config
// file.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// Redis adapts a shared Redis instance to the cache.Backend contract.
// Entry TTLs are delegated to Redis expiry.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies connectivity before returning.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership of
// the client's lifecycle.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get returns the stored bytes for key, or cache.ErrNotFound when absent.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set stores value under key with the given TTL. ttl <= 0 stores without
// expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes key. Deleting an absent key is not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// ScanKeys returns all keys matching the glob pattern using cursor-based
// SCAN, so it never blocks the server the way KEYS would.
func (r *Redis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

var (
	_ cache.Backend        = (*Redis)(nil)
	_ cache.PatternScanner = (*Redis)(nil)
)
