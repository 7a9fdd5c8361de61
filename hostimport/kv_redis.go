package hostimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV is a KVStore backed by Redis.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// RedisKVConfig configures a RedisKV.
type RedisKVConfig struct {
	// URL is a redis:// URL; Addr is used when URL is empty.
	URL      string
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every namespaced key.
	Prefix string
}

// NewRedisKV connects to Redis and pings it.
func NewRedisKV(ctx context.Context, cfg RedisKVConfig) (*RedisKV, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("hostimport: parse redis url: %w", err)
		}
		opts = parsed
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("hostimport: redis addr is required")
		}
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("hostimport: redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "petalexec:kv:"
	}
	return &RedisKV{client: client, prefix: prefix}, nil
}

// Get implements KVStore.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hostimport: redis get: %w", err)
	}
	return value, true, nil
}

// Put implements KVStore. A zero ttl stores the value without expiry.
func (r *RedisKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("hostimport: redis set: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

var _ KVStore = (*RedisKV)(nil)
