package vault

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/vaultcred/observability"
	"github.com/vyrodovalexey/vaultcred/retry"
)

// RedisBackend is a CacheBackend persisting to Redis. Values live under
// <prefix>:<bank>/<key>, last-write timestamps under
// <prefix>:ts:<bank>/<key>. Single-key operations are safe for
// concurrent use across processes; transient failures are retried with
// backoff.
type RedisBackend struct {
	client   *redis.Client
	prefix   string
	retryCfg *retry.Config
	logger   observability.Logger
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg *RedisConfig, logger observability.Logger) (*RedisBackend, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis backend requires an address", ErrInvalidConfig)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis backend: ping failed: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vaultcred"
	}
	return &RedisBackend{
		client:   client,
		prefix:   prefix,
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}, nil
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) dataKey(bank, key string) string {
	return b.prefix + ":" + bank + "/" + key
}

func (b *RedisBackend) tsKey(bank, key string) string {
	return b.prefix + ":ts:" + bank + "/" + key
}

// withRetry runs a redis operation with backoff on transient errors.
func (b *RedisBackend) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(ctx, b.retryCfg, fn, &retry.Options{
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			b.logger.Debug("retrying redis operation",
				observability.String("op", op),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Err(err))
		},
	})
}

// Contains implements CacheBackend.
func (b *RedisBackend) Contains(ctx context.Context, bank, key string) (bool, error) {
	var n int64
	err := b.withRetry(ctx, "exists", func() error {
		var err error
		n, err = b.client.Exists(ctx, b.dataKey(bank, key)).Result()
		return err
	})
	return n > 0, err
}

// Fetch implements CacheBackend. Absent keys yield nil, not an error.
func (b *RedisBackend) Fetch(ctx context.Context, bank, key string) ([]byte, error) {
	var data []byte
	err := b.withRetry(ctx, "get", func() error {
		var err error
		data, err = b.client.Get(ctx, b.dataKey(bank, key)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// Store implements CacheBackend, recording the write timestamp
// alongside the value.
func (b *RedisBackend) Store(ctx context.Context, bank, key string, value []byte) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return b.withRetry(ctx, "set", func() error {
		pipe := b.client.TxPipeline()
		pipe.Set(ctx, b.dataKey(bank, key), value, 0)
		pipe.Set(ctx, b.tsKey(bank, key), now, 0)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Flush implements CacheBackend. An empty key removes the whole bank
// including sub-banks.
func (b *RedisBackend) Flush(ctx context.Context, bank, key string) error {
	if key != "" {
		return b.withRetry(ctx, "del", func() error {
			return b.client.Del(ctx, b.dataKey(bank, key), b.tsKey(bank, key)).Err()
		})
	}
	for _, pattern := range []string{
		b.prefix + ":" + bank + "/*",
		b.prefix + ":ts:" + bank + "/*",
	} {
		if err := b.deleteByPattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// deleteByPattern removes all keys matching a pattern via SCAN, avoiding
// KEYS on large datasets.
func (b *RedisBackend) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		var keys []string
		var err error
		scanErr := b.withRetry(ctx, "scan", func() error {
			keys, cursor, err = b.client.Scan(ctx, cursor, pattern, 100).Result()
			return err
		})
		if scanErr != nil {
			return scanErr
		}
		if len(keys) > 0 {
			if err := b.withRetry(ctx, "del", func() error {
				return b.client.Del(ctx, keys...).Err()
			}); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

// Updated implements CacheBackend.
func (b *RedisBackend) Updated(ctx context.Context, bank, key string) (time.Time, error) {
	var raw string
	err := b.withRetry(ctx, "get", func() error {
		var err error
		raw, err = b.client.Get(ctx, b.tsKey(bank, key)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis backend: corrupt timestamp for %s/%s: %w", bank, key, err)
	}
	return time.Unix(ts, 0), nil
}

// List implements CacheBackend, returning only the bank's direct keys,
// not entries of sub-banks.
func (b *RedisBackend) List(ctx context.Context, bank string) ([]string, error) {
	prefix := b.prefix + ":" + bank + "/"
	var out []string
	var cursor uint64
	for {
		var keys []string
		var err error
		scanErr := b.withRetry(ctx, "scan", func() error {
			keys, cursor, err = b.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			return err
		})
		if scanErr != nil {
			return nil, scanErr
		}
		for _, k := range keys {
			name := strings.TrimPrefix(k, prefix)
			if !strings.Contains(name, "/") {
				out = append(out, name)
			}
		}
		if cursor == 0 {
			return out, nil
		}
	}
}

var _ CacheBackend = (*RedisBackend)(nil)
