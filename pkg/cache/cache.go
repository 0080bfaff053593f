package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"creditflow/pkg/logger"
)

var ErrCacheMiss = errors.New("cache miss")

// generationTTL bounds how long an invalidation counter outlives its last
// bump. An expired counter reads as zero, which only ever refuses writes.
const generationTTL = 24 * time.Hour

var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// Cache is a JSON value cache. Callers treat every error as a miss and fall
// back to the source of truth.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error

	// Generation returns key's invalidation counter, zero when unset.
	Generation(ctx context.Context, key string) (int64, error)
	// SetIfGeneration stores value only while key's counter still equals gen,
	// so a value read before an Invalidate is never written back after it.
	SetIfGeneration(ctx context.Context, key string, gen int64, value interface{}, expiration time.Duration) (bool, error)
	// Invalidate deletes keys and bumps their counters.
	Invalidate(ctx context.Context, keys ...string) error
}

type RedisCache struct {
	client redis.UniversalClient
	logger logger.Logger
	prefix string
}

func NewRedisCache(client redis.UniversalClient, logger logger.Logger, prefix string) Cache {
	return &RedisCache{
		client: client,
		logger: logger,
		prefix: prefix,
	}
}

// NewRedisClient opens a go-redis client; it does not dial until first use.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

func (r *RedisCache) makeKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}

	fullKey := r.makeKey(key)
	if err := r.client.Set(ctx, fullKey, data, expiration).Err(); err != nil {
		r.logger.Warn("cache set failed", map[string]interface{}{
			"key":   fullKey,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	fullKey := r.makeKey(key)
	data, err := r.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		r.logger.Warn("cache get failed", map[string]interface{}{
			"key":   fullKey,
			"error": err.Error(),
		})
		return err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal %s: %w", fullKey, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = r.makeKey(key)
	}

	if err := r.client.Del(ctx, fullKeys...).Err(); err != nil {
		r.logger.Warn("cache delete failed", map[string]interface{}{
			"keys":  fullKeys,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) generationKey(fullKey string) string {
	return fullKey + ":gen"
}

func (r *RedisCache) Generation(ctx context.Context, key string) (int64, error) {
	gen, err := r.client.Get(ctx, r.generationKey(r.makeKey(key))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *RedisCache) SetIfGeneration(ctx context.Context, key string, gen int64, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("cache marshal %s: %w", key, err)
	}

	fullKey := r.makeKey(key)
	stored, err := setIfGeneration.Run(ctx, r.client,
		[]string{fullKey, r.generationKey(fullKey)},
		strconv.FormatInt(gen, 10), data, expiration.Milliseconds(),
	).Int()
	if err != nil {
		r.logger.Warn("cache conditional set failed", map[string]interface{}{
			"key":   fullKey,
			"error": err.Error(),
		})
		return false, err
	}
	return stored == 1, nil
}

func (r *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			fullKey := r.makeKey(key)
			pipe.Del(ctx, fullKey)
			pipe.Incr(ctx, r.generationKey(fullKey))
			pipe.Expire(ctx, r.generationKey(fullKey), generationTTL)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("cache invalidate failed", map[string]interface{}{
			"keys":  keys,
			"error": err.Error(),
		})
		return err
	}
	return nil
}
