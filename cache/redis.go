package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// RedisClient wraps redis.Client with JSON serialization, distributed
// locks and cooldown keys. All cross-process coordination goes through
// this client or the stream wrappers.
type RedisClient struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisClient creates a new Redis client and verifies connectivity.
func NewRedisClient(host, port, password string, log zerolog.Logger) (*RedisClient, error) {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0, // use default DB
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Msg("connected to redis")
	return &RedisClient{client: client, log: log}, nil
}

// Raw exposes the underlying client for the stream wrappers.
func (r *RedisClient) Raw() *redis.Client { return r.client }

// Close closes the Redis connection.
func (r *RedisClient) Close() error { return r.client.Close() }

// Set stores a JSON-serialized value with expiration.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, jsonBytes, expiration).Err()
}

// Get retrieves a JSON-serialized value. Returns ErrCacheMiss when the
// key is absent or expired.
func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// Delete removes keys.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Exists checks if a key exists.
func (r *RedisClient) Exists(ctx context.Context, key string) bool {
	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return result > 0
}

// AcquireLock does a single atomic set-if-not-exists with TTL. There is
// no renewal and no fencing; holders must finish within the TTL.
func (r *RedisClient) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, "1", ttl).Result()
}

// ReleaseLock deletes the lock key. Releasing an expired lock is a no-op.
func (r *RedisClient) ReleaseLock(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Warn().Str("key", key).Err(err).Msg("lock release failed")
	}
}

// SetFlag writes a plain "1" marker with TTL. Used for cooldowns and
// one-shot flags; presence means active.
func (r *RedisClient) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Set(ctx, key, "1", ttl).Err()
}

// GetFloat reads a bare float value, e.g. a high watermark.
func (r *RedisClient) GetFloat(ctx context.Context, key string) (float64, bool) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// SetFloat writes a bare float value with TTL.
func (r *RedisClient) SetFloat(ctx context.Context, key string, value float64, ttl time.Duration) error {
	return r.client.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), ttl).Err()
}

// GetInt reads a bare integer value, e.g. a scale-out cursor.
func (r *RedisClient) GetInt(ctx context.Context, key string) (int, bool) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetInt writes a bare integer value with TTL.
func (r *RedisClient) SetInt(ctx context.Context, key string, value int, ttl time.Duration) error {
	return r.client.Set(ctx, key, strconv.Itoa(value), ttl).Err()
}

// IncrWithTTL increments a counter and refreshes its TTL, for the
// daily buy counter.
func (r *RedisClient) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetCounter reads a counter, zero when absent.
func (r *RedisClient) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// HGetAllFloat reads a hash of code to float, for the operator's manual
// watchlist pins.
func (r *RedisClient) HGetAllFloat(ctx context.Context, key string) (map[string]float64, error) {
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out, nil
}

// CleanupPositionState deletes the per-code lifecycle keys after a full
// exit, in one round trip.
func (r *RedisClient) CleanupPositionState(ctx context.Context, code string) {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, WatermarkKey(code))
	pipe.Del(ctx, ScaleOutKey(code))
	pipe.Del(ctx, RSISoldKey(code))
	pipe.Del(ctx, PositionMetaKey(code))
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn().Str("stock_code", code).Err(err).Msg("position state cleanup failed")
	}
}
