package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisCounter shares quota state across gateway instances through Redis.
// Fixed windows use INCR with a window-length TTL; sliding windows keep a
// sorted set of event timestamps pruned on every access.
type RedisCounter struct {
	client *redis.Client
	prefix string
	seq    atomic.Uint64
}

// NewRedisCounter creates the Redis backend from a redis:// URL.
func NewRedisCounter(url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("quota: parse redis url: %w", err)
	}
	return &RedisCounter{client: redis.NewClient(opts), prefix: "toolgate:quota:"}, nil
}

// NewRedisCounterFromClient wraps an existing client (tests use miniredis).
func NewRedisCounterFromClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "toolgate:quota:"}
}

// Close releases the underlying client.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}

// Peek implements Counter.
func (r *RedisCounter) Peek(ctx context.Context, b Bucket) (int64, error) {
	key := r.prefix + b.Key
	if b.Sliding {
		if err := r.pruneSliding(ctx, key, b); err != nil {
			return 0, err
		}
		n, err := r.client.ZCard(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("quota: redis zcard: %w", err)
		}
		return n, nil
	}

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: redis get: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quota: corrupt counter %q: %w", key, err)
	}
	return n, nil
}

// Add implements Counter.
func (r *RedisCounter) Add(ctx context.Context, b Bucket) (int64, error) {
	key := r.prefix + b.Key
	if b.Sliding {
		if err := r.pruneSliding(ctx, key, b); err != nil {
			return 0, err
		}
		// Member must be unique even when two events share a timestamp.
		member := strconv.FormatInt(b.Now.UnixNano(), 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)
		pipe := r.client.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(b.Now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, b.Window)
		card := pipe.ZCard(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("quota: redis sliding add: %w", err)
		}
		return card.Val(), nil
	}

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, b.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("quota: redis incr: %w", err)
	}
	return incr.Val(), nil
}

func (r *RedisCounter) pruneSliding(ctx context.Context, key string, b Bucket) error {
	horizon := b.Now.Add(-b.Window).UnixNano()
	err := r.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(horizon, 10)).Err()
	if err != nil {
		return fmt.Errorf("quota: redis prune: %w", err)
	}
	return nil
}
