package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the redis connection and key layout.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "agentgrid".
	Prefix string
	// TTL expires stored documents. Defaults to one hour.
	TTL time.Duration
	// Capacity bounds the index. Defaults to DefaultCapacity.
	Capacity int
}

// Redis is a Store backed by redis: one JSON document per item plus a
// sorted set of ids scored by finish time.
type Redis[T any] struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	capacity int64
}

// NewRedis connects to redis and returns a store whose keys live under
// "<prefix>:<name>:".
func NewRedis[T any](ctx context.Context, cfg RedisConfig, name string) (*Redis[T], error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}
	return newRedis[T](client, cfg, name), nil
}

func newRedis[T any](client *redis.Client, cfg RedisConfig, name string) *Redis[T] {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentgrid"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Redis[T]{
		client:   client,
		prefix:   prefix + ":" + name,
		ttl:      ttl,
		capacity: int64(capacity),
	}
}

func (r *Redis[T]) key(id string) string {
	return r.prefix + ":" + id
}

func (r *Redis[T]) index() string {
	return r.prefix + ":index"
}

func (r *Redis[T]) Put(ctx context.Context, id string, finished time.Time, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(id), data, r.ttl)
	pipe.ZAdd(ctx, r.index(), redis.Z{Score: float64(finished.UnixMilli()), Member: id})
	pipe.ZRemRangeByRank(ctx, r.index(), 0, -(r.capacity + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store %s in redis: %w", id, err)
	}
	return nil
}

func (r *Redis[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var v T
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("load %s from redis: %w", id, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", id, err)
	}
	return v, true, nil
}

func (r *Redis[T]) List(ctx context.Context, limit int) ([]T, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.index(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list redis index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load redis documents: %w", err)
	}

	out := make([]T, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			// expired document, index entry is stale
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ids[i], err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Redis[T]) Prune(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.index(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan redis index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
		members[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, r.index(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("prune redis history: %w", err)
	}
	return len(ids), nil
}

// Close closes the underlying client.
func (r *Redis[T]) Close() error {
	return r.client.Close()
}
