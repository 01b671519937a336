package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
)

const (
	redisSnapshotKey = "acc:clients:csv"
	redisFetchedKey  = "acc:clients:fetched_at"
)

// RedisStore implements Store on Redis, serializing the snapshot as CSV
// under one key and keeping the retrieval time alongside. No Redis-level TTL
// is applied: stale snapshots must remain readable as a fetch-failure
// fallback.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis URL (redis:// or rediss://
// schemes, parsed with redis.ParseURL) and verifies connectivity.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context) (*addepar.Table, time.Time, error) {
	data, err := r.client.Get(ctx, redisSnapshotKey).Bytes()
	if err == redis.Nil {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis GET %s: %w", redisSnapshotKey, err)
	}

	table, err := addepar.ParseCSV(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing cached snapshot: %w", err)
	}

	var fetched time.Time
	val, err := r.client.Get(ctx, redisFetchedKey).Result()
	if err == nil {
		if epoch, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			fetched = time.Unix(epoch, 0)
		}
	} else if err != redis.Nil {
		return nil, time.Time{}, fmt.Errorf("redis GET %s: %w", redisFetchedKey, err)
	}

	return table, fetched, nil
}

func (r *RedisStore) Put(ctx context.Context, table *addepar.Table, fetched time.Time) error {
	var buf bytes.Buffer
	if err := table.WriteCSV(&buf); err != nil {
		return fmt.Errorf("serializing snapshot: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisSnapshotKey, buf.Bytes(), 0)
	pipe.Set(ctx, redisFetchedKey, strconv.FormatInt(fetched.Unix(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SET snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, redisSnapshotKey, redisFetchedKey).Err(); err != nil {
		return fmt.Errorf("redis DEL snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
