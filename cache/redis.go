package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStorage.
const DefaultRedisPrefix = "offline-agent"

// RedisStorage keeps stores in Redis so several agent instances can share them.
//
// Layout, for prefix p:
//
//	p:stores            sorted set of store names scored by creation sequence
//	p:seq               counter for store and entry sequences
//	p:store:{name}      hash of key -> snapshot
//	p:order:{name}      sorted set of keys scored by write sequence
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to the Redis server at the given URL
// (e.g. "redis://localhost:6379/0") and verifies the connection.
func NewRedisStorage(url, prefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStorageFromClient(client, prefix), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStorage) storesKey() string {
	return r.prefix + ":stores"
}

func (r *RedisStorage) seqKey() string {
	return r.prefix + ":seq"
}

func (r *RedisStorage) entriesKey(name string) string {
	return r.prefix + ":store:" + name
}

func (r *RedisStorage) orderKey(name string) string {
	return r.prefix + ":order:" + name
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	err := r.client.ZScore(ctx, r.storesKey(), name).Err()
	if err == nil {
		return redisStore{storage: r, name: name}, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	err = r.client.ZAddNX(ctx, r.storesKey(), redis.Z{Score: float64(seq), Member: name}).Err()
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return redisStore{storage: r, name: name}, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	return r.client.ZRange(ctx, r.storesKey(), 0, -1).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.storesKey(), name)
		pipe.Del(ctx, r.entriesKey(name), r.orderKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete store: %w", err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisStorage) Match(ctx context.Context, key string) ([]byte, bool, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		bts, ok, err := redisStore{storage: r, name: name}.Match(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return bts, true, nil
		}
	}
	return nil, false, nil
}

func (r *RedisStorage) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

type redisStore struct {
	storage *RedisStorage
	name    string
}

func (s redisStore) Name() string {
	return s.name
}

func (s redisStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	bts, err := s.storage.client.HGet(ctx, s.storage.entriesKey(s.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return bts, true, nil
}

func (s redisStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

func (s redisStore) PutAll(ctx context.Context, entries []Entry) error {
	client := s.storage.client
	err := client.ZScore(ctx, s.storage.storesKey(), s.name).Err()
	if errors.Is(err, redis.Nil) {
		return ErrStoreClosed
	} else if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	last, err := client.IncrBy(ctx, s.storage.seqKey(), int64(len(entries))).Result()
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	first := last - int64(len(entries)) + 1
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, ce := range entries {
			pipe.HSet(ctx, s.storage.entriesKey(s.name), ce.Key, ce.Bytes)
			pipe.ZAdd(ctx, s.storage.orderKey(s.name), redis.Z{Score: float64(first + int64(i)), Member: ce.Key})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s redisStore) Keys(ctx context.Context) ([]string, error) {
	return s.storage.client.ZRange(ctx, s.storage.orderKey(s.name), 0, -1).Result()
}

func (s redisStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.storage.entriesKey(s.name), key)
		pipe.ZRem(ctx, s.storage.orderKey(s.name), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return removed.Val() > 0, nil
}
