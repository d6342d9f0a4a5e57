package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each artifact in a hash with data, version and updated_at
// fields. Put increments the version and replaces the data inside one
// MULTI/EXEC transaction. An index set tracks keys for List.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store backed by the redis server at addr. Keys are
// namespaced under "revcast:".
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis: empty address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	return NewRedisStoreFromClient(client, "revcast"), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Client returns the underlying redis client.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) hashKey(key string) string {
	return r.prefix + ":artifact:" + key
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":artifacts"
}

// Put replaces the artifact and returns its new version.
func (r *RedisStore) Put(ctx context.Context, a Artifact) (int64, error) {
	if err := validateKey(a.Key); err != nil {
		return 0, err
	}

	hk := r.hashKey(a.Key)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, hk, "version", 1)
		pipe.HSet(ctx, hk,
			"data", a.Data,
			"updated_at", r.now().UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, r.indexKey(), a.Key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis put %s: %w", a.Key, err)
	}
	return incr.Val(), nil
}

// GetLatest reads the artifact hash for key.
func (r *RedisStore) GetLatest(ctx context.Context, key string) (Artifact, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.hashKey(key)).Result()
	if err != nil {
		return Artifact{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Artifact{}, false, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("redis get %s: bad version: %w", key, err)
	}
	a := Artifact{Key: key, Version: version, Data: []byte(fields["data"])}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		a.UpdatedAt = ts
	}
	return a, true, nil
}

// List returns the indexed keys with prefix.
func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	var keys []string
	for _, k := range members {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the artifact hash and its index entry.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey(key))
		pipe.SRem(ctx, r.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}
