package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint for SCAN during Load.
const scanBatch = 100

// RedisBackend stores one JSON entry per account key. Entries have no TTL.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a backend on an existing client.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{
		redis: redisClient,
	}
}

func (b *RedisBackend) Name() string { return "redis" }

// Load scans every account key. Values that do not decode are skipped.
func (b *RedisBackend) Load(ctx context.Context) (map[string]Entry, error) {
	entries := make(map[string]Entry)

	iter := b.redis.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		account, ok := accountFromKey(key)
		if !ok {
			continue
		}

		e, err := b.Get(ctx, account)
		switch {
		case errors.Is(err, redis.Nil), errors.Is(err, ErrCorrupt):
			continue
		case err != nil:
			return nil, err
		}
		entries[account] = e
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	return entries, nil
}

// Get reads a single entry. It returns redis.Nil wrapped when absent.
func (b *RedisBackend) Get(ctx context.Context, account string) (Entry, error) {
	data, err := b.redis.Get(ctx, AccountKey(account)).Bytes()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return e, nil
}

func (b *RedisBackend) Put(ctx context.Context, account string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if err := b.redis.Set(ctx, AccountKey(account), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry. Only Store.Forget calls it, when an account is
// removed from the credential file.
func (b *RedisBackend) Delete(ctx context.Context, account string) error {
	if err := b.redis.Del(ctx, AccountKey(account)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBackend) Close() error { return nil }
