package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "revoked:"

// RedisRevocationCache shares revocations across instances. Entries never
// expire.
type RedisRevocationCache struct {
	client redis.UniversalClient
}

// NewRedisRevocationCache creates a cache backed by Redis.
func NewRedisRevocationCache(addr, password string, db int) *RedisRevocationCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisRevocationCache{client: rdb}
}

// NewRedisRevocationCacheFromClient wraps an existing client.
func NewRedisRevocationCacheFromClient(client redis.UniversalClient) *RedisRevocationCache {
	return &RedisRevocationCache{client: client}
}

// Ping checks the connection.
func (c *RedisRevocationCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisRevocationCache) Close() error {
	return c.client.Close()
}

func (c *RedisRevocationCache) Lookup(ctx context.Context, jti string) (*RevocationRecord, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+jti).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	var rec RevocationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode revocation %s: %w", jti, err)
	}
	return &rec, true, nil
}

func (c *RedisRevocationCache) Add(ctx context.Context, rec RevocationRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode revocation: %w", err)
	}
	added, err := c.client.SetNX(ctx, redisKeyPrefix+rec.JWTID, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation add: %w", err)
	}
	return added, nil
}

// AddAll writes every record inside one MULTI/EXEC so no reader sees a
// partial batch.
func (c *RedisRevocationCache) AddAll(ctx context.Context, recs []RevocationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	payloads := make([][]byte, len(recs))
	for i, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode revocation: %w", err)
		}
		payloads[i] = raw
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rec := range recs {
			pipe.SetNX(ctx, redisKeyPrefix+rec.JWTID, payloads[i], 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis revocation batch: %w", err)
	}
	return nil
}
