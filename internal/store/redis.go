package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "idp:session:"
	redisLogoutPrefix  = "idp:logout:"
)

// RedisSessionCache is the Redis-backed SessionCache. Expiry rides on key
// TTLs; no sweeper is needed.
type RedisSessionCache struct {
	client redis.UniversalClient
	codec  SessionCodec
}

// NewRedisSessionCache creates a session cache on an existing client.
func NewRedisSessionCache(client redis.UniversalClient, codec SessionCodec) *RedisSessionCache {
	return &RedisSessionCache{client: client, codec: codec}
}

func (c *RedisSessionCache) CreateIfAbsent(ctx context.Context, rec *SessionRecord) error {
	record, err := c.codec.Encode(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session record already expired")
	}
	ok, err := c.client.SetNX(ctx, redisSessionPrefix+rec.Cookie, record, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (c *RedisSessionCache) Get(ctx context.Context, cookie string) (*SessionRecord, error) {
	record, err := c.client.Get(ctx, redisSessionPrefix+cookie).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return c.codec.Decode(record)
}

func (c *RedisSessionCache) Put(ctx context.Context, rec *SessionRecord) error {
	record, err := c.codec.Encode(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session record already expired")
	}
	if err := c.client.Set(ctx, redisSessionPrefix+rec.Cookie, record, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisSessionCache) Delete(ctx context.Context, cookie string) error {
	if err := c.client.Del(ctx, redisSessionPrefix+cookie).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RedisSessionCache) Close() error { return nil }

// RedisLogoutStore is the Redis-backed PendingLogoutStore.
type RedisLogoutStore struct {
	client redis.UniversalClient
}

// NewRedisLogoutStore creates a pending logout store on an existing client.
func NewRedisLogoutStore(client redis.UniversalClient) *RedisLogoutStore {
	return &RedisLogoutStore{client: client}
}

func (s *RedisLogoutStore) CreateIfAbsent(ctx context.Context, st *LogoutState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("logout state already expired")
	}
	ok, err := s.client.SetNX(ctx, redisLogoutPrefix+st.Cookie, state, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisLogoutStore) Get(ctx context.Context, cookie string) (*LogoutState, error) {
	state, err := s.client.Get(ctx, redisLogoutPrefix+cookie).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var st LogoutState
	if err := json.Unmarshal([]byte(state), &st); err != nil {
		return nil, fmt.Errorf("corrupt logout state: %w", err)
	}
	return &st, nil
}

func (s *RedisLogoutStore) Put(ctx context.Context, st *LogoutState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("logout state already expired")
	}
	if err := s.client.Set(ctx, redisLogoutPrefix+st.Cookie, state, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisLogoutStore) Delete(ctx context.Context, cookie string) error {
	if err := s.client.Del(ctx, redisLogoutPrefix+cookie).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisLogoutStore) Close() error { return nil }
