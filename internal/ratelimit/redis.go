package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindowStore keeps windows in a Redis sorted set per identifier
// (member per hit, scored by unix nanos) and block marks as plain keys
// with TTL. State is shared across nodes but only best-effort
// consistent; a race between count and record can over-admit by a few
// requests, which the engine tolerates.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore wraps an existing Redis client.
func NewRedisWindowStore(client redis.UniversalClient) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "keygate:rl"}
}

func (s *RedisWindowStore) windowKey(identifier string) string {
	return fmt.Sprintf("%s:w:%s", s.prefix, identifier)
}

func (s *RedisWindowStore) blockKey(identifier string) string {
	return fmt.Sprintf("%s:b:%s", s.prefix, identifier)
}

func (s *RedisWindowStore) CountInWindow(ctx context.Context, identifier string, now time.Time, window time.Duration) (int, error) {
	key := s.windowKey(identifier)
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis window count: %w", err)
	}
	return int(card.Val()), nil
}

func (s *RedisWindowStore) RecordHit(ctx context.Context, identifier string, now time.Time, window time.Duration) error {
	key := s.windowKey(identifier)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score: float64(now.UnixNano()),
		// A UUID member keeps same-nanosecond hits distinct.
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record hit: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) SetBlock(ctx context.Context, identifier string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.blockKey(identifier), until.UnixNano(), ttl).Err(); err != nil {
		return fmt.Errorf("redis set block: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) BlockedUntil(ctx context.Context, identifier string, now time.Time) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, s.blockKey(identifier)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis block lookup: %w", err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis block value corrupt: %w", err)
	}
	until := time.Unix(0, nanos)
	if now.After(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *RedisWindowStore) ClearBlock(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, s.blockKey(identifier)).Err(); err != nil {
		return fmt.Errorf("redis clear block: %w", err)
	}
	return nil
}

var _ WindowStore = (*RedisWindowStore)(nil)
