package features

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/auroraguard/internal/txn"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "agg:"
	redisUpdatedField = "updated_at"
)

// ConnectRedis builds a client from a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore reads aggregates from one hash per entity at agg:<kind>#<id>.
// Numeric fields parse as numbers, anything else is categorical, and
// updated_at holds unix seconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed feature store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Lookup(ctx context.Context, key txn.EntityKey) (*Record, error) {
	data, err := s.client.HGetAll(ctx, redisKeyPrefix+key.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lookup %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	rec := &Record{Fields: make(map[string]Value, len(data))}
	for field, raw := range data {
		if field == redisUpdatedField {
			if unix, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil && unix > 0 {
				rec.UpdatedAt = time.Unix(unix, 0).UTC()
			}
			continue
		}
		if n, convErr := strconv.ParseFloat(raw, 64); convErr == nil {
			rec.Fields[field] = Num(n)
		} else {
			rec.Fields[field] = Cat(raw)
		}
	}
	return rec, nil
}

// Put writes aggregates for key with an expiry. Used for seeding and tests;
// production writes come from the streaming aggregator.
func (s *RedisStore) Put(ctx context.Context, key txn.EntityKey, rec Record, ttl time.Duration) error {
	redisKey := redisKeyPrefix + key.String()
	values := make(map[string]any, len(rec.Fields)+1)
	for field, v := range rec.Fields {
		values[field] = v.String()
	}
	values[redisUpdatedField] = rec.UpdatedAt.Unix()

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKey)
		p.HSet(ctx, redisKey, values)
		if ttl > 0 {
			p.Expire(ctx, redisKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
