package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"checkout-orchestrator/internal/domain"
)

// OutcomeCache holds idempotency records whose outcome can be replayed as is.
type OutcomeCache interface {
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Set(ctx context.Context, rec *domain.IdempotencyRecord) error
}

type redisCache struct {
	client      *redis.Client
	serviceName string
}

func NewRedisCache(client *redis.Client, serviceName string) OutcomeCache {
	return &redisCache{client: client, serviceName: serviceName}
}

// Get returns nil, nil on a miss.
func (r *redisCache) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	raw, err := r.client.Get(ctx, r.generateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %q: %w", key, err)
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return &rec, nil
}

// Set stores rec until it expires. Only replayable records are cached.
func (r *redisCache) Set(ctx context.Context, rec *domain.IdempotencyRecord) error {
	if !rec.State.Replayable() {
		return nil
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", rec.Key, err)
	}
	if err := r.client.Set(ctx, r.generateKey(rec.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", rec.Key, err)
	}
	return nil
}

func (r *redisCache) generateKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", r.serviceName, key)
}
