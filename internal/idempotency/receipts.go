package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "escrow:receipt"

// Backend is the durable record of gateway receipts keyed by idempotency key.
// The transaction store provides it.
type Backend interface {
	SaveReceipt(ctx context.Context, key, receipt string) error
	GetReceipt(ctx context.Context, key string) (string, error)
}

// Receipts caches gateway receipts in redis in front of the durable backend.
// A transition that committed but crashed before the gateway confirmed is
// retried against the same key; a recorded receipt means the money already
// moved and the retry must not call the gateway again.
type Receipts struct {
	redis   redis.Cmdable
	backend Backend
	ttl     time.Duration
}

func NewReceipts(rds redis.Cmdable, backend Backend, ttl time.Duration) *Receipts {
	return &Receipts{redis: rds, backend: backend, ttl: ttl}
}

// Lookup returns the recorded receipt for key, or domain.ErrNotFound.
func (r *Receipts) Lookup(ctx context.Context, key string) (string, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, redisKey(key)).Result()
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("redis receipt lookup failed", zap.Error(err), zap.String("key", key))
		}
	}

	receipt, err := r.backend.GetReceipt(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("lookup receipt: %w", err)
	}
	r.cache(ctx, key, receipt)
	return receipt, nil
}

// Record stores the receipt durably and caches it.
func (r *Receipts) Record(ctx context.Context, key, receipt string) error {
	if err := r.backend.SaveReceipt(ctx, key, receipt); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	r.cache(ctx, key, receipt)
	return nil
}

func (r *Receipts) cache(ctx context.Context, key, receipt string) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Set(ctx, redisKey(key), receipt, r.ttl).Err(); err != nil {
		zap.L().Warn("redis receipt cache set failed", zap.Error(err), zap.String("key", key))
	}
}

func redisKey(key string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, key)
}
