package extract

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"questpay/internal/models"
)

const cacheKeyPrefix = "extract:fields:"

// Cache memoizes extraction results in Redis keyed by content hash. Redis
// errors fall through to the inner extractor; the cache is best-effort.
type Cache struct {
	inner  Extractor
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewCache(inner Extractor, client *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{inner: inner, client: client, ttl: ttl, log: log}
}

func (c *Cache) Extract(ctx context.Context, image []byte, contentHash string) (models.ReceiptFields, error) {
	key := cacheKeyPrefix + contentHash
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var fields models.ReceiptFields
		if err := json.Unmarshal([]byte(raw), &fields); err == nil {
			return fields, nil
		}
		c.log.Warn("discarding corrupt cached extraction", zap.String("content_hash", contentHash))
	} else if err != redis.Nil {
		c.log.Warn("extraction cache read failed", zap.Error(err))
	}

	fields, err := c.inner.Extract(ctx, image, contentHash)
	if err != nil {
		return models.ReceiptFields{}, err
	}

	if raw, err := json.Marshal(fields); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.Warn("extraction cache write failed", zap.Error(err))
		}
	}
	return fields, nil
}
