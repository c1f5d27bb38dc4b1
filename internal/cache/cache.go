package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BatchAttributes are the fields of a batch that never change after creation,
// so they can be served from Redis without touching the record store.
type BatchAttributes struct {
	NbFiles    int    `json:"nb_files"`
	TargetMime string `json:"target_mime"`
}

func (a BatchAttributes) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

func (a *BatchAttributes) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Cache struct {
	Redis     redis.UniversalClient
	Namespace string
	TTL       time.Duration
	logger    *zap.Logger
}

func NewCache(namespace string, ttl time.Duration, redisCl redis.UniversalClient, logger *zap.Logger) *Cache {
	return &Cache{
		Namespace: namespace,
		TTL:       ttl,
		Redis:     redisCl,
		logger:    logger,
	}
}

func (c *Cache) key(batchID string) string {
	return c.Namespace + ":" + batchID
}

// Attributes returns the cached attributes of a batch. ok is false on a miss.
func (c *Cache) Attributes(ctx context.Context, batchID string) (BatchAttributes, bool, error) {
	var attrs BatchAttributes
	err := c.Redis.Get(ctx, c.key(batchID)).Scan(&attrs)
	if errors.Is(err, redis.Nil) {
		return attrs, false, nil
	}
	if err != nil {
		return attrs, false, err
	}
	return attrs, true, nil
}

// Store data to Redis
func (c *Cache) StoreAttributes(ctx context.Context, batchID string, attrs BatchAttributes) error {
	err := c.Redis.Set(ctx, c.key(batchID), attrs, c.TTL).Err()
	if err != nil {
		c.logger.Warn("cache store failed", zap.String("batch_id", batchID), zap.Error(err))
	}
	return err
}

func (c *Cache) uploadKey(batchID, objectKey string) string {
	return c.key(batchID) + ":" + objectKey
}

// ClaimUpload marks objectKey as counted for the batch. It reports false when the key
// was already claimed.
func (c *Cache) ClaimUpload(ctx context.Context, batchID, objectKey string) (bool, error) {
	return c.Redis.SetNX(ctx, c.uploadKey(batchID, objectKey), 1, c.TTL).Result()
}

// ReleaseUpload drops a claim whose upload ended up not being counted.
func (c *Cache) ReleaseUpload(ctx context.Context, batchID, objectKey string) error {
	return c.Redis.Del(ctx, c.uploadKey(batchID, objectKey)).Err()
}
