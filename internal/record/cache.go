package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"refdata/internal/domain"
	platformredis "refdata/internal/platform/redis"
)

// CurrentCache is a read-through cache for current heads. Reference data is
// read-heavy and slow-changing, so heads cache well; mutations invalidate.
// Cache failures degrade to store reads, never to errors.
type CurrentCache interface {
	Get(ctx context.Context, system domain.CodeSystem, naturalKey string) (domain.VersionedRecord, bool)
	Set(ctx context.Context, rec domain.VersionedRecord)
	Invalidate(ctx context.Context, system domain.CodeSystem, naturalKey string)
}

// RedisCache caches current heads in Redis with a TTL safety net.
type RedisCache struct {
	client *platformredis.Client
	ttl    time.Duration
}

func NewRedisCache(client *platformredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(system domain.CodeSystem, naturalKey string) string {
	return fmt.Sprintf("refdata:current:%s:%s", system, naturalKey)
}

func (c *RedisCache) Get(ctx context.Context, system domain.CodeSystem, naturalKey string) (domain.VersionedRecord, bool) {
	raw, err := c.client.Get(ctx, cacheKey(system, naturalKey)).Bytes()
	if err != nil {
		return domain.VersionedRecord{}, false
	}
	var rec domain.VersionedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.VersionedRecord{}, false
	}
	return rec, true
}

func (c *RedisCache) Set(ctx context.Context, rec domain.VersionedRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(rec.CodeSystem, rec.NaturalKey), raw, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, system domain.CodeSystem, naturalKey string) {
	c.client.Del(ctx, cacheKey(system, naturalKey))
}
