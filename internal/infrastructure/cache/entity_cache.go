package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ domain_service.EntityResolver = (*EntityCache)(nil)

const entityKeyPrefix = "whale:entity:"

// EntityCache is a read-through Redis cache in front of an EntityResolver.
// Only successful lookups are cached; a Redis outage degrades to direct lookups.
type EntityCache struct {
	next   domain_service.EntityResolver
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *logger.Logger
}

// NewEntityCache wraps next with a cache of the given TTL
func NewEntityCache(next domain_service.EntityResolver, rdb redis.Cmdable, ttl time.Duration, log *logger.Logger) *EntityCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &EntityCache{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: log.WithComponent("entity-cache"),
	}
}

// ResolveEntity returns the cached entity info of address or asks the wrapped resolver
func (c *EntityCache) ResolveEntity(ctx context.Context, address, chain string) (entity.EntityInfo, error) {
	key := entityKeyPrefix + chain + ":" + address

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var info entity.EntityInfo
		if err := json.Unmarshal(data, &info); err == nil {
			return info, nil
		}
		c.logger.Warn("Dropping undecodable cached entity", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Entity cache read failed", zap.String("key", key), zap.Error(err))
	}

	info, err := c.next.ResolveEntity(ctx, address, chain)
	if err != nil {
		return entity.EntityInfo{}, err
	}

	if data, err := json.Marshal(info); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Entity cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return info, nil
}
