// Package cache memoizes the property to portfolio topology the authorizer
// consults on every property decision.
//
// Only topology is cached. Memberships, roles and access overrides are never
// cached, so a role change is visible to the very next decision. A property
// never moves between portfolios; deleting one must call Invalidate.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

const (
	layerMemory = "memory"
	layerRedis  = "redis"
	layerSource = "source"
)

// PropertyLocator is a read-through rbac.PropertyLocator with an in-process
// LRU in front of an optional shared Redis layer.
type PropertyLocator struct {
	source  rbac.PropertyLocator
	local   *lru.LRU[int64, int64]
	redis   *redis.Client
	config  *Config
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewPropertyLocator wraps source. client may be nil to run without Redis.
func NewPropertyLocator(source rbac.PropertyLocator, config *Config, client *redis.Client, metrics *observability.Metrics, logger *observability.Logger) *PropertyLocator {
	if config == nil {
		config = DefaultConfig()
	}
	size := config.Size
	if size < 10 {
		size = 10
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PropertyLocator{
		source:  source,
		local:   lru.NewLRU[int64, int64](size, nil, config.TTL),
		redis:   client,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

func redisKey(propertyID int64) string {
	return fmt.Sprintf("property:portfolio:%d", propertyID)
}

// GetPropertyPortfolioID implements rbac.PropertyLocator. Unknown properties
// are not cached.
func (l *PropertyLocator) GetPropertyPortfolioID(ctx context.Context, propertyID int64) (int64, error) {
	if portfolioID, ok := l.local.Get(propertyID); ok {
		l.metrics.RecordLocatorLookup(layerMemory, "hit")
		return portfolioID, nil
	}
	l.metrics.RecordLocatorLookup(layerMemory, "miss")

	if l.redis != nil {
		if portfolioID, ok := l.getShared(ctx, propertyID); ok {
			l.local.Add(propertyID, portfolioID)
			return portfolioID, nil
		}
	}

	portfolioID, err := l.source.GetPropertyPortfolioID(ctx, propertyID)
	if errors.Is(err, rbac.ErrPropertyNotFound) {
		l.metrics.RecordLocatorLookup(layerSource, "not_found")
		return 0, err
	}
	if err != nil {
		l.metrics.RecordLocatorLookup(layerSource, "error")
		return 0, err
	}
	l.metrics.RecordLocatorLookup(layerSource, "hit")

	l.local.Add(propertyID, portfolioID)
	if l.redis != nil {
		if err := l.redis.Set(ctx, redisKey(propertyID), portfolioID, l.config.RedisTTL).Err(); err != nil {
			l.logger.WithError(err).WithField("property_id", propertyID).Warn("failed to populate redis property cache")
		}
	}
	return portfolioID, nil
}

// getShared reads the Redis layer. Errors and corrupt values count as misses.
func (l *PropertyLocator) getShared(ctx context.Context, propertyID int64) (int64, bool) {
	key := redisKey(propertyID)
	data, err := l.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		l.metrics.RecordLocatorLookup(layerRedis, "miss")
		return 0, false
	} else if err != nil {
		l.metrics.RecordLocatorLookup(layerRedis, "error")
		l.logger.WithError(err).WithField("property_id", propertyID).Warn("redis property cache unavailable")
		return 0, false
	}

	portfolioID, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		l.redis.Del(ctx, key)
		l.metrics.RecordLocatorLookup(layerRedis, "error")
		return 0, false
	}
	l.metrics.RecordLocatorLookup(layerRedis, "hit")
	return portfolioID, true
}

// Invalidate implements rbac.PropertyInvalidator
func (l *PropertyLocator) Invalidate(ctx context.Context, propertyID int64) error {
	l.local.Remove(propertyID)
	if l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, redisKey(propertyID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate property %d: %w", propertyID, err)
	}
	return nil
}

// Len returns the number of properties cached in process
func (l *PropertyLocator) Len() int {
	return l.local.Len()
}

// Ping checks the Redis layer; it is a no-op without one
func (l *PropertyLocator) Ping(ctx context.Context) error {
	if l.redis == nil {
		return nil
	}
	return l.redis.Ping(ctx).Err()
}

var (
	_ rbac.PropertyLocator     = (*PropertyLocator)(nil)
	_ rbac.PropertyInvalidator = (*PropertyLocator)(nil)
)
