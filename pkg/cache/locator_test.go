package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// countingSource is a PropertyLocator backed by a map that counts lookups
type countingSource struct {
	owners map[int64]int64
	calls  int
	err    error
}

func (s *countingSource) GetPropertyPortfolioID(_ context.Context, propertyID int64) (int64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	portfolioID, ok := s.owners[propertyID]
	if !ok {
		return 0, rbac.ErrPropertyNotFound
	}
	return portfolioID, nil
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewRedisClient(context.Background(), &Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPropertyLocator_Memory(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{owners: map[int64]int64{10: 1}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	l := NewPropertyLocator(source, nil, nil, metrics, nil)

	for i := 0; i < 3; i++ {
		portfolioID, err := l.GetPropertyPortfolioID(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), portfolioID)
	}
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.LocatorLookupsTotal.WithLabelValues(layerMemory, "hit")))

	t.Run("unknown properties are not cached", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := l.GetPropertyPortfolioID(ctx, 99)
			assert.ErrorIs(t, err, rbac.ErrPropertyNotFound)
		}
		assert.Equal(t, 3, source.calls)
		assert.Equal(t, 1, l.Len())
	})

	t.Run("invalidate forces a reload", func(t *testing.T) {
		require.NoError(t, l.Invalidate(ctx, 10))
		delete(source.owners, 10)
		_, err := l.GetPropertyPortfolioID(ctx, 10)
		assert.ErrorIs(t, err, rbac.ErrPropertyNotFound)
	})

	t.Run("source errors pass through", func(t *testing.T) {
		source.err = errors.New("connection reset")
		_, err := l.GetPropertyPortfolioID(ctx, 11)
		assert.ErrorContains(t, err, "connection reset")
		assert.NoError(t, l.Ping(ctx))
	})
}

func TestPropertyLocator_TTL(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{owners: map[int64]int64{10: 1}}
	l := NewPropertyLocator(source, &Config{Size: 100, TTL: 20 * time.Millisecond}, nil, nil, nil)

	_, err := l.GetPropertyPortfolioID(ctx, 10)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = l.GetPropertyPortfolioID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestPropertyLocator_Redis(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	config := &Config{Size: 100, TTL: time.Minute, RedisTTL: time.Hour}

	source := &countingSource{owners: map[int64]int64{10: 4}}
	first := NewPropertyLocator(source, config, client, nil, nil)
	portfolioID, err := first.GetPropertyPortfolioID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), portfolioID)

	stored, err := mr.Get(redisKey(10))
	require.NoError(t, err)
	assert.Equal(t, "4", stored)
	assert.Equal(t, time.Hour, mr.TTL(redisKey(10)))

	t.Run("second process reads the shared layer", func(t *testing.T) {
		second := NewPropertyLocator(source, config, client, nil, nil)
		portfolioID, err := second.GetPropertyPortfolioID(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(4), portfolioID)
		assert.Equal(t, 1, source.calls)
		assert.NoError(t, second.Ping(ctx))
	})

	t.Run("corrupt values are dropped", func(t *testing.T) {
		require.NoError(t, mr.Set(redisKey(20), "not-a-number"))
		source.owners[20] = 5
		l := NewPropertyLocator(source, config, client, nil, nil)
		portfolioID, err := l.GetPropertyPortfolioID(ctx, 20)
		require.NoError(t, err)
		assert.Equal(t, int64(5), portfolioID)
		stored, err := mr.Get(redisKey(20))
		require.NoError(t, err)
		assert.Equal(t, "5", stored)
	})

	t.Run("invalidate clears both layers", func(t *testing.T) {
		require.NoError(t, first.Invalidate(ctx, 10))
		assert.False(t, mr.Exists(redisKey(10)))
	})

	t.Run("redis outage falls back to the source", func(t *testing.T) {
		mr.SetError("ERR simulated outage")
		defer mr.SetError("")
		l := NewPropertyLocator(source, config, client, nil, nil)
		portfolioID, err := l.GetPropertyPortfolioID(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(4), portfolioID)
		assert.Error(t, l.Invalidate(ctx, 10))
	})
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), &Config{RedisURL: "://nope"})
	assert.ErrorContains(t, err, "invalid redis URL")
}
