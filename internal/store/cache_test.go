package store

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
)

func TestCachedStore_HitsAndInvalidation(t *testing.T) {
	s, _ := openTestStore(t)
	metrics := observability.NewMetricsForTesting()
	c := NewCachedStore(s, 4, metrics)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, domain.Camp, 2025, []domain.Record{{"uid": "c1"}}))

	first, err := c.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	second, err := c.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PartitionCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PartitionCache.WithLabelValues("miss")))

	require.NoError(t, c.Put(ctx, domain.Camp, 2025, []domain.Record{{"uid": "c2"}, {"uid": "c3"}}))
	got, err := c.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c3"}, uids(got))

	require.NoError(t, c.Clear(ctx, domain.Camp, 2025))
	got, err = c.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.Put(ctx, domain.Art, 2024, []domain.Record{{"uid": "a1"}}))
	_, err = c.Get(ctx, domain.Art, 2024)
	require.NoError(t, err)
	require.NoError(t, c.ClearYear(ctx, 2024))
	got, err = c.Get(ctx, domain.Art, 2024)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCachedStore_ReadRacingWriteIsNotCached(t *testing.T) {
	s, _ := openTestStore(t)
	c := NewCachedStore(s, 4, observability.NewMetricsForTesting())
	ctx := context.Background()
	key := partitionKey{domain.Camp, 2025}

	require.NoError(t, c.Put(ctx, domain.Camp, 2025, []domain.Record{{"uid": "old"}}))

	// A miss reads the old rows, then a write commits before the miss fills.
	gen := c.generation(key)
	stale, err := s.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, domain.Camp, 2025, []domain.Record{{"uid": "new"}}))
	c.fill(key, gen, stale)

	got, err := c.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, uids(got))

	got, err = c.Get(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, uids(got), "the fresh read is cached")
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache[string, int](2)
	c.put("a", 1)
	c.put("b", 2)
	_, _ = c.get("a")
	c.put("c", 3)

	_, ok := c.get("b")
	assert.False(t, ok)
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.size())

	c.remove("a")
	c.remove("missing")
	assert.Equal(t, 1, c.size())
}
