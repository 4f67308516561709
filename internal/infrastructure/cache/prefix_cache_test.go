package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

func countingSource(prefixes map[id.ID]string, calls *atomic.Int32) numerator.PrefixSource {
	return numerator.PrefixSourceFunc(func(_ context.Context, orgID id.ID) (string, error) {
		calls.Add(1)
		return prefixes[orgID], nil
	})
}

func TestPrefixCache_HitsAndInvalidation(t *testing.T) {
	orgID := id.New()
	prefixes := map[id.ID]string{orgID: "FA"}
	var calls atomic.Int32
	cache := NewPrefixCache(countingSource(prefixes, &calls), time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		prefix, err := cache.Prefix(ctx, orgID)
		require.NoError(t, err)
		assert.Equal(t, "FA", prefix)
	}
	assert.Equal(t, int32(1), calls.Load())

	prefixes[orgID] = "RE"
	cache.Invalidate(orgID)
	prefix, err := cache.Prefix(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, "RE", prefix)
	assert.Equal(t, int32(2), calls.Load())

	cache.InvalidateAll()
	assert.Equal(t, 0, cache.Len())
}

func TestPrefixCache_CachesUnsetPrefix(t *testing.T) {
	var calls atomic.Int32
	cache := NewPrefixCache(countingSource(nil, &calls), time.Hour)
	orgID := id.New()

	for i := 0; i < 2; i++ {
		prefix, err := cache.Prefix(context.Background(), orgID)
		require.NoError(t, err)
		assert.Empty(t, prefix)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestPrefixCache_Expiry(t *testing.T) {
	var calls atomic.Int32
	cache := NewPrefixCache(countingSource(nil, &calls), 10*time.Millisecond)
	orgID := id.New()

	_, err := cache.Prefix(context.Background(), orgID)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = cache.Prefix(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPrefixCache_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("db down")
	cache := NewPrefixCache(numerator.PrefixSourceFunc(func(context.Context, id.ID) (string, error) {
		calls.Add(1)
		return "", boom
	}), time.Hour)
	orgID := id.New()

	_, err := cache.Prefix(context.Background(), orgID)
	assert.ErrorIs(t, err, boom)
	_, err = cache.Prefix(context.Background(), orgID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}
