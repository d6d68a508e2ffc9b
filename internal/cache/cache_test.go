package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pipeline-runtime/internal/cachekey"
)

func openTestCache(t *testing.T, l1Capacity int) *Cache {
	t.Helper()
	c, err := Open(context.Background(), Config{
		Path:       filepath.Join(t.TempDir(), "cache.db"),
		L1Capacity: l1Capacity,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_PutGetIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, 4)

	require.NoError(t, c.Put(ctx, "k1", []byte("v1")))
	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// Repeated identical put is observably a no-op.
	require.NoError(t, c.Put(ctx, "k1", []byte("v1")))
	got, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
}

func TestCache_MissThenL2Promotion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, 2)

	_, ok, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	// Fill L1 past capacity so "k1" is evicted from memory but stays in L2.
	require.NoError(t, c.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, c.Put(ctx, "k2", []byte("v2")))
	require.NoError(t, c.Put(ctx, "k3", []byte("v3")))
	assert.Equal(t, 2, c.l1.Len())

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok, "evicted entry must still hit via L2")
	assert.Equal(t, []byte("v1"), got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.L2Hits)
	assert.Equal(t, int64(1), stats.Misses)

	// Promotion: the next read is an L1 hit.
	_, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().L1Hits)
}

func TestCache_LRUEvictionOrder(t *testing.T) {
	t.Parallel()
	tier := newLRUTier(2)

	tier.Put("a", []byte("1"))
	tier.Put("b", []byte("2"))

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := tier.Get("a")
	require.True(t, ok)

	evicted, didEvict := tier.Put("c", []byte("3"))
	require.True(t, didEvict)
	assert.Equal(t, "b", evicted)

	_, ok = tier.Get("a")
	assert.True(t, ok)
	_, ok = tier.Get("b")
	assert.False(t, ok)
}

func TestCache_CorruptionIsAMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, 1)

	require.NoError(t, c.Put(ctx, "k1", []byte("v1")))
	require.NoError(t, c.Put(ctx, "k2", []byte("v2"))) // pushes k1 out of L1

	require.NoError(t, c.l2.corruptRow(ctx, "k1", []byte("garbage")))

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err, "corruption must never surface as an error")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), c.Stats().Corruptions)

	// The corrupt row is gone; a fresh put works.
	require.NoError(t, c.Put(ctx, "k1", []byte("v1-recomputed")))
	got, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1-recomputed"), got)
}

func TestCache_ModelVersionInvalidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, 4)

	comps := cachekey.Components{
		InputHash:           cachekey.HashBytes([]byte("input-X")),
		ExtractorVersion:    "extractor-1.0",
		ModelVersion:        "v1",
		ThresholdConfigHash: cachekey.HashBytes([]byte("thresholds")),
		ConfigHash:          cachekey.HashBytes([]byte("config")),
	}
	keyV1, err := cachekey.Derive(comps)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, keyV1, []byte("computed-under-v1")))

	comps.ModelVersion = "v2"
	keyV2, err := cachekey.Derive(comps)
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, keyV2)
	require.NoError(t, err)
	assert.False(t, ok, "a new model version must never read an old version's entry")
}

func TestCache_LastWriterWinsSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, 8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Put(ctx, "contested", []byte(fmt.Sprintf("writer-%d", i)))
		}(i)
	}
	wg.Wait()

	got, ok, err := c.Get(ctx, "contested")
	require.NoError(t, err)
	require.True(t, ok)
	// Some writer won; the stored value is one complete write, not a blend.
	assert.Regexp(t, `^writer-[0-7]$`, string(got))
}

func TestCache_ConcurrentDistinctKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := openTestCache(t, 64)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", i)
			if err := c.Put(ctx, key, []byte(key)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("k-%d", i)
		got, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(key), got)
	}
}

func TestCache_FlushAndReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := Open(ctx, Config{Path: path, L1Capacity: 4})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "durable", []byte("survives")))
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close())

	c2, err := Open(ctx, Config{Path: path, L1Capacity: 4})
	require.NoError(t, err)
	defer c2.Close()

	got, ok, err := c2.Get(ctx, "durable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("survives"), got)
}
