package cache

import (
	"testing"

	"github.com/hupe1980/segtable/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUBlockCache(30, nil)
	k1, k2, k3 := CacheKey{Part: 1}, CacheKey{Part: 1, Block: 1}, CacheKey{Part: 2}

	c.Set(k1, make([]byte, 10))
	c.Set(k2, make([]byte, 10))
	_, ok := c.Get(k1)
	require.True(t, ok)

	c.Set(k3, make([]byte, 15))
	_, ok = c.Get(k2)
	assert.False(t, ok, "k2 was least recently used")
	_, ok = c.Get(k1)
	assert.True(t, ok)
	assert.Equal(t, int64(25), c.Size())

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRUEdgeCases(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRUBlockCache(50, rc)
	k := CacheKey{Part: 1, Block: 1}

	c.Set(k, make([]byte, 60))
	_, ok := c.Get(k)
	assert.False(t, ok, "item larger than capacity is not cached")

	c.Set(k, make([]byte, 10))
	assert.Equal(t, int64(10), c.Size())
	c.Set(k, make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())
	c.Set(k, make([]byte, 5))
	assert.Equal(t, int64(5), c.Size())
	assert.Equal(t, int64(5), rc.MemoryUsage())

	rc2 := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	c2 := NewLRUBlockCache(50, rc2)
	c2.Set(k, make([]byte, 8))
	c2.Set(k, make([]byte, 12))
	val, ok := c2.Get(k)
	require.True(t, ok)
	assert.Len(t, val, 8, "growth rejected by the controller")

	require.NoError(t, c.Close())
	assert.Zero(t, rc.MemoryUsage())
}

func TestShardedInvalidatePart(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	c := NewShardedLRUBlockCache(1<<16, rc)
	p1, p2 := NextPartID(), NextPartID()
	require.NotEqual(t, p1, p2)

	for b := uint32(0); b < 20; b++ {
		c.Set(CacheKey{Part: p1, Block: b}, []byte("block"))
		c.Set(CacheKey{Part: p2, Block: b}, []byte("block"))
	}
	assert.Equal(t, int64(200), c.Size())

	InvalidatePart(c, p1)
	_, ok := c.Get(CacheKey{Part: p1, Block: 3})
	assert.False(t, ok)
	_, ok = c.Get(CacheKey{Part: p2, Block: 3})
	assert.True(t, ok)
	assert.Equal(t, int64(100), rc.MemoryUsage())
}
