package cache

import (
	"sync/atomic"

	"github.com/hupe1980/segtable/internal/resource"
)

const numShards = 16

var _ BlockCache = (*ShardedLRUBlockCache)(nil)

// ShardedLRUBlockCache distributes entries across shards to reduce lock
// contention between concurrent scans.
type ShardedLRUBlockCache struct {
	shards [numShards]*LRUBlockCache
}

// NewShardedLRUBlockCache creates a new sharded LRU cache.
// The capacity is divided evenly across all shards.
func NewShardedLRUBlockCache(capacity int64, rc *resource.Controller) *ShardedLRUBlockCache {
	shardCapacity := max(capacity/numShards, 1)
	s := &ShardedLRUBlockCache{}
	for i := range numShards {
		s.shards[i] = NewLRUBlockCache(shardCapacity, rc)
	}
	return s
}

// shard mixes the key with splitmix64 so consecutive blocks spread out.
func (s *ShardedLRUBlockCache) shard(key CacheKey) *LRUBlockCache {
	x := key.Part*0x9e3779b97f4a7c15 + uint64(key.Block)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return s.shards[x%numShards]
}

// Get returns a cached block.
func (s *ShardedLRUBlockCache) Get(key CacheKey) ([]byte, bool) {
	return s.shard(key).Get(key)
}

// Set caches a block.
func (s *ShardedLRUBlockCache) Set(key CacheKey, b []byte) {
	s.shard(key).Set(key, b)
}

// Invalidate removes entries matching the predicate from every shard.
func (s *ShardedLRUBlockCache) Invalidate(predicate func(key CacheKey) bool) {
	for _, shard := range s.shards {
		shard.Invalidate(predicate)
	}
}

// Close closes all shards.
func (s *ShardedLRUBlockCache) Close() error {
	for _, shard := range s.shards {
		if err := shard.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns aggregated hit/miss statistics.
func (s *ShardedLRUBlockCache) Stats() (hits, misses int64) {
	for _, shard := range s.shards {
		h, m := shard.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total size across all shards.
func (s *ShardedLRUBlockCache) Size() int64 {
	var total int64
	for _, shard := range s.shards {
		total += shard.Size()
	}
	return total
}

var nextPartID atomic.Uint64

// NextPartID allocates a process-unique part id for cache keys.
func NextPartID() uint64 {
	return nextPartID.Add(1)
}
