package cache

// CacheKey identifies one decompressed block of a readonly store part.
// Part ids are allocated per process, so keys never collide across segments.
type CacheKey struct {
	Part  uint64
	Block uint32
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(key CacheKey) (b []byte, ok bool)
	// Set caches a block. Callers must treat b as immutable afterwards.
	Set(key CacheKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	// Close releases any resources.
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
	// Size returns the cached bytes.
	Size() int64
}

// InvalidatePart drops every block of part from c.
func InvalidatePart(c BlockCache, part uint64) {
	if c == nil {
		return
	}
	c.Invalidate(func(k CacheKey) bool { return k.Part == part })
}
