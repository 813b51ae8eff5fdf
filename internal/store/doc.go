// Package store implements the row stores segments are built from.
//
// MemStore backs writable segments: an in-memory slice of rows, saved as a
// single checksummed file. Part is the immutable store of a readonly
// segment: rows packed into compressed blocks behind a block index, memory
// mapped, with decoded blocks shared through a cache.BlockCache. Blocks are
// guarded by xxhash64, the block index and footer by CRC32C.
package store
