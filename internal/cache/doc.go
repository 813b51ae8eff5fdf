// Package cache holds decompressed blocks of readonly store parts.
//
// ShardedLRUBlockCache spreads keys over 16 LRU shards and charges every
// cached byte to the resource controller. When the controller's memory
// budget is exhausted a Set is dropped, so a busy conversion turns into cache
// misses instead of blocking scans.
package cache
