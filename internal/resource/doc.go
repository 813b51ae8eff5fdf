// Package resource governs memory, background concurrency and background IO
// for tables.
//
//	┌───────────────────────────────────────────────────────────┐
//	│                        Controller                         │
//	├──────────────────┬──────────────────┬─────────────────────┤
//	│  Memory          │  Background      │  IO                 │
//	│  conversion      │  compaction      │  part and backup    │
//	│  builds, cache   │  task slots      │  writes             │
//	└──────────────────┴──────────────────┴─────────────────────┘
//
// Readonly conversion reserves its expected build footprint with
// AcquireMemory before it starts, and the block cache uses TryAcquireMemory
// so that a full budget turns into cache misses rather than stalls.
//
// All methods accept a nil *Controller and become no-ops.
package resource
