// Package bitmap provides DelVec, the sized tombstone vector every segment
// keeps as isDel, also used by readonly segments to record purged rows.
//
// Bits are held in a 32-bit Roaring bitmap, so a segment addresses at most
// 2^32-1 local rows. Rank maps logical ids of a readonly segment to physical
// ones:
//
//	physical := logical - purged.Rank(logical)
//
// The on-disk form carries the size and delete count in a fixed header and a
// CRC32C footer; Load rejects files whose count disagrees with the payload.
package bitmap
