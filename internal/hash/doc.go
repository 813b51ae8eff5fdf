// Package hash provides the CRC32-Castagnoli checksums that guard every
// file a table writes.
//
// Small files (tombstones, writable stores, block indexes) carry a 4-byte
// footer:
//
//	data := hash.AppendFooter(payload)
//	payload, err := hash.SplitFooter(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
//
// Go's crc32 package uses SSE4.2 or the ARM CRC extension when available.
package hash
