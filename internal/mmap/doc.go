// Package mmap provides read-only memory-mapped file access.
//
// Readonly segment files (sorted indexes and compressed store parts) are
// immutable once written, so they are mapped rather than read into the heap:
//
//	m, err := mmap.OpenWithHint(path, mmap.HintPointReads)
//	if err != nil { ... }
//	defer m.Close()
//	hdr, err := m.Slice(0, headerSize)
//
// Unix uses mmap(2) and madvise(2); Windows uses CreateFileMapping and
// MapViewOfFile, where Advise is a no-op.
//
// A Mapping stays valid after its file is renamed, which readonly conversion
// relies on when it moves a finished build directory into place. Callers must
// not touch slices obtained from a Mapping after Close.
package mmap
