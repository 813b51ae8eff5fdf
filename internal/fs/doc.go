// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test wrapper that fails opens, writes, syncs, closes or renames
//     on paths matching a pattern
//
// [WriteAtomic] and [WriteFileAtomic] implement the temp file, sync, rename
// sequence every segment file and dbmeta.json is persisted with.
//
// The package does not take context.Context. Local filesystem calls are not
// interruptible at the syscall level; remote storage goes through blobstore.
package fs
