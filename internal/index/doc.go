// Package index implements the secondary index backends.
//
//   - BTree: ordered and writable, on github.com/google/btree. Iterators are
//     re-seeking cursors, so they survive concurrent inserts and removes.
//   - Hash: unordered and writable. Iterators walk a snapshot.
//   - Sorted: the immutable index of readonly segments, a memory mapped file
//     built once from entries sorted by (key, id). It also maps each id back
//     to its key.
//
// Keys are encoded rows of the index's key schema and are ordered with the
// schema's CompareData.
package index
