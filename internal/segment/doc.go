// Package segment implements the two kinds of table segments.
//
// A segment owns a contiguous range of local row ids, a tombstone vector and
// one index per table index.
//
//   - Writable: a pluggable store plus writable indexes. Rows are appended,
//     replaced in place, and removed.
//   - Readonly: immutable sorted indexes plus compressed parts holding the
//     columns no index covers. Rows are rebuilt from both column groups.
//
// ConvFrom turns a frozen writable segment into a readonly one while
// preserving local ids.
package segment
