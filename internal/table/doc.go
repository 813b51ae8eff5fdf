// Package table implements the composite table: an ordered list of
// segments with one active writable segment at the end, the merge
// iterators across them, and the background compaction pipeline.
//
// Global row ids are virtualized through rowNumVec, the prefix sum of
// segment sizes. Every structural change happens under the table's write
// lock and bumps a generation counter that open iterators use to
// resynchronize.
package table
