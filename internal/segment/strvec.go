package segment

import (
	"cmp"
	"slices"
)

type strRef struct {
	off uint32
	n   uint32
	id  int64
}

// SortableStrVec collects (key, id) pairs in one byte arena and sorts them by
// key, then id. It feeds index.BuildSorted.
type SortableStrVec struct {
	buf     []byte
	refs    []strRef
	compare func(a, b []byte) int
}

// NewSortableStrVec returns an empty vector ordered by compare.
func NewSortableStrVec(compare func(a, b []byte) int) *SortableStrVec {
	return &SortableStrVec{compare: compare}
}

// Append copies key into the arena.
func (v *SortableStrVec) Append(key []byte, id int64) {
	v.refs = append(v.refs, strRef{off: uint32(len(v.buf)), n: uint32(len(key)), id: id})
	v.buf = append(v.buf, key...)
}

func (v *SortableStrVec) Len() int { return len(v.refs) }

func (v *SortableStrVec) Key(i int) []byte {
	r := v.refs[i]
	return v.buf[r.off : r.off+r.n : r.off+r.n]
}

func (v *SortableStrVec) ID(i int) int64 { return v.refs[i].id }

// MemSize approximates the bytes held.
func (v *SortableStrVec) MemSize() int64 {
	return int64(cap(v.buf) + cap(v.refs)*16)
}

// Sort orders the pairs. Ids break ties so equal keys keep row order.
func (v *SortableStrVec) Sort() {
	slices.SortFunc(v.refs, func(a, b strRef) int {
		if c := v.compare(v.buf[a.off:a.off+a.n], v.buf[b.off:b.off+b.n]); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}
