package table

import "github.com/hupe1980/segtable/internal/segment"

// SegmentStats describes one segment.
type SegmentStats struct {
	Index        int
	Kind         string
	Dir          string
	Rows         int64
	Deleted      int64
	DataBytes    int64
	IndexBytes   int64
	Parts        int
	Frozen       bool
	PendingMerge bool
}

// Stats is a point-in-time summary of a table.
type Stats struct {
	Rows        int64
	LiveRows    int64
	DeletedRows int64
	Segments    []SegmentStats
	// FlushQueue and ConvertQueue are the scheduler queue depths. They
	// include tasks of other tables sharing the scheduler.
	FlushQueue   int
	ConvertQueue int
	ScansOpen    int64
}

// Stats returns a summary of the table.
func (t *Table) Stats() (Stats, error) {
	if t.closed.Load() {
		return Stats{}, ErrClosed
	}
	t.lock.RLock()
	var st Stats
	for i, s := range t.segs {
		seg := s.seg
		ss := SegmentStats{
			Index:      i,
			Kind:       seg.Kind().String(),
			Dir:        seg.Dir(),
			Rows:       seg.NumDataRows(),
			Deleted:    seg.DelVec().DelCount(),
			DataBytes:  seg.DataStorageSize(),
			IndexBytes: seg.IndexStorageSize(),
			Frozen:     i < len(t.segs)-1,
		}
		switch v := seg.(type) {
		case *segment.Readonly:
			ss.Parts = v.NumParts()
		case *segment.Writable:
			t.pendingMu.Lock()
			ss.PendingMerge = t.pending[v]
			t.pendingMu.Unlock()
		}
		st.Rows += ss.Rows
		st.DeletedRows += ss.Deleted
		st.Segments = append(st.Segments, ss)
	}
	t.lock.RUnlock()
	st.LiveRows = st.Rows - st.DeletedRows
	st.FlushQueue, st.ConvertQueue = t.sched.Len()
	st.ScansOpen = t.scanRef.Load()
	return st, nil
}
