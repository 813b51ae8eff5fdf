package table

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segtable/internal/segment"
)

func drainIDs(t *testing.T, it *StoreIterator) []int64 {
	t.Helper()
	var out []int64
	for {
		id, _, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, id)
	}
}

type indexEntry struct {
	id int64
	k  int32
}

func drainIndex(t *testing.T, tbl *Table, it *IndexIterator) []indexEntry {
	t.Helper()
	var out []indexEntry
	for {
		id, key, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, indexEntry{id: id, k: keyValue(t, tbl, key)})
	}
}

func keyValue(t *testing.T, tbl *Table, key []byte) int32 {
	t.Helper()
	vals, err := tbl.Config().Indexes[0].Key.DecodeValues(key)
	require.NoError(t, err)
	v, ok := vals["k"].(int64)
	require.True(t, ok, "key column decodes as %T", vals["k"])
	return int32(v)
}

func frozenWritable(t *testing.T, tbl *Table, i int) *segment.Writable {
	t.Helper()
	tbl.lock.RLock()
	defer tbl.lock.RUnlock()
	w, ok := tbl.segs[i].seg.(*segment.Writable)
	require.True(t, ok)
	return w
}

func TestStoreIterSkipsTombstonesAcrossSegments(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 9; i++ {
		mustInsert(t, tbl, i, 0, "row")
		if i%3 == 2 {
			require.NoError(t, tbl.Rollover())
		}
	}
	require.NoError(t, tbl.RemoveRow(1))
	require.NoError(t, tbl.RemoveRow(4))
	_, err := tbl.Compact(context.Background())
	require.NoError(t, err)
	require.NoError(t, tbl.RemoveRow(7))

	fwd, err := tbl.NewStoreIterForward()
	require.NoError(t, err)
	defer func() { _ = fwd.Close() }()
	assert.Equal(t, []int64{0, 2, 3, 5, 6, 8}, drainIDs(t, fwd))

	bwd, err := tbl.NewStoreIterBackward()
	require.NoError(t, err)
	defer func() { _ = bwd.Close() }()
	assert.Equal(t, []int64{8, 6, 5, 3, 2, 0}, drainIDs(t, bwd))
}

func TestStoreIterSeesGrowth(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 0, 0, "a")
	it, err := tbl.NewStoreIterForward()
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	assert.Equal(t, []int64{0}, drainIDs(t, it))

	mustInsert(t, tbl, 1, 0, "b")
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 2, 0, "c")
	assert.Equal(t, []int64{1, 2}, drainIDs(t, it))
	assert.Equal(t, 1, int(tbl.scanRef.Load()))
}

func TestStoreIterSurvivesConversion(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 6; i++ {
		mustInsert(t, tbl, i, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 6, 0, "row")

	for _, backward := range []bool{false, true} {
		var it *StoreIterator
		var err error
		if backward {
			it, err = tbl.NewStoreIterBackward()
		} else {
			it, err = tbl.NewStoreIterForward()
		}
		require.NoError(t, err)
		var got []int64
		for len(got) < 3 {
			id, _, ok := it.Next()
			require.True(t, ok)
			got = append(got, id)
		}
		if !backward {
			// Conversion started before the scan, so it is not refused.
			w := frozenWritable(t, tbl, 0)
			converted, err := tbl.convertSegment(context.Background(), w)
			require.NoError(t, err)
			require.True(t, converted)
		}
		got = append(got, drainIDs(t, it)...)
		require.NoError(t, it.Close())
		if backward {
			assert.Equal(t, []int64{6, 5, 4, 3, 2, 1, 0}, got)
		} else {
			assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, got)
		}
	}
}

func TestStoreIterSeek(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 6; i++ {
		mustInsert(t, tbl, i, 0, "row")
		if i == 2 {
			require.NoError(t, tbl.Rollover())
		}
	}
	require.NoError(t, tbl.RemoveRow(4))

	it, err := tbl.NewStoreIterForward()
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	it.Seek(2)
	assert.Equal(t, []int64{2, 3, 5}, drainIDs(t, it))

	row, ok := it.SeekExact(3)
	require.True(t, ok)
	assert.Equal(t, encode(t, tbl, 3, 0, "row"), row)
	assert.Equal(t, []int64{5}, drainIDs(t, it))

	_, ok = it.SeekExact(4)
	assert.False(t, ok)
	id, _, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, int64(5), id)

	bwd, err := tbl.NewStoreIterBackward()
	require.NoError(t, err)
	defer func() { _ = bwd.Close() }()
	bwd.Seek(4)
	assert.Equal(t, []int64{3, 2, 1, 0}, drainIDs(t, bwd))
	bwd.Seek(100)
	assert.Equal(t, []int64{5, 3, 2, 1, 0}, drainIDs(t, bwd))
	bwd.Reset()
	assert.Len(t, drainIDs(t, bwd), 5)
}

func TestIndexIterMergesSegments(t *testing.T) {
	tbl := newTestTable(t)
	// Segment 0: 5, 1, 9. Segment 1: 3, 7. Segment 2: 4.
	for _, k := range []int{5, 1, 9} {
		mustInsert(t, tbl, k, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	for _, k := range []int{3, 7} {
		mustInsert(t, tbl, k, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 4, 0, "row")
	_, err := tbl.Compact(context.Background())
	require.NoError(t, err)
	require.NoError(t, tbl.RemoveRow(4)) // k=7

	fwd, err := tbl.NewIndexIterForward(0)
	require.NoError(t, err)
	defer func() { _ = fwd.Close() }()
	assert.Equal(t, []indexEntry{{1, 1}, {3, 3}, {5, 4}, {0, 5}, {2, 9}}, drainIndex(t, tbl, fwd))

	bwd, err := tbl.NewIndexIterBackward(0)
	require.NoError(t, err)
	defer func() { _ = bwd.Close() }()
	assert.Equal(t, []indexEntry{{2, 9}, {0, 5}, {5, 4}, {3, 3}, {1, 1}}, drainIndex(t, tbl, bwd))

	ret, id, key := fwd.SeekLowerBound(indexKey(t, tbl, 0, 4, 0))
	assert.Equal(t, 0, ret)
	assert.Equal(t, int64(5), id)
	assert.Equal(t, int32(4), keyValue(t, tbl, key))
	assert.Equal(t, []indexEntry{{0, 5}, {2, 9}}, drainIndex(t, tbl, fwd))

	ret, id, _ = fwd.SeekLowerBound(indexKey(t, tbl, 0, 6, 0))
	assert.Equal(t, 1, ret)
	assert.Equal(t, int64(2), id)
	ret, _, _ = fwd.SeekLowerBound(indexKey(t, tbl, 0, 10, 0))
	assert.Equal(t, -1, ret)

	ret, id, _ = bwd.SeekLowerBound(indexKey(t, tbl, 0, 6, 0))
	assert.Equal(t, 1, ret)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, []indexEntry{{5, 4}, {3, 3}, {1, 1}}, drainIndex(t, tbl, bwd))

	got, ok := fwd.SeekExact(indexKey(t, tbl, 0, 3, 0))
	require.True(t, ok)
	assert.Equal(t, int64(3), got)
	_, ok = fwd.SeekExact(indexKey(t, tbl, 0, 7, 0))
	assert.False(t, ok)

	fwd.Reset()
	assert.Len(t, drainIndex(t, tbl, fwd), 5)
}

func TestIndexIterDuplicateKeysAcrossSegments(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 1, 2, "a")
	mustInsert(t, tbl, 2, 2, "b")
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 3, 2, "c")
	mustInsert(t, tbl, 4, 1, "d")

	// Index 1 is unordered: segment by segment, every live entry once.
	it, err := tbl.NewIndexIterForward(1)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	var ids []int64
	for {
		id, _, ok := it.Next()
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	require.Len(t, ids, 4)
	assert.ElementsMatch(t, []int64{0, 1}, ids[:2])
	assert.ElementsMatch(t, []int64{2, 3}, ids[2:])

	got, ok := it.SeekExact(indexKey(t, tbl, 1, 0, 2))
	require.True(t, ok)
	assert.Equal(t, int64(2), got, "newest segment first")
}

func TestIndexIterSurvivesConversion(t *testing.T) {
	tbl := newTestTable(t)
	for _, k := range []int{10, 30, 50, 70} {
		mustInsert(t, tbl, k, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	for _, k := range []int{20, 40, 60} {
		mustInsert(t, tbl, k, 0, "row")
	}
	require.NoError(t, tbl.RemoveRow(2)) // k=50, purged by the conversion

	it, err := tbl.NewIndexIterForward(0)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	var keys []int32
	for len(keys) < 3 {
		_, key, ok := it.Next()
		require.True(t, ok)
		keys = append(keys, keyValue(t, tbl, key))
	}
	assert.Equal(t, []int32{10, 20, 30}, keys)

	converted, err := tbl.convertSegment(context.Background(), frozenWritable(t, tbl, 0))
	require.NoError(t, err)
	require.True(t, converted)

	mustInsert(t, tbl, 80, 0, "row")
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 25, 0, "row") // before the cursor, never returned
	mustInsert(t, tbl, 90, 0, "row")

	for _, e := range drainIndex(t, tbl, it) {
		keys = append(keys, e.k)
	}
	assert.Equal(t, []int32{10, 20, 30, 40, 60, 70, 80, 90}, keys)
}

func TestIndexIterSeesAppendsAfterExhaustion(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 1, 0, "row")
	it, err := tbl.NewIndexIterForward(0)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	assert.Len(t, drainIndex(t, tbl, it), 1)

	mustInsert(t, tbl, 5, 0, "row")
	assert.Equal(t, []indexEntry{{1, 5}}, drainIndex(t, tbl, it))
}

func TestIteratorsAfterClose(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 1, 0, "row")
	it, err := tbl.NewIndexIterForward(0)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())
	_, _, ok := it.Next()
	assert.False(t, ok)
	require.NoError(t, it.Close())

	_, err = tbl.NewStoreIterForward()
	assert.ErrorIs(t, err, ErrClosed)
}
