package table

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segtable/internal/segment"
	"github.com/hupe1980/segtable/schema"
)

func testConfig(t testing.TB) *schema.Config {
	t.Helper()
	cfg, err := schema.NewConfig([]schema.Column{
		{Name: "k", Type: schema.Sint32},
		{Name: "g", Type: schema.Uint32},
		{Name: "v", Type: schema.Binary},
	}, []schema.IndexSpec{
		{Fields: []string{"k"}, Ordered: true, Unique: true},
		{Fields: []string{"g"}},
	})
	require.NoError(t, err)
	cfg.ReadonlyDataMemSize = 128
	cfg.MaxWrSegSize = 1 << 20
	return cfg
}

func newTestTable(t testing.TB, opts ...func(*Options)) *Table {
	t.Helper()
	o := Options{DisableAutoCompaction: true}
	for _, fn := range opts {
		fn(&o)
	}
	tbl, err := Create(filepath.Join(t.TempDir(), "tbl"), testConfig(t), o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func encode(t testing.TB, tbl *Table, k, g int, v string) []byte {
	t.Helper()
	r, err := tbl.Config().Row.EncodeValues(map[string]any{"k": k, "g": g, "v": v})
	require.NoError(t, err)
	return r
}

// indexKey returns the key index i stores for the row (k, g).
func indexKey(t testing.TB, tbl *Table, i, k, g int) []byte {
	t.Helper()
	cols, err := tbl.Config().Row.ParseRow(encode(t, tbl, k, g, ""))
	require.NoError(t, err)
	key, err := segment.IndexKey(tbl.Config().Indexes[i], cols, nil)
	require.NoError(t, err)
	return key
}

func mustInsert(t testing.TB, tbl *Table, k, g int, v string) int64 {
	t.Helper()
	id, err := tbl.InsertRow(encode(t, tbl, k, g, v))
	require.NoError(t, err)
	return id
}

func get(t testing.TB, tbl *Table, id int64) []byte {
	t.Helper()
	row, err := tbl.GetValueAppend(id, nil)
	require.NoError(t, err)
	return row
}

func TestInsertDuplicateCompactScenario(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)

	id, err := tbl.InsertRow(encode(t, tbl, 1, 0, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	_, err = tbl.InsertRow(encode(t, tbl, 1, 0, "b"))
	var dup *DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.True(t, errors.Is(err, segment.ErrDuplicate))
	assert.Equal(t, "k", dup.Index)
	assert.Equal(t, int64(1), tbl.NumRows())

	id, err = tbl.InsertRow(encode(t, tbl, 2, 0, "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, tbl.Rollover())
	ok, err := tbl.Compact(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, encode(t, tbl, 1, 0, "a"), get(t, tbl, 0))
	assert.Equal(t, encode(t, tbl, 2, 0, "c"), get(t, tbl, 1))
	ids, err := tbl.IndexSearchExact(0, indexKey(t, tbl, 0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	_, err = os.Stat(filepath.Join(tbl.Dir(), "wr-0000"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(tbl.Dir(), "rd-0000"))
	assert.NoError(t, err)

	// The converted segment still enforces uniqueness.
	_, err = tbl.InsertRow(encode(t, tbl, 2, 0, "d"))
	assert.ErrorAs(t, err, &dup)
	assert.Equal(t, filepath.Join(tbl.Dir(), "rd-0000"), dup.SegmentDir)
}

func TestUniqueAcrossFrozenSegments(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 2, 0, "b")
	require.NoError(t, tbl.Rollover())

	_, err := tbl.InsertRow(encode(t, tbl, 1, 5, "x"))
	assert.ErrorIs(t, err, segment.ErrDuplicate)
	_, err = tbl.InsertRow(encode(t, tbl, 2, 5, "x"))
	assert.ErrorIs(t, err, segment.ErrDuplicate)
	assert.Equal(t, int64(2), tbl.NumRows())

	require.NoError(t, tbl.RemoveRow(0))
	id := mustInsert(t, tbl, 1, 5, "x")
	assert.Equal(t, int64(2), id)
}

func TestReplaceRow(t *testing.T) {
	tbl := newTestTable(t)
	frozen := mustInsert(t, tbl, 1, 7, "a")
	require.NoError(t, tbl.Rollover())
	active := mustInsert(t, tbl, 2, 7, "b")

	// In place in the active segment.
	id, err := tbl.ReplaceRow(active, encode(t, tbl, 3, 8, "b2"))
	require.NoError(t, err)
	assert.Equal(t, active, id)
	exists, err := tbl.IndexKeyExists(0, indexKey(t, tbl, 0, 2, 0))
	require.NoError(t, err)
	assert.False(t, exists)

	// Conflicts with the frozen row.
	_, err = tbl.ReplaceRow(active, encode(t, tbl, 1, 8, "b3"))
	assert.ErrorIs(t, err, segment.ErrDuplicate)
	assert.Equal(t, encode(t, tbl, 3, 8, "b2"), get(t, tbl, active))

	// A frozen row moves to a new id and may keep its key.
	id, err = tbl.ReplaceRow(frozen, encode(t, tbl, 1, 9, "a2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	deleted, err := tbl.IsDeleted(frozen)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, encode(t, tbl, 1, 9, "a2"), get(t, tbl, id))

	// A conflicting update leaves the row untouched.
	_, err = tbl.ReplaceRow(id, encode(t, tbl, 3, 9, "dup"))
	assert.ErrorIs(t, err, segment.ErrDuplicate)
	assert.Equal(t, encode(t, tbl, 1, 9, "a2"), get(t, tbl, id))

	// Replacing a deleted row inserts it.
	id, err = tbl.ReplaceRow(frozen, encode(t, tbl, 4, 9, "again"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestRemoveRow(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 3; i++ {
		mustInsert(t, tbl, i, 0, "v")
	}
	require.NoError(t, tbl.RemoveRow(1))
	assert.Equal(t, int64(3), tbl.NumRows())
	_, err := tbl.GetValueAppend(1, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing the tail shrinks the id space.
	require.NoError(t, tbl.RemoveRow(2))
	assert.Equal(t, int64(2), tbl.NumRows())

	// The tail id was given back, so it is out of range now.
	assert.ErrorIs(t, tbl.RemoveRow(2), ErrInvalidArgument)

	// Idempotent.
	require.NoError(t, tbl.RemoveRow(1))
	assert.ErrorIs(t, tbl.RemoveRow(5), ErrInvalidArgument)
	assert.ErrorIs(t, tbl.RemoveRow(-1), ErrInvalidArgument)

	require.NoError(t, tbl.Rollover())
	require.NoError(t, tbl.RemoveRow(0))
	deleted, err := tbl.IsDeleted(0)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(2), tbl.NumRows())
}

func TestMalformedRowsAndIndexes(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.InsertRow([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tbl.IndexSearchExact(9, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tbl.NewIndexIterForward(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRolloverBySizeAndCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxWrSegSize = 1
	cfg.MaxSegments = 3
	tbl, err := Create(filepath.Join(t.TempDir(), "tbl"), cfg, Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()

	mustInsert(t, tbl, 1, 0, "a")
	mustInsert(t, tbl, 2, 0, "b")
	mustInsert(t, tbl, 3, 0, "c")
	assert.Equal(t, 3, tbl.NumSegments())
	_, err = tbl.InsertRow(encode(t, tbl, 4, 0, "d"))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, int64(3), tbl.NumRows())
}

func TestReplaceFrozenRowAtCapacityKeepsRow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxWrSegSize = 1
	cfg.MaxSegments = 2
	tbl, err := Create(filepath.Join(t.TempDir(), "tbl"), cfg, Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()

	mustInsert(t, tbl, 1, 0, "a")
	mustInsert(t, tbl, 2, 0, "b")
	require.Equal(t, 2, tbl.NumSegments())

	_, err = tbl.ReplaceRow(0, encode(t, tbl, 7, 0, "replaced"))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	deleted, err := tbl.IsDeleted(0)
	require.NoError(t, err)
	assert.False(t, deleted, "a failed replace must not leave a tombstone behind")

	converted, err := tbl.Compact(ctx)
	require.NoError(t, err)
	require.True(t, converted)
	assert.Equal(t, encode(t, tbl, 1, 0, "a"), get(t, tbl, 0))
	ids, err := tbl.IndexSearchExact(0, indexKey(t, tbl, 0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, ids)
}

func TestIndexHooks(t *testing.T) {
	tbl := newTestTable(t)
	id := mustInsert(t, tbl, 1, 3, "a")
	key := indexKey(t, tbl, 1, 0, 42)

	require.NoError(t, tbl.IndexInsert(1, key, id))
	ids, err := tbl.IndexSearchExact(1, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	id2 := mustInsert(t, tbl, 2, 3, "b")
	require.NoError(t, tbl.IndexReplace(1, key, id, id2))
	ids, err = tbl.IndexSearchExact(1, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{id2}, ids)

	require.NoError(t, tbl.IndexRemove(1, key, id2))
	exists, err := tbl.IndexKeyExists(1, key)
	require.NoError(t, err)
	assert.False(t, exists)

	err = tbl.IndexInsert(0, indexKey(t, tbl, 0, 2, 0), id)
	assert.ErrorIs(t, err, segment.ErrDuplicate)

	require.NoError(t, tbl.Rollover())
	_, err = tbl.Compact(context.Background())
	require.NoError(t, err)
	// Readonly segments ignore hooks.
	assert.NoError(t, tbl.IndexInsert(1, key, id))
	exists, err = tbl.IndexKeyExists(1, key)
	require.NoError(t, err)
	assert.False(t, exists)

	id3 := mustInsert(t, tbl, 5, 3, "c")
	assert.ErrorIs(t, tbl.IndexReplace(1, key, id3, id), ErrInvalidArgument)
}

func TestCompactRefusals(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(t)
	ok, err := tbl.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mustInsert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.Rollover())

	it, err := tbl.NewStoreIterForward()
	require.NoError(t, err)
	ok, err = tbl.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())

	ok, err = tbl.Compact(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	// Nothing left to convert.
	ok, err = tbl.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearExhaustsIterators(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 1, 0, "a")
	mustInsert(t, tbl, 2, 0, "b")
	it, err := tbl.NewStoreIterForward()
	require.NoError(t, err)
	defer func() { _ = it.Close() }()
	_, _, ok := it.Next()
	require.True(t, ok)

	require.NoError(t, tbl.Clear())
	_, _, ok = it.Next()
	assert.False(t, ok)
	assert.Equal(t, int64(0), tbl.NumRows())
	assert.Equal(t, int64(0), mustInsert(t, tbl, 1, 0, "again"))

	it.Reset()
	id, _, ok := it.Next()
	assert.True(t, ok)
	assert.Equal(t, int64(0), id)
}

func TestReopenResumesConversion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tbl")
	tbl, err := Create(dir, testConfig(t), Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		mustInsert(t, tbl, i, i%3, "row")
	}
	require.NoError(t, tbl.Rollover())
	mustInsert(t, tbl, 100, 0, "active")
	require.NoError(t, tbl.RemoveRow(4))
	require.NoError(t, tbl.Close())
	assert.ErrorIs(t, tbl.RemoveRow(1), ErrClosed)

	// Left behind by an interrupted conversion.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rd-0000.tmp"), 0o755))

	tbl, err = Open(dir, Options{})
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()
	require.NoError(t, tbl.WaitIdle(context.Background()))

	st, err := tbl.Stats()
	require.NoError(t, err)
	require.Len(t, st.Segments, 2)
	assert.Equal(t, "readonly", st.Segments[0].Kind)
	assert.Equal(t, "writable", st.Segments[1].Kind)
	assert.Equal(t, int64(11), st.Rows)
	assert.Equal(t, int64(10), st.LiveRows)

	_, err = os.Stat(filepath.Join(dir, "rd-0000.tmp"))
	assert.True(t, os.IsNotExist(err))
	_, err = tbl.GetValueAppend(4, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, encode(t, tbl, 100, 0, "active"), get(t, tbl, 10))
}

func TestOpenPrefersReadonlyCopy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tbl")
	tbl, err := Create(dir, testConfig(t), Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	mustInsert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.Rollover())
	stale := filepath.Join(t.TempDir(), "stale")
	require.NoError(t, tbl.Save(stale))
	_, err = tbl.Compact(context.Background())
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	// A crash between install and cleanup leaves both directories behind.
	require.NoError(t, os.Rename(filepath.Join(stale, "wr-0000"), filepath.Join(dir, "wr-0000")))

	tbl, err = Open(dir, Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()
	_, err = os.Stat(filepath.Join(dir, "wr-0000"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, encode(t, tbl, 1, 0, "a"), get(t, tbl, 0))
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, os.WriteFile(filepath.Join(dir, schema.MetaFileName), []byte("{"), 0o644))
	_, err = Open(dir, Options{})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Create(dir, testConfig(t), Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOpenRejectsGap(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tbl")
	tbl, err := Create(dir, testConfig(t), Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	mustInsert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.Rollover())
	require.NoError(t, tbl.Rollover())
	require.NoError(t, tbl.Close())
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "wr-0001")))

	_, err = Open(dir, Options{})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSaveAndOpenCopy(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 20; i++ {
		mustInsert(t, tbl, i, i%4, "row")
		if i%7 == 6 {
			require.NoError(t, tbl.Rollover())
		}
	}
	_, err := tbl.Compact(context.Background())
	require.NoError(t, err)
	require.NoError(t, tbl.RemoveRow(3))
	require.NoError(t, tbl.RemoveRow(15))

	// Own directory is skipped.
	require.NoError(t, tbl.Save(tbl.Dir()))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, tbl.Save(dst))
	cp, err := Open(dst, Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	defer func() { _ = cp.Close() }()

	assert.Equal(t, tbl.NumRows(), cp.NumRows())
	assert.Equal(t, tbl.NumSegments(), cp.NumSegments())
	for id := int64(0); id < tbl.NumRows(); id++ {
		want, werr := tbl.GetValueAppend(id, nil)
		got, gerr := cp.GetValueAppend(id, nil)
		assert.Equal(t, werr == nil, gerr == nil, "row %d", id)
		assert.Equal(t, want, got, "row %d", id)
	}
	ids, err := cp.IndexSearchExact(1, indexKey(t, cp, 1, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 11, 19}, ids)
}

func TestFlushPersistsReadonlyTombstones(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tbl")
	tbl, err := Create(dir, testConfig(t), Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		mustInsert(t, tbl, i, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	_, err = tbl.Compact(context.Background())
	require.NoError(t, err)
	require.NoError(t, tbl.RemoveRow(2))
	require.NoError(t, tbl.Flush())

	// Reopen through a second handle without closing the first.
	cp, err := Open(dir, Options{DisableAutoCompaction: true})
	require.NoError(t, err)
	deleted, err := cp.IsDeleted(2)
	require.NoError(t, err)
	assert.True(t, deleted)
	require.NoError(t, cp.Close())
	require.NoError(t, tbl.Close())
}

func TestDropTable(t *testing.T) {
	tbl := newTestTable(t)
	mustInsert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.DropTable())
	_, err := os.Stat(tbl.Dir())
	assert.True(t, os.IsNotExist(err))
	_, err = tbl.InsertRow(encode(t, tbl, 2, 0, "b"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 4; i++ {
		mustInsert(t, tbl, i, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	require.NoError(t, tbl.RemoveRow(1))
	_, err := tbl.Compact(context.Background())
	require.NoError(t, err)
	mustInsert(t, tbl, 9, 0, "row")

	st, err := tbl.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Rows)
	assert.Equal(t, int64(1), st.DeletedRows)
	assert.Equal(t, int64(4), st.LiveRows)
	require.Len(t, st.Segments, 2)
	assert.True(t, st.Segments[0].Frozen)
	assert.GreaterOrEqual(t, st.Segments[0].Parts, 1)
	assert.Equal(t, int64(1), st.Segments[1].Rows)
	assert.False(t, st.Segments[1].Frozen)
	assert.Zero(t, st.ScansOpen)
}
