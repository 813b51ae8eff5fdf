package segtable_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segtable"
	"github.com/hupe1980/segtable/schema"
)

func testSchema(t *testing.T) *schema.Config {
	t.Helper()
	cfg, err := schema.NewConfig([]schema.Column{
		{Name: "k", Type: schema.Uint32},
		{Name: "g", Type: schema.Uint32},
		{Name: "v", Type: schema.Binary},
	}, []schema.IndexSpec{
		{Fields: []string{"k"}, Ordered: true, Unique: true},
		{Fields: []string{"g"}},
	})
	require.NoError(t, err)
	return cfg
}

func openTable(t *testing.T, opts ...segtable.Option) *segtable.Table {
	t.Helper()
	opts = append([]segtable.Option{
		segtable.WithSchema(testSchema(t)),
		segtable.WithAutoCompaction(false),
	}, opts...)
	tbl, err := segtable.Open(filepath.Join(t.TempDir(), "tbl"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func insert(t *testing.T, tbl *segtable.Table, k, g int, v string) int64 {
	t.Helper()
	id, err := tbl.Insert(context.Background(), map[string]any{"k": k, "g": g, "v": v})
	require.NoError(t, err)
	return id
}

func TestOpenCreatesAndReopens(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "tbl")

	tbl, err := segtable.Open(dir, segtable.WithSchema(testSchema(t)))
	require.NoError(t, err)
	for k := 0; k < 10; k++ {
		id, err := tbl.Insert(ctx, map[string]any{"k": k, "g": k % 2, "v": "row"})
		require.NoError(t, err)
		assert.Equal(t, int64(k), id)
	}
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close())

	tbl, err = segtable.Open(dir)
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()
	assert.Equal(t, int64(10), tbl.NumRows())
	assert.Equal(t, dir, tbl.Dir())

	vals, err := tbl.Get(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, vals["k"])
	assert.EqualValues(t, 1, vals["g"])
}

func TestOpenWithoutSchema(t *testing.T) {
	_, err := segtable.Open(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, segtable.ErrInvalidArgument)
}

func TestOpenRejectsUnknownCompression(t *testing.T) {
	_, err := segtable.Open(filepath.Join(t.TempDir(), "tbl"),
		segtable.WithSchema(testSchema(t)),
		segtable.WithCompression("bogus"),
	)
	assert.ErrorIs(t, err, segtable.ErrInvalidArgument)
}

func TestDuplicateKey(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	insert(t, tbl, 1, 0, "a")
	insert(t, tbl, 2, 0, "b")

	_, err := tbl.Insert(ctx, map[string]any{"k": 1, "g": 5, "v": "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, segtable.ErrDuplicate)

	var dup *segtable.ErrDuplicateKey
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "k", dup.Index)
	assert.NotEmpty(t, dup.Key)
	assert.Equal(t, int64(2), tbl.NumRows(), "a rejected insert takes no id")

	// The key is free again once its owner is removed.
	require.NoError(t, tbl.RemoveRow(ctx, 0))
	id := insert(t, tbl, 1, 0, "c")
	assert.Equal(t, int64(2), id)
}

func TestReplaceRemoveAndIndexes(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	for k := 0; k < 5; k++ {
		insert(t, tbl, k, k%2, "row")
	}

	kIdx, err := tbl.IndexID("k")
	require.NoError(t, err)
	gIdx, err := tbl.IndexID("g")
	require.NoError(t, err)
	_, err = tbl.IndexID("nope")
	assert.ErrorIs(t, err, segtable.ErrInvalidArgument)

	row, err := tbl.Config().Row.EncodeValues(map[string]any{"k": 42, "g": 1, "v": "replaced"})
	require.NoError(t, err)
	newID, err := tbl.ReplaceRow(ctx, 2, row)
	require.NoError(t, err)

	key, err := tbl.IndexKey(kIdx, map[string]any{"k": 42})
	require.NoError(t, err)
	ids, err := tbl.IndexSearchExact(kIdx, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{newID}, ids)

	old, err := tbl.IndexKey(kIdx, map[string]any{"k": 2})
	require.NoError(t, err)
	exists, err := tbl.IndexKeyExists(kIdx, old)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tbl.RemoveRow(ctx, 0))
	require.NoError(t, tbl.RemoveRow(ctx, 0), "removing twice is a no-op")
	deleted, err := tbl.IsDeleted(0)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = tbl.Get(0)
	assert.ErrorIs(t, err, segtable.ErrNotFound)

	gKey, err := tbl.IndexKey(gIdx, map[string]any{"g": 1})
	require.NoError(t, err)
	ids, err = tbl.IndexSearchExact(gIdx, gKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3, newID}, ids)

	_, err = tbl.IndexSearchExact(7, gKey)
	assert.ErrorIs(t, err, segtable.ErrInvalidArgument)
}

func TestIteration(t *testing.T) {
	metrics := &segtable.BasicMetricsCollector{}
	tbl := openTable(t, segtable.WithMetricsCollector(metrics))
	for _, k := range []int{5, 1, 9, 3} {
		insert(t, tbl, k, 0, "row")
	}
	require.NoError(t, tbl.Rollover())
	insert(t, tbl, 7, 0, "row")
	require.NoError(t, tbl.RemoveRow(context.Background(), 2))

	var ids []int64
	for id := range tbl.All() {
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{0, 1, 3, 4}, ids)

	kIdx, err := tbl.IndexID("k")
	require.NoError(t, err)
	var keys []any
	for _, key := range tbl.IndexAll(kIdx) {
		vals, err := tbl.Config().Indexes[kIdx].Key.DecodeValues(key)
		require.NoError(t, err)
		keys = append(keys, vals["k"])
	}
	assert.EqualValues(t, []any{uint64(1), uint64(3), uint64(5), uint64(7)}, keys)

	bwd, err := tbl.NewStoreIterBackward()
	require.NoError(t, err)
	id, _, ok := bwd.Next()
	require.True(t, ok)
	assert.Equal(t, int64(4), id)
	require.NoError(t, bwd.Close())

	stats := metrics.GetStats()
	assert.Equal(t, int64(3), stats.ScanCount)
	assert.Equal(t, int64(5), stats.InsertCount)
	assert.Equal(t, int64(1), stats.RemoveCount)
}

func TestCompactAndStats(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, segtable.WithCompression("lz4"), segtable.WithBlockCacheSize(1<<20))
	for k := 0; k < 20; k++ {
		insert(t, tbl, k, k%3, "payload")
	}
	require.NoError(t, tbl.Rollover())
	insert(t, tbl, 100, 0, "tail")
	require.NoError(t, tbl.RemoveRow(ctx, 4))

	converted, err := tbl.Compact(ctx)
	require.NoError(t, err)
	assert.True(t, converted)
	require.NoError(t, tbl.WaitIdle(ctx))

	st, err := tbl.Stats()
	require.NoError(t, err)
	require.Len(t, st.Segments, 2)
	assert.Equal(t, "readonly", st.Segments[0].Kind)
	assert.Equal(t, "writable", st.Segments[1].Kind)
	assert.Equal(t, int64(20), st.LiveRows)

	vals, err := tbl.Get(7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, vals["k"])
	assert.Equal(t, "lz4", tbl.Config().Compression)
}

func TestSaveCopiesTable(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	insert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.Rollover())
	insert(t, tbl, 2, 0, "b")

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, tbl.Save(ctx, dst))

	cp, err := segtable.Open(dst)
	require.NoError(t, err)
	defer func() { _ = cp.Close() }()
	assert.Equal(t, int64(2), cp.NumRows())
	vals, err := cp.Get(1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, vals["k"])
}

func TestClearAndDrop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tbl")
	tbl, err := segtable.Open(dir, segtable.WithSchema(testSchema(t)))
	require.NoError(t, err)
	insert(t, tbl, 1, 0, "a")
	insert(t, tbl, 2, 0, "b")

	require.NoError(t, tbl.Clear())
	assert.Equal(t, int64(0), tbl.NumRows())
	assert.Equal(t, int64(0), insert(t, tbl, 1, 0, "again"))

	require.NoError(t, tbl.DropTable())
	_, err = segtable.Open(dir)
	assert.ErrorIs(t, err, segtable.ErrInvalidArgument)
}

func TestClosedTable(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t)
	insert(t, tbl, 1, 0, "a")
	require.NoError(t, tbl.Close())

	_, err := tbl.Insert(ctx, map[string]any{"k": 2, "g": 0, "v": "b"})
	assert.ErrorIs(t, err, segtable.ErrClosed)
	_, err = tbl.Get(0)
	assert.ErrorIs(t, err, segtable.ErrClosed)
	_, err = tbl.NewStoreIterForward()
	assert.ErrorIs(t, err, segtable.ErrClosed)
	_, err = tbl.Stats()
	assert.ErrorIs(t, err, segtable.ErrClosed)
}

func TestCanceledContext(t *testing.T) {
	tbl := openTable(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tbl.InsertRow(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, tbl.RemoveRow(ctx, 0), context.Canceled)
	assert.Equal(t, int64(0), tbl.NumRows())
}

func TestMalformedValues(t *testing.T) {
	tbl := openTable(t)
	_, err := tbl.Insert(context.Background(), map[string]any{"k": "not a number", "g": 0, "v": "x"})
	assert.ErrorIs(t, err, segtable.ErrInvalidArgument)
}
