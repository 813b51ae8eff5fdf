package bitmap

import (
	"path/filepath"
	"testing"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelVecBasics(t *testing.T) {
	d := New(0)
	for i := 0; i < 10; i++ {
		id, err := d.Append(i == 3)
		require.NoError(t, err)
		assert.Equal(t, int64(i), id)
	}
	assert.Equal(t, int64(10), d.Size())
	assert.Equal(t, int64(1), d.DelCount())
	assert.True(t, d.IsDeleted(3))
	assert.False(t, d.IsDeleted(4))
	assert.True(t, d.IsDeleted(10), "out of range reads as deleted")

	newly, err := d.Delete(5)
	require.NoError(t, err)
	assert.True(t, newly)

	newly, err = d.Delete(5)
	require.NoError(t, err)
	assert.False(t, newly, "deleting twice is a no-op")
	assert.Equal(t, int64(2), d.DelCount())

	_, err = d.Delete(10)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.Equal(t, int64(0), d.Rank(3))
	assert.Equal(t, int64(1), d.Rank(4))
	assert.Equal(t, int64(2), d.Rank(9))

	d.Undelete(5)
	assert.False(t, d.IsDeleted(5))
}

func TestDelVecPopBack(t *testing.T) {
	d := New(3)
	_, err := d.Delete(2)
	require.NoError(t, err)
	d.PopBack()
	assert.Equal(t, int64(2), d.Size())
	assert.Zero(t, d.DelCount(), "popping clears the dropped bit")

	_, err = d.Append(false)
	require.NoError(t, err)
	assert.False(t, d.IsDeleted(2))

	empty := New(0)
	empty.PopBack()
	assert.Zero(t, empty.Size())
}

func TestDelVecNewlyDeleted(t *testing.T) {
	d := New(100)
	_, _ = d.Delete(1)
	base := d.Clone()
	_, _ = d.Delete(7)
	_, _ = d.Delete(42)

	assert.Equal(t, []int64{7, 42}, d.NewlyDeleted(base))
	assert.Empty(t, base.NewlyDeleted(d))
	assert.False(t, d.Equal(base))

	var seen []int64
	d.ForEach(func(id int64) bool {
		seen = append(seen, id)
		return len(seen) < 2
	})
	assert.Equal(t, []int64{1, 7}, seen)
}

func TestDelVecSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isDel")
	d := New(1000)
	for _, id := range []int64{0, 17, 999} {
		_, err := d.Delete(id)
		require.NoError(t, err)
	}
	require.NoError(t, d.Save(fs.Default, path))

	got, err := Load(fs.Default, path)
	require.NoError(t, err)
	assert.True(t, d.Equal(got))
	assert.Equal(t, int64(3), got.DelCount())
}

func TestDelVecLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "isDel")
	d := New(8)
	_, _ = d.Delete(2)
	data, err := d.MarshalBinary()
	require.NoError(t, err)

	data[5] ^= 0x01
	require.NoError(t, fs.WriteFileAtomic(fs.Default, path, data))
	_, err = Load(fs.Default, path)
	assert.ErrorIs(t, err, ErrCorrupt)
}
