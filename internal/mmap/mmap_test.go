package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestMappingReadAndSlice(t *testing.T) {
	content := []byte("Hello, Mmap!")
	m, err := Open(writeFile(t, content))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, len(content), m.Size())
	assert.Equal(t, content, m.Bytes())
	for _, h := range []Hint{HintNone, HintPointReads, HintScan, HintRelease} {
		assert.NoError(t, m.Advise(h), h.String())
	}

	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Mmap!", string(buf))

	_, err = m.ReadAt(buf, 10)
	assert.ErrorIs(t, err, io.EOF)

	s, err := m.Slice(0, 5)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(s))

	_, err = m.Slice(8, 10)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMappingSurvivesRename(t *testing.T) {
	path := writeFile(t, []byte("immutable"))
	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.Rename(path, path+".moved"))
	assert.Equal(t, "immutable", string(m.Bytes()))
}

func TestMappingEmptyAndClose(t *testing.T) {
	m, err := Open(writeFile(t, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close(), "close is idempotent")

	_, err = m.Slice(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, m.Bytes())

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))
}
