package manifest

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *Manifest {
	m := New("nightly", uuid.New())
	m.ID = 7
	m.CreatedAt = time.Unix(1700000000, 42).UTC()
	m.Rows = 1234
	m.Files = []FileInfo{
		{Path: "dbmeta.json", Size: 312, CRC32C: 0xdeadbeef},
		{Path: "wr-000001/data", Size: 4096, CRC32C: 1},
		{Path: "ro-000000/index-0", Size: 0, CRC32C: 0},
	}
	return m
}

func TestBinaryRoundTrip(t *testing.T) {
	m := testManifest()

	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))
	t.Logf("Written %d bytes", buf.Len())

	m2, err := ReadBinary(&buf)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, m2.Version)
	assert.Equal(t, m.ID, m2.ID)
	assert.True(t, m.CreatedAt.Equal(m2.CreatedAt))
	assert.Equal(t, m.BackupID, m2.BackupID)
	assert.Equal(t, m.TableID, m2.TableID)
	assert.Equal(t, "nightly", m2.Name)
	assert.Equal(t, int64(1234), m2.Rows)
	assert.Equal(t, m.Files, m2.Files)
}

func TestBinaryEmptyFileList(t *testing.T) {
	m := New("empty", uuid.Nil)

	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))
	m2, err := ReadBinary(&buf)
	require.NoError(t, err)
	assert.Empty(t, m2.Files)
	assert.Equal(t, uuid.Nil, m2.TableID)
}

func TestBinaryCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, testManifest().WriteBinary(&buf))
	good := buf.Bytes()

	t.Run("flipped payload byte", func(t *testing.T) {
		data := bytes.Clone(good)
		data[len(data)-1] ^= 0xff
		_, err := ReadBinary(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		data := bytes.Clone(good)
		data[0] ^= 0xff
		_, err := ReadBinary(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ReadBinary(bytes.NewReader(good[:len(good)-3]))
		assert.ErrorIs(t, err, ErrCorrupt)
		_, err = ReadBinary(bytes.NewReader(good[:5]))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("future version", func(t *testing.T) {
		data := bytes.Clone(good)
		binary.LittleEndian.PutUint32(data[4:8], 999)
		_, err := ReadBinary(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrIncompatibleVersion)
	})
}

func TestBinaryRejectsLongStrings(t *testing.T) {
	m := New(string(make([]byte, 70000)), uuid.Nil)
	var buf bytes.Buffer
	assert.Error(t, m.WriteBinary(&buf))
}
