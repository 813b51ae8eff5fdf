package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/mmap"
	"github.com/hupe1980/segtable/internal/storage"
)

// Sorted index file layout, all integers little-endian:
//
//	header      [magic u32][numKeys u64][numEntries u64][numIDs u64][blobLen u64]
//	keyOffsets  (numKeys+1) x u64   offsets into the key blob
//	entryStart  (numKeys+1) x u32   first entry of each distinct key
//	ids         numEntries x u32    ids ordered by (key, id)
//	rankOf      numIDs x u32        key rank per id, noRank when absent
//	blob        distinct keys back to back
//	footer      crc32c u32 over everything before it
const (
	sortedMagic      = 0x54524f53 // "SORT"
	sortedHeaderSize = 4 + 8*4
	noRank           = math.MaxUint32
)

// SortedSource feeds BuildSorted with entries already ordered by key and id.
type SortedSource interface {
	Len() int
	Key(i int) []byte
	ID(i int) int64
}

// BuildSorted writes a readonly index over src. numIDs bounds the ids src
// refers to. compare must be the ordering src was sorted with.
func BuildSorted(fsys fs.FileSystem, path string, src SortedSource, numIDs int64, compare func(a, b []byte) int) error {
	if compare == nil {
		compare = bytes.Compare
	}
	n := src.Len()
	if numIDs >= noRank || int64(n) >= noRank {
		return fmt.Errorf("index: %d ids exceed the sorted index limit", numIDs)
	}
	// Distinct keys and their first entries.
	var starts []uint32
	var blobLen uint64
	for i := 0; i < n; i++ {
		if i == 0 || compare(src.Key(i-1), src.Key(i)) != 0 {
			if i > 0 && compare(src.Key(i-1), src.Key(i)) > 0 {
				return fmt.Errorf("index: source not sorted at entry %d", i)
			}
			starts = append(starts, uint32(i))
			blobLen += uint64(len(src.Key(i)))
		}
	}
	numKeys := len(starts)
	starts = append(starts, uint32(n))

	rankOf := make([]uint32, numIDs)
	for i := range rankOf {
		rankOf[i] = noRank
	}

	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	crc := hash.NewCRC32C()
	w := bufio.NewWriterSize(io.MultiWriter(f, crc), 64<<10)
	var scratch [8]byte
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, _ = w.Write(scratch[:8])
	}
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:], v)
		_, _ = w.Write(scratch[:4])
	}

	put32(sortedMagic)
	put64(uint64(numKeys))
	put64(uint64(n))
	put64(uint64(numIDs))
	put64(blobLen)
	var off uint64
	for r := 0; r < numKeys; r++ {
		put64(off)
		off += uint64(len(src.Key(int(starts[r]))))
	}
	put64(off)
	for _, s := range starts {
		put32(s)
	}
	rank := 0
	for i := 0; i < n; i++ {
		for rank+1 < numKeys && starts[rank+1] <= uint32(i) {
			rank++
		}
		id := src.ID(i)
		if id < 0 || id >= numIDs {
			_ = f.Close() // Intentionally ignore: cleanup path
			return fmt.Errorf("index: id %d out of range %d", id, numIDs)
		}
		rankOf[id] = uint32(rank)
		put32(uint32(id))
	}
	for _, r := range rankOf {
		put32(r)
	}
	for r := 0; r < numKeys; r++ {
		_, _ = w.Write(src.Key(int(starts[r])))
	}
	if err := w.Flush(); err != nil {
		_ = f.Close() // Intentionally ignore: cleanup path
		return err
	}
	binary.LittleEndian.PutUint32(scratch[:], crc.Sum32())
	if _, err := f.Write(scratch[:4]); err != nil {
		_ = f.Close() // Intentionally ignore: cleanup path
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close() // Intentionally ignore: cleanup path
		return err
	}
	return f.Close()
}

var _ storage.ReadableIndex = (*Sorted)(nil)

// Sorted is a memory mapped immutable index. Besides key lookups it maps
// every id back to its key, which lets readonly segments drop the indexed
// columns from their row parts.
type Sorted struct {
	m       *mmap.Mapping
	unique  bool
	compare func(a, b []byte) int

	numKeys    int
	numEntries int
	numIDs     int64
	keyOffsets []byte
	entryStart []byte
	ids        []byte
	rankOf     []byte
	blob       []byte
}

// OpenSorted maps and validates an index written by BuildSorted.
func OpenSorted(path string, opts storage.IndexOptions) (*Sorted, error) {
	m, err := mmap.OpenWithHint(path, mmap.HintPointReads)
	if err != nil {
		return nil, err
	}
	s := &Sorted{m: m, unique: opts.Unique, compare: opts.Compare}
	if s.compare == nil {
		s.compare = bytes.Compare
	}
	if err := s.parse(); err != nil {
		_ = m.Close() // Intentionally ignore: cleanup path
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	return s, nil
}

func (s *Sorted) parse() error {
	payload, err := hash.SplitFooter(s.m.Bytes())
	if err != nil {
		return err
	}
	if len(payload) < sortedHeaderSize || binary.LittleEndian.Uint32(payload) != sortedMagic {
		return fmt.Errorf("bad header")
	}
	le := binary.LittleEndian
	numKeys := le.Uint64(payload[4:])
	numEntries := le.Uint64(payload[12:])
	numIDs := le.Uint64(payload[20:])
	blobLen := le.Uint64(payload[28:])
	if numKeys > numEntries || numEntries >= noRank || numIDs >= noRank {
		return fmt.Errorf("bad counts")
	}
	want := uint64(sortedHeaderSize) + (numKeys+1)*8 + (numKeys+1)*4 + numEntries*4 + numIDs*4 + blobLen
	if want != uint64(len(payload)) {
		return fmt.Errorf("size %d, want %d", len(payload), want)
	}
	p := payload[sortedHeaderSize:]
	take := func(n uint64) []byte {
		b := p[:n]
		p = p[n:]
		return b
	}
	s.numKeys, s.numEntries, s.numIDs = int(numKeys), int(numEntries), int64(numIDs)
	s.keyOffsets = take((numKeys + 1) * 8)
	s.entryStart = take((numKeys + 1) * 4)
	s.ids = take(numEntries * 4)
	s.rankOf = take(numIDs * 4)
	s.blob = take(blobLen)
	if le.Uint64(s.keyOffsets[numKeys*8:]) != blobLen || uint64(le.Uint32(s.entryStart[numKeys*4:])) != numEntries {
		return fmt.Errorf("bad section bounds")
	}
	return nil
}

// Close unmaps the file.
func (s *Sorted) Close() error { return s.m.Close() }

func (s *Sorted) key(rank int) []byte {
	le := binary.LittleEndian
	return s.blob[le.Uint64(s.keyOffsets[rank*8:]):le.Uint64(s.keyOffsets[(rank+1)*8:])]
}

func (s *Sorted) start(rank int) int {
	return int(binary.LittleEndian.Uint32(s.entryStart[rank*4:]))
}

func (s *Sorted) id(pos int) int64 {
	return int64(binary.LittleEndian.Uint32(s.ids[pos*4:]))
}

// rankAt returns the key rank of entry pos.
func (s *Sorted) rankAt(pos int) int {
	return sort.Search(s.numKeys, func(r int) bool { return s.start(r+1) > pos })
}

func (s *Sorted) lowerBound(key []byte) int {
	return sort.Search(s.numKeys, func(r int) bool { return s.compare(s.key(r), key) >= 0 })
}

func (s *Sorted) upperBound(key []byte) int {
	return sort.Search(s.numKeys, func(r int) bool { return s.compare(s.key(r), key) > 0 })
}

func (s *Sorted) NumIndexRows() int64 { return int64(s.numEntries) }

func (s *Sorted) IndexStorageSize() int64 { return int64(s.m.Size()) }

func (s *Sorted) SortOrder() storage.SortOrder { return storage.Ascending }

func (s *Sorted) IsUnique() bool { return s.unique }

func (s *Sorted) NumKeys() int { return s.numKeys }

func (s *Sorted) SearchExact(key []byte, dst []int64) []int64 {
	r := s.lowerBound(key)
	if r >= s.numKeys || s.compare(s.key(r), key) != 0 {
		return dst
	}
	for pos := s.start(r); pos < s.start(r+1); pos++ {
		dst = append(dst, s.id(pos))
	}
	return dst
}

// KeyOf returns the key stored for id.
func (s *Sorted) KeyOf(id int64) ([]byte, bool) {
	if id < 0 || id >= s.numIDs {
		return nil, false
	}
	r := binary.LittleEndian.Uint32(s.rankOf[id*4:])
	if r == noRank {
		return nil, false
	}
	return s.key(int(r)), true
}

func (s *Sorted) NewIndexIterForward() storage.IndexIterator {
	return &sortedIter{s: s, pos: 0, step: 1}
}

func (s *Sorted) NewIndexIterBackward() storage.IndexIterator {
	return &sortedIter{s: s, pos: s.numEntries - 1, step: -1}
}

type sortedIter struct {
	s    *Sorted
	pos  int
	step int
	rank int
	// rankValid is false until rank is known for pos.
	rankValid bool
}

func (it *sortedIter) Next() (int64, []byte, bool) {
	s := it.s
	if it.pos < 0 || it.pos >= s.numEntries {
		return -1, nil, false
	}
	if !it.rankValid {
		it.rank, it.rankValid = s.rankAt(it.pos), true
	}
	for s.start(it.rank+1) <= it.pos {
		it.rank++
	}
	for s.start(it.rank) > it.pos {
		it.rank--
	}
	pos := it.pos
	it.pos += it.step
	return s.id(pos), s.key(it.rank), true
}

func (it *sortedIter) SeekLowerBound(key []byte) (int, int64, []byte) {
	s := it.s
	var r int
	if it.step > 0 {
		r = s.lowerBound(key)
		if r >= s.numKeys {
			it.pos = s.numEntries
			return -1, -1, nil
		}
		it.pos, it.rank = s.start(r), r
	} else {
		r = s.upperBound(key) - 1
		if r < 0 {
			it.pos = -1
			return -1, -1, nil
		}
		it.pos, it.rank = s.start(r+1)-1, r
	}
	it.rankValid = true
	id, found, _ := it.Next()
	if s.compare(found, key) != 0 {
		return 1, id, found
	}
	return 0, id, found
}

func (it *sortedIter) Reset() {
	it.rankValid = false
	if it.step > 0 {
		it.pos = 0
		return
	}
	it.pos = it.s.numEntries - 1
}

func (it *sortedIter) Close() error { return nil }
