package bitmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
)

var (
	// ErrOutOfRange is returned for ids at or past Size.
	ErrOutOfRange = errors.New("bitmap: id out of range")
	// ErrCorrupt is returned when a persisted vector fails validation.
	ErrCorrupt = errors.New("bitmap: corrupt file")
)

const (
	magic       = 0x53444556 // "VEDS"
	headerBytes = 4 + 8 + 8
)

// DelVec is a sized tombstone vector: ids in [0, Size) that are set are
// deleted. Set bits are stored in a roaring bitmap so sparse deletes stay
// small. DelVec is safe for concurrent use.
type DelVec struct {
	mu   sync.RWMutex
	rb   *roaring.Bitmap
	size int64
}

// New returns an empty vector of the given size with no deletions.
func New(size int64) *DelVec {
	return &DelVec{rb: roaring.New(), size: size}
}

// Size returns the number of ids covered.
func (d *DelVec) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// DelCount returns the number of deleted ids.
func (d *DelVec) DelCount() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(d.rb.GetCardinality())
}

// IsDeleted reports whether id is set. Ids outside [0, Size) are reported
// deleted so callers never read past the vector.
func (d *DelVec) IsDeleted(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 0 || id >= d.size {
		return true
	}
	return d.rb.Contains(uint32(id))
}

// Delete sets id and reports whether it was newly set.
func (d *DelVec) Delete(id int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= d.size {
		return false, fmt.Errorf("%w: %d of %d", ErrOutOfRange, id, d.size)
	}
	return d.rb.CheckedAdd(uint32(id)), nil
}

// Undelete clears id. Only writable segments revive rows, on rollback.
func (d *DelVec) Undelete(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id >= 0 && id < d.size {
		d.rb.Remove(uint32(id))
	}
}

// Append grows the vector by one id.
func (d *DelVec) Append(deleted bool) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size >= math.MaxUint32 {
		return 0, fmt.Errorf("%w: vector is full", ErrOutOfRange)
	}
	id := d.size
	d.size++
	if deleted {
		d.rb.Add(uint32(id))
	}
	return id, nil
}

// PopBack drops the last id.
func (d *DelVec) PopBack() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size == 0 {
		return
	}
	d.size--
	d.rb.Remove(uint32(d.size))
}

// Rank returns the number of deleted ids strictly before id.
func (d *DelVec) Rank(id int64) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id <= 0 {
		return 0
	}
	return int64(d.rb.Rank(uint32(id - 1)))
}

// Clone returns a deep copy.
func (d *DelVec) Clone() *DelVec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &DelVec{rb: d.rb.Clone(), size: d.size}
}

// NewlyDeleted returns the ids deleted in d but not in base, ascending.
func (d *DelVec) NewlyDeleted(base *DelVec) []int64 {
	baseRB := base.snapshot()
	d.mu.RLock()
	diff := roaring.AndNot(d.rb, baseRB)
	d.mu.RUnlock()
	out := make([]int64, 0, diff.GetCardinality())
	it := diff.Iterator()
	for it.HasNext() {
		out = append(out, int64(it.Next()))
	}
	return out
}

// ForEach calls fn for each deleted id in ascending order until fn returns false.
func (d *DelVec) ForEach(fn func(id int64) bool) {
	rb := d.snapshot()
	it := rb.Iterator()
	for it.HasNext() {
		if !fn(int64(it.Next())) {
			return
		}
	}
}

// Equal reports whether two vectors have the same size and bits.
func (d *DelVec) Equal(o *DelVec) bool {
	rb, size := o.snapshot(), o.Size()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size == size && d.rb.Equals(rb)
}

func (d *DelVec) snapshot() *roaring.Bitmap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rb.Clone()
}

// MarshalBinary encodes the vector as
// [magic u32][size u64][delCount u64][roaring payload][crc32c u32].
func (d *DelVec) MarshalBinary() ([]byte, error) {
	d.mu.RLock()
	rb, size := d.rb.Clone(), d.size
	d.mu.RUnlock()
	rb.RunOptimize()
	var buf bytes.Buffer
	buf.Grow(headerBytes + int(rb.GetSerializedSizeInBytes()) + hash.FooterSize)
	var hdr [headerBytes]byte
	binary.LittleEndian.PutUint32(hdr[0:], magic)
	binary.LittleEndian.PutUint64(hdr[4:], uint64(size))
	binary.LittleEndian.PutUint64(hdr[12:], rb.GetCardinality())
	buf.Write(hdr[:])
	if _, err := rb.WriteTo(&buf); err != nil {
		return nil, err
	}
	return hash.AppendFooter(buf.Bytes()), nil
}

// UnmarshalBinary decodes a vector written by MarshalBinary.
func (d *DelVec) UnmarshalBinary(data []byte) error {
	payload, err := hash.SplitFooter(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(payload) < headerBytes || binary.LittleEndian.Uint32(payload) != magic {
		return fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	size := int64(binary.LittleEndian.Uint64(payload[4:]))
	delCount := binary.LittleEndian.Uint64(payload[12:])
	rb := roaring.New()
	if _, err := rb.ReadFrom(bytes.NewReader(payload[headerBytes:])); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if rb.GetCardinality() != delCount {
		return fmt.Errorf("%w: delete count %d, bitmap holds %d", ErrCorrupt, delCount, rb.GetCardinality())
	}
	if !rb.IsEmpty() && int64(rb.Maximum()) >= size {
		return fmt.Errorf("%w: bit %d past size %d", ErrCorrupt, rb.Maximum(), size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rb, d.size = rb, size
	return nil
}

// Save writes the vector atomically to path.
func (d *DelVec) Save(fsys fs.FileSystem, path string) error {
	data, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, path, data)
}

// Load reads a vector saved with Save.
func Load(fsys fs.FileSystem, path string) (*DelVec, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	d := &DelVec{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
