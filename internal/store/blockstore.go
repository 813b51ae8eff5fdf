package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/OneOfOne/xxhash"

	"github.com/hupe1980/segtable/internal/cache"
	"github.com/hupe1980/segtable/internal/compress"
	"github.com/hupe1980/segtable/internal/fs"
	"github.com/hupe1980/segtable/internal/hash"
	"github.com/hupe1980/segtable/internal/mmap"
	"github.com/hupe1980/segtable/internal/resource"
	"github.com/hupe1980/segtable/internal/storage"
)

// Part file layout:
//
//	[block 0][block 1]...[block index][footer]
//
// Each block is a compress block whose payload is either fixed width rows
// back to back, or [count u32][offsets u32 * count+1][rows]. The block index
// holds {offset u64, firstRow u64, xxhash64 u64} per block. The footer is
// [indexOffset u64][numBlocks u32][numRows u64][fixedLen u32][rawBytes u64]
// [magic u32][crc32c u32], the checksum covering the index and footer fields.
const (
	partMagic      = 0x54524150 // "PART"
	blockMetaSize  = 24
	partFooterSize = 8 + 4 + 8 + 4 + 8 + 4 + 4

	// DefaultBlockSize is the uncompressed block target.
	DefaultBlockSize = 16 << 10
)

type blockMeta struct {
	offset   uint64
	firstRow uint64
	checksum uint64
}

// PartWriterOptions configures a PartWriter.
type PartWriterOptions struct {
	Codec compress.Codec
	// BlockSize is the uncompressed block target, DefaultBlockSize if 0.
	BlockSize int
	// FixedLen is the row width when every row has the same size, 0 otherwise.
	FixedLen int
	// Controller throttles the write. Optional.
	Controller *resource.Controller
}

// PartWriter streams rows into a readonly part file.
type PartWriter struct {
	f    fs.File
	w    *bufio.Writer
	opts PartWriterOptions

	payload []byte
	offsets []uint32
	rows    uint64
	raw     uint64
	off     uint64
	blocks  []blockMeta
	encBuf  []byte
	blkRows uint64
}

// CreatePart creates path and returns a writer for it.
func CreatePart(ctx context.Context, fsys fs.FileSystem, path string, opts PartWriterOptions) (*PartWriter, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &PartWriter{
		f:    f,
		w:    bufio.NewWriterSize(resource.NewRateLimitedWriter(ctx, f, opts.Controller), 64<<10),
		opts: opts,
	}, nil
}

// Add appends the next row.
func (pw *PartWriter) Add(row []byte) error {
	if pw.opts.FixedLen > 0 && len(row) != pw.opts.FixedLen {
		return fmt.Errorf("store: row of %d bytes in part of width %d", len(row), pw.opts.FixedLen)
	}
	if pw.opts.FixedLen == 0 {
		pw.offsets = append(pw.offsets, uint32(len(pw.payload)))
	}
	pw.payload = append(pw.payload, row...)
	pw.rows++
	pw.blkRows++
	pw.raw += uint64(len(row))
	if len(pw.payload) >= pw.opts.BlockSize {
		return pw.flushBlock()
	}
	return nil
}

// Rows returns the number of rows added.
func (pw *PartWriter) Rows() int64 { return int64(pw.rows) }

func (pw *PartWriter) flushBlock() error {
	if pw.blkRows == 0 {
		return nil
	}
	plain := pw.payload
	if pw.opts.FixedLen == 0 {
		hdr := make([]byte, 0, 4+4*(len(pw.offsets)+1)+len(pw.payload))
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(pw.offsets)))
		for _, o := range pw.offsets {
			hdr = binary.LittleEndian.AppendUint32(hdr, o)
		}
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(pw.payload)))
		plain = append(hdr, pw.payload...)
	}
	enc, err := compress.AppendBlock(pw.encBuf[:0], plain, pw.opts.Codec)
	if err != nil {
		return err
	}
	pw.encBuf = enc
	if _, err := pw.w.Write(enc); err != nil {
		return err
	}
	pw.blocks = append(pw.blocks, blockMeta{
		offset:   pw.off,
		firstRow: pw.rows - pw.blkRows,
		checksum: xxhash.Checksum64(enc),
	})
	pw.off += uint64(len(enc))
	pw.payload = pw.payload[:0]
	pw.offsets = pw.offsets[:0]
	pw.blkRows = 0
	return nil
}

// Finish writes the block index and footer, syncs and closes the file.
func (pw *PartWriter) Finish() error {
	if err := pw.flushBlock(); err != nil {
		pw.Abort()
		return err
	}
	tail := make([]byte, 0, len(pw.blocks)*blockMetaSize+partFooterSize)
	for _, b := range pw.blocks {
		tail = binary.LittleEndian.AppendUint64(tail, b.offset)
		tail = binary.LittleEndian.AppendUint64(tail, b.firstRow)
		tail = binary.LittleEndian.AppendUint64(tail, b.checksum)
	}
	tail = binary.LittleEndian.AppendUint64(tail, pw.off)
	tail = binary.LittleEndian.AppendUint32(tail, uint32(len(pw.blocks)))
	tail = binary.LittleEndian.AppendUint64(tail, pw.rows)
	tail = binary.LittleEndian.AppendUint32(tail, uint32(pw.opts.FixedLen))
	tail = binary.LittleEndian.AppendUint64(tail, pw.raw)
	tail = binary.LittleEndian.AppendUint32(tail, partMagic)
	tail = hash.AppendFooter(tail)
	if _, err := pw.w.Write(tail); err != nil {
		pw.Abort()
		return err
	}
	if err := pw.w.Flush(); err != nil {
		pw.Abort()
		return err
	}
	if err := pw.f.Sync(); err != nil {
		pw.Abort()
		return err
	}
	return pw.f.Close()
}

// Abort closes the file without finishing it.
func (pw *PartWriter) Abort() {
	_ = pw.f.Close() // Intentionally ignore: cleanup path
}

var _ storage.ReadableStore = (*Part)(nil)

// Part is a memory mapped readonly part. Decoded blocks go through the
// shared block cache.
type Part struct {
	m        *mmap.Mapping
	id       uint64
	cache    cache.BlockCache
	blocks   []blockMeta
	dataEnd  uint64
	numRows  int64
	fixedLen int
	raw      int64
}

// OpenPart maps and validates a part file. c may be nil.
func OpenPart(path string, c cache.BlockCache) (*Part, error) {
	m, err := mmap.OpenWithHint(path, mmap.HintPointReads)
	if err != nil {
		return nil, err
	}
	p := &Part{m: m, id: cache.NextPartID(), cache: c}
	if err := p.parse(); err != nil {
		_ = m.Close() // Intentionally ignore: cleanup path
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	return p, nil
}

func (p *Part) parse() error {
	data := p.m.Bytes()
	if len(data) < partFooterSize {
		return fmt.Errorf("file of %d bytes", len(data))
	}
	footer := data[len(data)-partFooterSize:]
	le := binary.LittleEndian
	indexOff := le.Uint64(footer[0:])
	numBlocks := uint64(le.Uint32(footer[8:]))
	if le.Uint32(footer[32:]) != partMagic {
		return fmt.Errorf("bad magic")
	}
	indexEnd := uint64(len(data) - partFooterSize)
	if indexOff > indexEnd || (indexEnd-indexOff) != numBlocks*blockMetaSize {
		return fmt.Errorf("bad block index bounds")
	}
	if _, err := hash.SplitFooter(data[indexOff:]); err != nil {
		return err
	}
	p.dataEnd = indexOff
	p.numRows = int64(le.Uint64(footer[12:]))
	p.fixedLen = int(le.Uint32(footer[20:]))
	p.raw = int64(le.Uint64(footer[24:]))
	p.blocks = make([]blockMeta, numBlocks)
	idx := data[indexOff:indexEnd]
	for i := range p.blocks {
		b := idx[i*blockMetaSize:]
		p.blocks[i] = blockMeta{offset: le.Uint64(b), firstRow: le.Uint64(b[8:]), checksum: le.Uint64(b[16:])}
		if p.blocks[i].offset >= p.dataEnd || (i > 0 && p.blocks[i].firstRow <= p.blocks[i-1].firstRow) {
			return fmt.Errorf("block %d out of order", i)
		}
	}
	return nil
}

// Close unmaps the file and drops its cached blocks.
func (p *Part) Close() error {
	cache.InvalidatePart(p.cache, p.id)
	return p.m.Close()
}

func (p *Part) NumDataRows() int64 { return p.numRows }

// DataStorageSize returns the on-disk size of the part.
func (p *Part) DataStorageSize() int64 { return int64(p.m.Size()) }

// RawSize returns the uncompressed row bytes.
func (p *Part) RawSize() int64 { return p.raw }

func (p *Part) blockOf(id int64) int {
	return sort.Search(len(p.blocks), func(i int) bool { return p.blocks[i].firstRow > uint64(id) }) - 1
}

func (p *Part) blockRows(b int) int64 {
	if b+1 < len(p.blocks) {
		return int64(p.blocks[b+1].firstRow - p.blocks[b].firstRow)
	}
	return p.numRows - int64(p.blocks[b].firstRow)
}

func (p *Part) block(b int) ([]byte, error) {
	key := cache.CacheKey{Part: p.id, Block: uint32(b)}
	if p.cache != nil {
		if v, ok := p.cache.Get(key); ok {
			return v, nil
		}
	}
	data := p.m.Bytes()
	if data == nil {
		return nil, mmap.ErrClosed
	}
	meta := p.blocks[b]
	raw := data[meta.offset:p.dataEnd]
	n, err := compress.BlockLen(raw)
	if err != nil {
		return nil, err
	}
	raw = raw[:n]
	if xxhash.Checksum64(raw) != meta.checksum {
		return nil, fmt.Errorf("%w: block %d checksum mismatch", ErrCorrupt, b)
	}
	plain, err := compress.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		// Raw blocks alias the mapping and must not outlive it.
		if len(plain) > 0 && &plain[0] == &raw[compress.HeaderSize] {
			plain = append([]byte(nil), plain...)
		}
		p.cache.Set(key, plain)
	}
	return plain, nil
}

func (p *Part) rowIn(plain []byte, k int64) ([]byte, error) {
	if p.fixedLen > 0 {
		off := k * int64(p.fixedLen)
		if off+int64(p.fixedLen) > int64(len(plain)) {
			return nil, fmt.Errorf("%w: row past block end", ErrCorrupt)
		}
		return plain[off : off+int64(p.fixedLen)], nil
	}
	if len(plain) < 4 {
		return nil, fmt.Errorf("%w: short block", ErrCorrupt)
	}
	le := binary.LittleEndian
	count := int64(le.Uint32(plain))
	hdr := 4 + 4*(count+1)
	if k >= count || hdr > int64(len(plain)) {
		return nil, fmt.Errorf("%w: row %d not in block", ErrCorrupt, k)
	}
	start := int64(le.Uint32(plain[4+4*k:]))
	end := int64(le.Uint32(plain[4+4*(k+1):]))
	if start > end || hdr+end > int64(len(plain)) {
		return nil, fmt.Errorf("%w: bad row offsets", ErrCorrupt)
	}
	return plain[hdr+start : hdr+end], nil
}

func (p *Part) GetValueAppend(id int64, dst []byte) ([]byte, error) {
	if id < 0 || id >= p.numRows {
		return dst, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	b := p.blockOf(id)
	plain, err := p.block(b)
	if err != nil {
		return dst, err
	}
	row, err := p.rowIn(plain, id-int64(p.blocks[b].firstRow))
	if err != nil {
		return dst, err
	}
	return append(dst, row...), nil
}

func (p *Part) NewStoreIterForward() storage.StoreIterator {
	return &partIter{p: p, step: 1}
}

func (p *Part) NewStoreIterBackward() storage.StoreIterator {
	return &partIter{p: p, step: -1, pos: p.numRows - 1}
}

type partIter struct {
	p    *Part
	pos  int64
	step int64
	buf  []byte
}

func (it *partIter) Next() (int64, []byte, bool) {
	for it.pos >= 0 && it.pos < it.p.numRows {
		id := it.pos
		it.pos += it.step
		var err error
		it.buf, err = it.p.GetValueAppend(id, it.buf[:0])
		if err != nil {
			continue
		}
		return id, it.buf, true
	}
	return -1, nil, false
}

func (it *partIter) Seek(id int64) { it.pos = id }

func (it *partIter) Reset() {
	if it.step > 0 {
		it.pos = 0
		return
	}
	it.pos = it.p.numRows - 1
}

func (it *partIter) Close() error { return nil }
