package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/segtable/internal/hash"
)

const (
	binaryMagic   = 0x53454754 // "SEGT"
	binaryVersion = 1
	headerSize    = 16
)

// WriteBinary writes the manifest in binary format. See the package
// documentation for the layout.
func (m *Manifest) WriteBinary(w io.Writer) error {
	payloadSize := 80 + len(m.Name)
	for _, f := range m.Files {
		payloadSize += 14 + len(f.Path)
	}
	pb := newPayloadBuffer(make([]byte, 0, payloadSize))

	pb.writeUint64(m.ID)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeBytes(m.BackupID[:])
	pb.writeBytes(m.TableID[:])
	pb.writeString(m.Name)
	pb.writeUint64(uint64(m.Rows))
	pb.writeUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		pb.writeString(f.Path)
		pb.writeUint64(uint64(f.Size))
		pb.writeUint32(f.CRC32C)
	}

	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads a manifest written by WriteBinary.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short header: %w", ErrCorrupt, err)
	}

	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short payload: %w", ErrCorrupt, err)
	}
	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, hash.ErrChecksumMismatch)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64())).UTC()
	m.BackupID = pb.readUUID()
	m.TableID = pb.readUUID()
	m.Name = pb.readString()
	m.Rows = int64(pb.readUint64())

	numFiles := pb.readUint32()
	if pb.err == nil && int(numFiles) > len(payload)/14 {
		pb.err = io.ErrUnexpectedEOF
	}
	for i := 0; pb.err == nil && i < int(numFiles); i++ {
		var f FileInfo
		f.Path = pb.readString()
		f.Size = int64(pb.readUint64())
		f.CRC32C = pb.readUint32()
		m.Files = append(m.Files, f)
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readUint64() uint64 {
	b := p.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (p *payloadBuffer) readUint32() uint32 {
	b := p.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (p *payloadBuffer) readUUID() uuid.UUID {
	var u uuid.UUID
	if b := p.take(len(u)); b != nil {
		copy(u[:], b)
	}
	return u
}

func (p *payloadBuffer) readString() string {
	b := p.take(2)
	if b == nil {
		return ""
	}
	s := p.take(int(binary.LittleEndian.Uint16(b)))
	if s == nil {
		return ""
	}
	return string(s)
}
