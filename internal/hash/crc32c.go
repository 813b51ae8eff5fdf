package hash

import (
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
)

// ErrChecksumMismatch is returned when a footer does not match its payload.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// FooterSize is the length of the trailer written by AppendFooter.
const FooterSize = 4

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// AppendFooter appends the little-endian CRC32C of buf to buf.
func AppendFooter(buf []byte) []byte {
	return binary.LittleEndian.AppendUint32(buf, CRC32C(buf))
}

// SplitFooter verifies and strips a footer written by AppendFooter.
func SplitFooter(buf []byte) ([]byte, error) {
	if len(buf) < FooterSize {
		return nil, ErrChecksumMismatch
	}
	payload := buf[:len(buf)-FooterSize]
	if binary.LittleEndian.Uint32(buf[len(payload):]) != CRC32C(payload) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}
