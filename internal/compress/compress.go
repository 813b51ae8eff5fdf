package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrUnknownCodec is returned for an unregistered codec name or id.
	ErrUnknownCodec = errors.New("compress: unknown codec")
	// ErrCorruptBlock is returned when a block header does not match its data.
	ErrCorruptBlock = errors.New("compress: corrupt block")
)

// Codec identifies the compression algorithm of a block.
type Codec uint8

const (
	// None stores blocks as is.
	None Codec = 0
	// LZ4 is fast block compression, good for hot data.
	LZ4 Codec = 1
	// ZSTD has a better ratio, good for cold data.
	ZSTD Codec = 2
	// Snappy is the cheapest to decode.
	Snappy Codec = 3
)

var codecNames = map[Codec]string{None: "none", LZ4: "lz4", ZSTD: "zstd", Snappy: "snappy"}

func (c Codec) String() string {
	if n, ok := codecNames[c]; ok {
		return n
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodec maps a configuration name onto a Codec. The empty name is ZSTD.
func ParseCodec(name string) (Codec, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ZSTD, nil
	}
	for c, cn := range codecNames {
		if cn == n {
			return c, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// HeaderSize is the size of the block header.
// Format: [codec uint8][pad 3][UncompressedSize uint32][CompressedSize uint32][Data...]
// CompressedSize == 0 means the payload is stored uncompressed.
const HeaderSize = 12

// AppendBlock compresses data with codec and appends header and payload to
// dst. Blocks that do not shrink below 90% are stored raw.
func AppendBlock(dst, data []byte, codec Codec) ([]byte, error) {
	var compressed []byte
	var err error
	switch codec {
	case None:
	case LZ4:
		compressed, err = compressLZ4(data)
	case ZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		putZstdEncoder(enc)
	case Snappy:
		compressed = snappy.Encode(nil, data)
	default:
		return dst, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
	if err != nil {
		return dst, err
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(data)))
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		dst = append(dst, hdr[:]...)
		return append(dst, data...), nil
	}
	hdr[0] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(compressed)))
	dst = append(dst, hdr[:]...)
	return append(dst, compressed...), nil
}

func compressLZ4(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return compressed[:n], nil
}

// BlockLen returns the encoded length of the block starting at data.
func BlockLen(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, ErrCorruptBlock
	}
	n := binary.LittleEndian.Uint32(data[8:])
	if n == 0 {
		n = binary.LittleEndian.Uint32(data[4:])
	}
	if uint64(len(data)) < uint64(HeaderSize)+uint64(n) {
		return 0, ErrCorruptBlock
	}
	return HeaderSize + int(n), nil
}

// DecodeBlock decodes one block. Raw blocks alias data.
func DecodeBlock(data []byte) ([]byte, error) {
	if _, err := BlockLen(data); err != nil {
		return nil, err
	}
	codec := Codec(data[0])
	uncompressedSize := binary.LittleEndian.Uint32(data[4:])
	compressedSize := binary.LittleEndian.Uint32(data[8:])
	if compressedSize == 0 {
		return data[HeaderSize : HeaderSize+uncompressedSize], nil
	}
	payload := data[HeaderSize : HeaderSize+compressedSize]

	switch codec {
	case LZ4:
		result := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(payload, result)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(n) != uncompressedSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return result, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		decoded, err := dec.DecodeAll(payload, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return decoded, nil
	case Snappy:
		decoded, err := snappy.Decode(make([]byte, uncompressedSize), payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptBlock)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
}
