package framelog

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/internal/checksum"
)

// On-disk layout:
//
//	header:  [magic "CAP1"][version u16][reserved u16][capsule id 16B]
//	record:  [payload len u32][payload][crc32 u32]
//	trailer: [footer JSON][crc32 u32][footer len u32][magic "CFT1"]
//
// All integers little-endian. The payload carries one frame:
//
//	[seq u64][ts unix-milli i64][status u8][codec u8][flags u8]
//	[content checksum 32B]
//	[uri len u16][uri]
//	[metadata len u32][metadata JSON]
//	[raw body len u32][body len u32][body, possibly compressed]
//	[vector len u32][vector f32s]

const (
	headerSize     = 24
	headerVersion  = 1
	trailerSize    = 12 // crc + len + magic
	recordOverhead = 8  // len prefix + crc suffix

	// maxRecordSize bounds a single record length read from disk so a
	// corrupted length prefix cannot trigger a huge allocation.
	maxRecordSize = 1 << 31
)

var (
	fileMagic    = [4]byte{'C', 'A', 'P', '1'}
	trailerMagic = [4]byte{'C', 'F', 'T', '1'}
)

// Codec selects the frame body compression.
type Codec uint8

const (
	// CodecNone stores bodies uncompressed.
	CodecNone Codec = iota
	// CodecLZ4 uses lz4 block compression (fast, moderate ratio).
	CodecLZ4
	// CodecZstd uses zstd (slower writes, better ratio).
	CodecZstd
)

// String returns the codec wire name.
func (c Codec) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "none"
	}
}

const flagHasVector = 1 << 0

// Shared zstd coders. EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compressBody compresses raw with the requested codec. Incompressible
// bodies fall back to CodecNone so a record never grows from compression.
func compressBody(raw []byte, codec Codec) ([]byte, Codec, error) {
	if len(raw) == 0 {
		return nil, CodecNone, nil
	}
	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		var c lz4.Compressor
		n, err := c.CompressBlock(raw, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(raw) {
			return raw, CodecNone, nil
		}
		return buf[:n], CodecLZ4, nil
	case CodecZstd:
		out := zstdEncoder.EncodeAll(raw, nil)
		if len(out) >= len(raw) {
			return raw, CodecNone, nil
		}
		return out, CodecZstd, nil
	default:
		return raw, CodecNone, nil
	}
}

// decompressBody reverses compressBody.
func decompressBody(stored []byte, rawLen uint32, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return stored, nil
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown body codec: %d", codec)
	}
}

// encodeRecord serializes a frame into a complete on-disk record,
// including the length prefix and CRC suffix.
func encodeRecord(fr *frame.Frame, codec Codec) ([]byte, error) {
	if len(fr.URI) > 0xFFFF {
		return nil, fmt.Errorf("uri too long: %d bytes", len(fr.URI))
	}

	meta, err := frame.MarshalMetadata(fr.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	body, usedCodec, err := compressBody(fr.Body, codec)
	if err != nil {
		return nil, err
	}

	var flags uint8
	if len(fr.Embedding) > 0 {
		flags |= flagHasVector
	}

	payloadLen := 8 + 8 + 3 + 32 +
		2 + len(fr.URI) +
		4 + len(meta) +
		4 + 4 + len(body) +
		4 + 4*len(fr.Embedding)

	// The length prefix is a u32 and recovery treats anything above
	// maxRecordSize as a torn tail, so an oversized record would be
	// unreadable once written. Refuse it up front.
	if payloadLen > maxRecordSize {
		return nil, fmt.Errorf("%w: record payload %d bytes exceeds %d", ErrRecordTooLarge, payloadLen, maxRecordSize)
	}

	buf := make([]byte, recordOverhead+payloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(payloadLen))

	p := buf[4:]
	off := 0
	binary.LittleEndian.PutUint64(p[off:], fr.Sequence)
	off += 8
	binary.LittleEndian.PutUint64(p[off:], uint64(fr.Timestamp.UnixMilli()))
	off += 8
	p[off] = byte(fr.Status)
	p[off+1] = byte(usedCodec)
	p[off+2] = flags
	off += 3
	copy(p[off:], fr.Checksum[:])
	off += 32
	binary.LittleEndian.PutUint16(p[off:], uint16(len(fr.URI)))
	off += 2
	copy(p[off:], fr.URI)
	off += len(fr.URI)
	binary.LittleEndian.PutUint32(p[off:], uint32(len(meta)))
	off += 4
	copy(p[off:], meta)
	off += len(meta)
	binary.LittleEndian.PutUint32(p[off:], uint32(len(fr.Body)))
	off += 4
	binary.LittleEndian.PutUint32(p[off:], uint32(len(body)))
	off += 4
	copy(p[off:], body)
	off += len(body)
	binary.LittleEndian.PutUint32(p[off:], uint32(len(fr.Embedding)))
	off += 4
	for _, v := range fr.Embedding {
		binary.LittleEndian.PutUint32(p[off:], floatBits(v))
		off += 4
	}

	crc := checksum.Sum(p[:payloadLen])
	binary.LittleEndian.PutUint32(buf[4+payloadLen:], crc)

	return buf, nil
}

func floatBits(v float32) uint32     { return math.Float32bits(v) }
func floatFromBits(b uint32) float32 { return math.Float32frombits(b) }

// decodePayload parses a verified record payload back into a frame.
func decodePayload(p []byte) (*frame.Frame, error) {
	const fixed = 8 + 8 + 3 + 32 + 2
	if len(p) < fixed {
		return nil, fmt.Errorf("record payload too short: %d bytes", len(p))
	}

	fr := &frame.Frame{}
	off := 0
	fr.Sequence = binary.LittleEndian.Uint64(p[off:])
	off += 8
	fr.Timestamp = time.UnixMilli(int64(binary.LittleEndian.Uint64(p[off:]))).UTC()
	off += 8
	fr.Status = frame.Status(p[off])
	codec := Codec(p[off+1])
	flags := p[off+2]
	off += 3
	copy(fr.Checksum[:], p[off:off+32])
	off += 32

	uriLen := int(binary.LittleEndian.Uint16(p[off:]))
	off += 2
	if off+uriLen > len(p) {
		return nil, fmt.Errorf("record uri overruns payload")
	}
	fr.URI = string(p[off : off+uriLen])
	off += uriLen

	if off+4 > len(p) {
		return nil, fmt.Errorf("record metadata length missing")
	}
	metaLen := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if off+metaLen > len(p) {
		return nil, fmt.Errorf("record metadata overruns payload")
	}
	md, err := frame.UnmarshalMetadata(p[off : off+metaLen])
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	fr.Metadata = md
	off += metaLen

	if off+8 > len(p) {
		return nil, fmt.Errorf("record body lengths missing")
	}
	rawLen := binary.LittleEndian.Uint32(p[off:])
	bodyLen := int(binary.LittleEndian.Uint32(p[off+4:]))
	off += 8
	if off+bodyLen > len(p) {
		return nil, fmt.Errorf("record body overruns payload")
	}
	body, err := decompressBody(p[off:off+bodyLen], rawLen, codec)
	if err != nil {
		return nil, err
	}
	// Copy so the frame does not alias the read buffer.
	fr.Body = append([]byte(nil), body...)
	off += bodyLen

	if off+4 > len(p) {
		return nil, fmt.Errorf("record vector length missing")
	}
	vecLen := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if flags&flagHasVector != 0 && vecLen > 0 {
		if off+4*vecLen > len(p) {
			return nil, fmt.Errorf("record vector overruns payload")
		}
		fr.Embedding = make([]float32, vecLen)
		for i := range fr.Embedding {
			fr.Embedding[i] = floatFromBits(binary.LittleEndian.Uint32(p[off:]))
			off += 4
		}
	}

	return fr, nil
}
