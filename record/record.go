package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/viant/flashlog/flash"
)

// Implementation notes
// - Sector layout: [header:12][record][record]...[erased space]
// - Header: [magic:4][generation:4][crc32:4], little-endian, crc over the
//   first 8 bytes.
// - Delta record: [kind:1][offset:2][length:2][payload][crc32:4], crc over
//   everything before the crc itself.
// - Snapshot record: [kind:1][image:storageSize][crc32:4]. The image length
//   is fixed by configuration, so it is not encoded.
// - A kind byte still holding the erased value marks the append boundary.

const (
	// KindDelta tags a partial overlay record.
	KindDelta = 0x01
	// KindSnapshot tags a full-image baseline record.
	KindSnapshot = 0x02
)

const (
	// HeaderSize is the encoded sector header length.
	HeaderSize = 12

	// MaxStorageSize bounds the logical image so delta offsets fit in u16.
	MaxStorageSize = 1 << 16

	// MaxDeltaPayload bounds one delta's payload; lengths travel as u16.
	MaxDeltaPayload = 1<<16 - 1

	headerMagic = 0x53524F4E // "NORS" once little-endian encoded

	deltaOverhead = 1 + 2 + 2 + 4
)

// Record is one decoded log entry. For deltas, Payload holds the overlay
// bytes and Offset the target position in the logical image; for snapshots,
// Payload holds the whole image and Offset is zero. Payload aliases the
// scanned sector buffer rather than copying it.
type Record struct {
	Kind    byte
	Offset  int
	Payload []byte
}

// Codec encodes and decodes log records for one configured image size.
// storageSize must not exceed MaxStorageSize; the engine validates that at
// construction.
type Codec struct {
	storageSize int
}

// NewCodec creates a codec bound to the logical image size.
func NewCodec(storageSize int) *Codec {
	return &Codec{storageSize: storageSize}
}

// DeltaSize returns the encoded size of a delta carrying payloadLen bytes.
func (c *Codec) DeltaSize(payloadLen int) int {
	return deltaOverhead + payloadLen
}

// SnapshotSize returns the encoded size of a snapshot record.
func (c *Codec) SnapshotSize() int {
	return 1 + c.storageSize + 4
}

// EncodeDelta encodes an overlay of payload at offset within the image.
func (c *Codec) EncodeDelta(offset int, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxDeltaPayload {
		return nil, fmt.Errorf("record: delta payload length %d out of range", len(payload))
	}
	if offset < 0 || offset > c.storageSize-len(payload) {
		return nil, fmt.Errorf("record: delta of %d bytes at offset %d outside image of %d bytes", len(payload), offset, c.storageSize)
	}
	buf := make([]byte, c.DeltaSize(len(payload)))
	buf[0] = KindDelta
	binary.LittleEndian.PutUint16(buf[1:3], uint16(offset))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(payload)))
	copy(buf[5:], payload)
	crc := crc32.ChecksumIEEE(buf[:5+len(payload)])
	binary.LittleEndian.PutUint32(buf[5+len(payload):], crc)
	return buf, nil
}

// EncodeSnapshot encodes a full-image baseline record.
func (c *Codec) EncodeSnapshot(image []byte) ([]byte, error) {
	if len(image) != c.storageSize {
		return nil, fmt.Errorf("record: snapshot image length %d, want %d", len(image), c.storageSize)
	}
	buf := make([]byte, c.SnapshotSize())
	buf[0] = KindSnapshot
	copy(buf[1:], image)
	crc := crc32.ChecksumIEEE(buf[:1+c.storageSize])
	binary.LittleEndian.PutUint32(buf[1+c.storageSize:], crc)
	return buf, nil
}

// DecodeNext decodes the record starting at cursor within sector. It
// returns ErrEndOfLog at the erased boundary, which is how the append
// cursor is recovered at startup, and ErrCorrupt for anything that is not a
// whole, checksum-valid record. A corrupt position means an interrupted
// write: callers keep every record strictly before it and discard the rest.
func (c *Codec) DecodeNext(sector []byte, cursor int) (*Record, int, error) {
	if cursor >= len(sector) {
		return nil, cursor, ErrEndOfLog
	}
	switch kind := sector[cursor]; kind {
	case flash.ErasedByte:
		return nil, cursor, ErrEndOfLog
	case KindDelta:
		if cursor+deltaOverhead > len(sector) {
			return nil, cursor, ErrCorrupt
		}
		offset := int(binary.LittleEndian.Uint16(sector[cursor+1:]))
		length := int(binary.LittleEndian.Uint16(sector[cursor+3:]))
		end := cursor + deltaOverhead + length
		if end > len(sector) || offset+length > c.storageSize {
			return nil, cursor, ErrCorrupt
		}
		body := sector[cursor : cursor+5+length]
		want := binary.LittleEndian.Uint32(sector[cursor+5+length:])
		if crc32.ChecksumIEEE(body) != want {
			return nil, cursor, ErrCorrupt
		}
		return &Record{Kind: KindDelta, Offset: offset, Payload: sector[cursor+5 : cursor+5+length]}, end, nil
	case KindSnapshot:
		end := cursor + c.SnapshotSize()
		if end > len(sector) {
			return nil, cursor, ErrCorrupt
		}
		body := sector[cursor : cursor+1+c.storageSize]
		want := binary.LittleEndian.Uint32(sector[cursor+1+c.storageSize:])
		if crc32.ChecksumIEEE(body) != want {
			return nil, cursor, ErrCorrupt
		}
		return &Record{Kind: KindSnapshot, Payload: sector[cursor+1 : cursor+1+c.storageSize]}, end, nil
	default:
		return nil, cursor, ErrCorrupt
	}
}

// EncodeHeader encodes a sector header carrying the generation counter.
func EncodeHeader(generation uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], generation)
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[:8]))
	return buf
}

// DecodeHeader validates a sector header and returns its generation. It
// returns ErrErased when the header region was never written and ErrCorrupt
// on a magic or checksum mismatch.
func DecodeHeader(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, ErrCorrupt
	}
	erased := true
	for _, b := range buf[:HeaderSize] {
		if b != flash.ErasedByte {
			erased = false
			break
		}
	}
	if erased {
		return 0, ErrErased
	}
	if binary.LittleEndian.Uint32(buf[:4]) != headerMagic {
		return 0, ErrCorrupt
	}
	if crc32.ChecksumIEEE(buf[:8]) != binary.LittleEndian.Uint32(buf[8:12]) {
		return 0, ErrCorrupt
	}
	return binary.LittleEndian.Uint32(buf[4:8]), nil
}
