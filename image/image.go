package image

import (
	"errors"

	"github.com/viant/flashlog/flash"
	"github.com/viant/flashlog/record"
)

// ErrRange indicates an access outside the image bounds.
var ErrRange = errors.New("image: out of range")

// Store is the in-memory mirror of the logical byte image. It is mutated by
// host writes and by record replay at startup, and it never talks to flash.
// Bytes never covered by a snapshot or delta keep the erased value.
type Store struct {
	data []byte
}

// New creates an image of size bytes, all holding the erased value.
func New(size int) *Store {
	s := &Store{data: make([]byte, size)}
	s.Reset()
	return s
}

// Size returns the image length in bytes.
func (s *Store) Size() int {
	return len(s.data)
}

// Write overlays data at offset.
func (s *Store) Write(offset int, data []byte) error {
	// subtracted form: offset+len(data) overflows for huge offsets
	if offset < 0 || offset > len(s.data)-len(data) {
		return ErrRange
	}
	copy(s.data[offset:], data)
	return nil
}

// Read copies len(dst) bytes starting at offset into dst.
func (s *Store) Read(offset int, dst []byte) error {
	if offset < 0 || offset > len(s.data)-len(dst) {
		return ErrRange
	}
	copy(dst, s.data[offset:])
	return nil
}

// Apply overlays a decoded record: a delta patches its target range, a
// snapshot replaces the whole image. Records come from the codec, which has
// already validated their bounds.
func (s *Store) Apply(rec *record.Record) {
	switch rec.Kind {
	case record.KindSnapshot:
		copy(s.data, rec.Payload)
	case record.KindDelta:
		copy(s.data[rec.Offset:], rec.Payload)
	}
}

// Bytes returns the live image. Callers must not mutate it and must not
// retain it across writes.
func (s *Store) Bytes() []byte {
	return s.data
}

// Reset returns every byte to the erased value.
func (s *Store) Reset() {
	for i := range s.data {
		s.data[i] = flash.ErasedByte
	}
}
