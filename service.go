package flashlog

import (
	"context"
	"fmt"
	"io"

	"github.com/viant/flashlog/flash"
	"github.com/viant/flashlog/image"
	"github.com/viant/flashlog/record"
	"github.com/viant/flashlog/sector"
)

// DefaultStorageSize is the logical image size used when no option
// overrides it.
const DefaultStorageSize = 16 * 1024

// Service is the storage engine: a fixed-size logical byte image persisted
// into a two-sector NOR flash log. Writes update the in-memory image
// immediately and append delta records to the active sector; Init rebuilds
// the image by replaying the newest valid sector, so the engine survives a
// power cut at any instant. Not safe for concurrent use; callers
// serialize externally.
type Service struct {
	dev         flash.Device
	oracle      flash.EraseOracle
	storageSize int
	autoReclaim bool
	// largest delta payload that still fits a freshly formatted sector
	maxChunk int
	codec    *record.Codec
	img      *image.Store
	sectors  *sector.Manager
	ready    bool
}

// New creates an engine over the device. The oracle gates every
// destructive erase; nil permits all. Call Init before use.
func New(dev flash.Device, oracle flash.EraseOracle, opts ...Option) (*Service, error) {
	s := &Service{
		dev:         dev,
		oracle:      oracle,
		storageSize: DefaultStorageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storageSize <= 0 || s.storageSize > record.MaxStorageSize {
		return nil, fmt.Errorf("flashlog: storage size %d out of range (1..%d)", s.storageSize, record.MaxStorageSize)
	}
	s.codec = record.NewCodec(s.storageSize)
	if min := record.HeaderSize + s.codec.SnapshotSize() + s.codec.DeltaSize(1); dev.SectorSize() < min {
		return nil, fmt.Errorf("flashlog: sector size %d must fit a snapshot and one delta (at least %d)", dev.SectorSize(), min)
	}
	s.maxChunk = dev.SectorSize() - record.HeaderSize - s.codec.SnapshotSize() - s.codec.DeltaSize(0)
	if s.maxChunk > record.MaxDeltaPayload {
		s.maxChunk = record.MaxDeltaPayload
	}
	return s, nil
}

// Init mounts the sector pair and replays the newest valid log into a
// fresh image. It may be called again at any time to simulate a restart;
// the image is rebuilt from flash alone. It fails with ErrNoValidSector
// when neither sector is recoverable.
func (s *Service) Init() error {
	s.ready = false
	s.img = image.New(s.storageSize)
	s.sectors = sector.New(s.dev, s.oracle, s.codec, s.img)
	if err := s.sectors.Mount(); err != nil {
		return err
	}
	s.ready = true
	return nil
}

// Write sets the image bytes at [offset, offset+len(data)) and appends a
// delta record to the active sector, compacting into the counterpart when
// the sector is full. On ErrEraseDenied or a device failure the image
// still holds the update and reads see it; only durability lags until a
// later write compacts successfully. A zero-length write is a no-op.
func (s *Service) Write(offset int, data []byte) error {
	if !s.ready {
		return ErrNotInitialized
	}
	if err := s.img.Write(offset, data); err != nil {
		return ErrOutOfRange
	}
	for len(data) > 0 {
		n := len(data)
		if n > s.maxChunk {
			n = s.maxChunk
		}
		if err := s.sectors.Append(offset, data[:n]); err != nil {
			return err
		}
		offset += n
		data = data[n:]
	}
	if s.autoReclaim {
		s.sectors.Reclaim()
	}
	return nil
}

// Read copies the image bytes at [offset, offset+len(dst)) into dst. The
// image is authoritative for the life of the process, so reads reflect
// every write, durable or not.
func (s *Service) Read(offset int, dst []byte) error {
	if !s.ready {
		return ErrNotInitialized
	}
	if err := s.img.Read(offset, dst); err != nil {
		return ErrOutOfRange
	}
	return nil
}

// Size returns the logical image size in bytes.
func (s *Service) Size() int {
	return s.storageSize
}

// Reclaim erases a stale or corrupt counterpart sector while permission is
// granted, so a future compaction does not pay the erase. It reports
// whether the counterpart is erased on return.
func (s *Service) Reclaim() bool {
	if !s.ready {
		return false
	}
	return s.sectors.Reclaim()
}

// Reset formats both sectors from the current in-memory image, discarding
// all log history. It is the recovery path after Init failed with
// ErrNoValidSector, and also serves hosts migrating to a new image layout.
// Erases remain gated: a denial before the first erase leaves flash
// untouched. When Reset fails midway the image is kept and an initialized
// engine stays readable; the next successful write compacts a fresh log
// rather than appending into the partially reset sectors.
func (s *Service) Reset() error {
	if s.sectors == nil {
		s.img = image.New(s.storageSize)
		s.sectors = sector.New(s.dev, s.oracle, s.codec, s.img)
	}
	if err := s.sectors.Reset(); err != nil {
		return err
	}
	s.ready = true
	return nil
}

// Stats returns the counters accumulated since the last Init or Reset.
func (s *Service) Stats() Stats {
	if s.sectors == nil {
		return Stats{}
	}
	return s.sectors.Stats()
}

// Device returns the underlying flash device.
func (s *Service) Device() flash.Device {
	return s.dev
}

// Close releases the device when it owns host resources, such as a file
// backed image. For in-memory devices it is a no-op.
func (s *Service) Close(ctx context.Context) error {
	switch dev := s.dev.(type) {
	case interface{ Close(context.Context) error }:
		return dev.Close(ctx)
	case io.Closer:
		return dev.Close()
	}
	return nil
}
