// Package fileflash persists a simulated two-sector NOR device into a host
// file, so engine state survives process restarts the way real flash
// survives power loss.
//
// Implementation notes:
//   - The whole device is one bintly-encoded envelope: geometry, per-sector
//     erase counters, sector payloads and their highwayhash fingerprints.
//     Payloads are optionally zstd-compressed, which pays off because NOR
//     sectors are mostly 0xFF runs.
//   - Fingerprints are checked on load; a mismatch means the host file was
//     damaged outside this package and the device refuses to serve it.
//   - A flock-held .lock sibling keeps two processes off the same image.
//     Non-file URLs (e.g. mem://) skip locking.
//   - Flash operations never touch the host file. Sync and Close persist;
//     hosts decide when simulated flash must hit the backing store.
package fileflash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/highwayhash"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/bintly"
	"github.com/viant/flashlog/flash"
)

const imageVersion = 1

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("fileflash: device closed")

	// ErrLocked reports that another process holds the device image.
	ErrLocked = errors.New("fileflash: device image locked by another process")

	// ErrCorruptImage reports a fingerprint mismatch on load.
	ErrCorruptImage = errors.New("fileflash: device image corrupted")
)

var fingerprintKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// Options configures a device.
type Options struct {
	// URL locates the persisted image, e.g. file:///var/lib/app/flash.img
	// or mem://localhost/flash.img in tests.
	URL string
	// SectorSize is each sector's length in bytes.
	SectorSize int
	// Compress stores sector payloads zstd-compressed.
	Compress bool
}

// Device is a file backed NOR flash simulation. It keeps both sectors in
// memory with the same bit-clear-only programming rules as a real part and
// persists them on Sync or Close.
type Device struct {
	mu         sync.Mutex
	fs         afs.Service
	url        string
	sectorSize int
	compress   bool
	sectors    [flash.SectorCount][]byte
	erases     [flash.SectorCount]uint64
	lockFile   *os.File
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
	dirty      bool
	closed     bool
}

// Open loads the device image at the options URL, or starts factory fresh
// when none exists. A file scheme image is locked exclusively for the
// lifetime of the device; a second open fails with ErrLocked.
func Open(ctx context.Context, options Options) (*Device, error) {
	if options.SectorSize <= 0 {
		return nil, fmt.Errorf("fileflash: sector size %d must be positive", options.SectorSize)
	}
	if strings.TrimSpace(options.URL) == "" {
		return nil, fmt.Errorf("fileflash: URL is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("fileflash: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("fileflash: zstd decoder: %w", err)
	}
	d := &Device{
		fs:         afs.New(),
		url:        options.URL,
		sectorSize: options.SectorSize,
		compress:   options.Compress,
		encoder:    encoder,
		decoder:    decoder,
	}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, options.SectorSize)
		for j := range d.sectors[i] {
			d.sectors[i][j] = flash.ErasedByte
		}
	}
	if err := d.lock(); err != nil {
		d.release()
		return nil, err
	}
	if ok, _ := d.fs.Exists(ctx, d.url); ok {
		if err := d.load(ctx); err != nil {
			d.unlock()
			d.release()
			return nil, err
		}
	}
	return d, nil
}

// Read copies len(dst) bytes starting at offset within sector into dst.
func (d *Device) Read(sector, offset int, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if sector < 0 || sector >= flash.SectorCount {
		return flash.ErrSector
	}
	if offset < 0 || offset > d.sectorSize-len(dst) {
		return flash.ErrBounds
	}
	copy(dst, d.sectors[sector][offset:])
	return nil
}

// Write programs data at offset within sector. A write that would set a
// cleared bit back to 1 is rejected with flash.ErrBitSet before any byte
// is programmed.
func (d *Device) Write(sector, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if sector < 0 || sector >= flash.SectorCount {
		return flash.ErrSector
	}
	if offset < 0 || offset > d.sectorSize-len(data) {
		return flash.ErrBounds
	}
	mem := d.sectors[sector]
	for i, b := range data {
		if b&^mem[offset+i] != 0 {
			return flash.ErrBitSet
		}
	}
	copy(mem[offset:], data)
	if len(data) > 0 {
		d.dirty = true
	}
	return nil
}

// Erase resets the whole sector to the erased value and bumps its wear
// counter. Counters persist with the image, so wear tracking spans
// process restarts.
func (d *Device) Erase(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if sector < 0 || sector >= flash.SectorCount {
		return flash.ErrSector
	}
	mem := d.sectors[sector]
	for i := range mem {
		mem[i] = flash.ErasedByte
	}
	d.erases[sector]++
	d.dirty = true
	return nil
}

// SectorSize returns the configured sector length in bytes.
func (d *Device) SectorSize() int {
	return d.sectorSize
}

// Erases returns how many erase cycles the sector has seen over the
// lifetime of the image.
func (d *Device) Erases(sector int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= flash.SectorCount {
		return 0
	}
	return d.erases[sector]
}

// Sync persists the device image to the backing store.
func (d *Device) Sync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.sync(ctx)
}

func (d *Device) sync(ctx context.Context) error {
	img := &deviceImage{
		Version:    imageVersion,
		SectorSize: uint32(d.sectorSize),
		Compressed: d.compress,
	}
	for i := range d.sectors {
		sum, err := fingerprint(d.sectors[i])
		if err != nil {
			return fmt.Errorf("fileflash: fingerprint sector %d: %w", i, err)
		}
		img.Sums[i] = sum
		img.Erases[i] = d.erases[i]
		payload := d.sectors[i]
		if d.compress {
			payload = d.encoder.EncodeAll(payload, nil)
		}
		img.Sectors[i] = payload
	}
	writers := bintly.NewWriters()
	writer := writers.Get()
	defer writers.Put(writer)
	if err := img.EncodeBinary(writer); err != nil {
		return fmt.Errorf("fileflash: encode image: %w", err)
	}
	if ok, _ := d.fs.Exists(ctx, d.url); ok {
		_ = d.fs.Delete(ctx, d.url)
	}
	if err := d.fs.Upload(ctx, d.url, file.DefaultFileOsMode, bytes.NewReader(writer.Bytes())); err != nil {
		return fmt.Errorf("fileflash: upload image: %w", err)
	}
	d.dirty = false
	return nil
}

func (d *Device) load(ctx context.Context) error {
	reader, err := d.fs.OpenURL(ctx, d.url)
	if err != nil {
		return fmt.Errorf("fileflash: open image: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("fileflash: read image: %w", err)
	}
	readers := bintly.NewReaders()
	streamReader := readers.Get()
	defer readers.Put(streamReader)
	if err := streamReader.FromBytes(data); err != nil {
		return fmt.Errorf("fileflash: decode image: %w", err)
	}
	img := &deviceImage{}
	if err := img.DecodeBinary(streamReader); err != nil {
		return fmt.Errorf("fileflash: decode image: %w", err)
	}
	if img.Version != imageVersion {
		return fmt.Errorf("fileflash: unsupported image version %d", img.Version)
	}
	if int(img.SectorSize) != d.sectorSize {
		return fmt.Errorf("fileflash: image sector size %d, want %d", img.SectorSize, d.sectorSize)
	}
	for i := range d.sectors {
		payload := img.Sectors[i]
		if img.Compressed {
			if payload, err = d.decoder.DecodeAll(payload, nil); err != nil {
				return fmt.Errorf("fileflash: decompress sector %d: %w", i, err)
			}
		}
		if len(payload) != d.sectorSize {
			return fmt.Errorf("fileflash: sector %d length %d, want %d: %w", i, len(payload), d.sectorSize, ErrCorruptImage)
		}
		sum, err := fingerprint(payload)
		if err != nil {
			return fmt.Errorf("fileflash: fingerprint sector %d: %w", i, err)
		}
		if sum != img.Sums[i] {
			return fmt.Errorf("fileflash: sector %d fingerprint mismatch: %w", i, ErrCorruptImage)
		}
		copy(d.sectors[i], payload)
		d.erases[i] = img.Erases[i]
	}
	return nil
}

// Close persists the image when it changed, releases the lock and frees
// the compressors. Further operations fail with ErrClosed.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	var firstErr error
	if d.dirty {
		firstErr = d.sync(ctx)
	}
	d.closed = true
	d.unlock()
	d.release()
	return firstErr
}

func (d *Device) lock() error {
	if !isFileURL(d.url) {
		return nil
	}
	path := localPath(d.url) + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("fileflash: lock: %w", err)
	}
	if err := tryLockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return ErrLocked
		}
		return fmt.Errorf("fileflash: lock: %w", err)
	}
	d.lockFile = f
	return nil
}

func (d *Device) unlock() {
	if d.lockFile == nil {
		return
	}
	_ = unlockFile(d.lockFile)
	_ = d.lockFile.Close()
	d.lockFile = nil
}

func (d *Device) release() {
	if d.encoder != nil {
		d.encoder.Close()
		d.encoder = nil
	}
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder = nil
	}
}

func isFileURL(URL string) bool {
	return !strings.Contains(URL, "://") || strings.HasPrefix(URL, "file://")
}

func localPath(URL string) string {
	for _, prefix := range []string{"file://localhost", "file://", "file:"} {
		if strings.HasPrefix(URL, prefix) {
			return strings.TrimPrefix(URL, prefix)
		}
	}
	return URL
}

// deviceImage is the persisted envelope: geometry, wear counters and both
// sector payloads with their fingerprints.
type deviceImage struct {
	Version    uint32
	SectorSize uint32
	Compressed bool
	Erases     [flash.SectorCount]uint64
	Sums       [flash.SectorCount]uint64
	Sectors    [flash.SectorCount][]byte
}

// EncodeBinary encodes the envelope to the binary stream.
func (i *deviceImage) EncodeBinary(stream *bintly.Writer) error {
	stream.Uint32(i.Version)
	stream.Uint32(i.SectorSize)
	stream.Bool(i.Compressed)
	for k := 0; k < flash.SectorCount; k++ {
		stream.Uint64(i.Erases[k])
		stream.Uint64(i.Sums[k])
		stream.Uint8s(i.Sectors[k])
	}
	return nil
}

// DecodeBinary decodes the envelope from the binary stream.
func (i *deviceImage) DecodeBinary(stream *bintly.Reader) error {
	stream.Uint32(&i.Version)
	stream.Uint32(&i.SectorSize)
	stream.Bool(&i.Compressed)
	for k := 0; k < flash.SectorCount; k++ {
		stream.Uint64(&i.Erases[k])
		stream.Uint64(&i.Sums[k])
		stream.Uint8s(&i.Sectors[k])
	}
	return nil
}

func fingerprint(data []byte) (uint64, error) {
	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		return 0, err
	}
	if _, err = h.Write(data); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

var _ flash.Device = (*Device)(nil)
