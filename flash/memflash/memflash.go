package memflash

import (
	"errors"
	"sync"

	"github.com/viant/flashlog/flash"
)

var (
	// ErrWriteFault is the injected failure returned by FailWrites.
	ErrWriteFault = errors.New("memflash: injected write fault")

	// ErrEraseFault is the injected failure returned by FailErases.
	ErrEraseFault = errors.New("memflash: injected erase fault")

	// ErrPowerCut is returned once an armed power budget runs out; the
	// interrupted operation leaves a torn prefix behind, like real flash.
	ErrPowerCut = errors.New("memflash: power cut")
)

// Device is an in-memory NOR flash simulation. It is intended for tests and
// host-side wiring only. Both sectors start fully erased, as on a factory
// fresh part, and Write enforces the bit-clear-only programming rule.
type Device struct {
	mu         sync.Mutex
	sectorSize int
	sectors    [flash.SectorCount][]byte
	erases     [flash.SectorCount]uint64
	writes     uint64
	failWrites int
	failErases int
	// remaining programmable bytes before a simulated power cut; -1 is
	// unlimited
	cut int
}

// New creates a device with two erased sectors of sectorSize bytes each.
// sectorSize must be positive.
func New(sectorSize int) *Device {
	d := &Device{sectorSize: sectorSize, cut: -1}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
		for j := range d.sectors[i] {
			d.sectors[i][j] = flash.ErasedByte
		}
	}
	return d
}

// Read copies len(dst) bytes starting at offset within sector into dst.
func (d *Device) Read(sector, offset int, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
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
// cleared bit back to 1 is rejected with flash.ErrBitSet before any byte is
// programmed. An exhausted power budget tears the write mid-byte-stream.
func (d *Device) Write(sector, offset int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= flash.SectorCount {
		return flash.ErrSector
	}
	if offset < 0 || offset > d.sectorSize-len(data) {
		return flash.ErrBounds
	}
	if d.failWrites > 0 {
		d.failWrites--
		return ErrWriteFault
	}
	if d.cut == 0 {
		return ErrPowerCut
	}
	mem := d.sectors[sector]
	// validate the whole range first so a rejected write programs nothing
	for i, b := range data {
		if b&^mem[offset+i] != 0 {
			return flash.ErrBitSet
		}
	}
	for i, b := range data {
		if d.cut == 0 {
			return ErrPowerCut
		}
		if d.cut > 0 {
			d.cut--
		}
		mem[offset+i] = b
	}
	d.writes++
	return nil
}

// Erase resets the whole sector to the erased value. An exhausted power
// budget leaves the sector partially erased.
func (d *Device) Erase(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= flash.SectorCount {
		return flash.ErrSector
	}
	if d.failErases > 0 {
		d.failErases--
		return ErrEraseFault
	}
	if d.cut == 0 {
		return ErrPowerCut
	}
	mem := d.sectors[sector]
	for i := range mem {
		if d.cut == 0 {
			return ErrPowerCut
		}
		if d.cut > 0 {
			d.cut--
		}
		mem[i] = flash.ErasedByte
	}
	d.erases[sector]++
	return nil
}

// SectorSize returns the configured sector length in bytes.
func (d *Device) SectorSize() int {
	return d.sectorSize
}

// Erases returns how many completed erase cycles the sector has seen.
func (d *Device) Erases(sector int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= flash.SectorCount {
		return 0
	}
	return d.erases[sector]
}

// Writes returns how many write calls completed without fault.
func (d *Device) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// FailWrites makes the next n Write calls fail cleanly, programming nothing.
func (d *Device) FailWrites(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = n
}

// FailErases makes the next n Erase calls fail, leaving the sector as is.
func (d *Device) FailErases(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErases = n
}

// CutPower arms a power budget of n more programmable bytes. The operation
// in flight when the budget runs out is torn: its prefix stays programmed.
// Every later operation fails with ErrPowerCut until Restore.
func (d *Device) CutPower(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cut = n
}

// Restore clears a power cut, simulating the device coming back after a
// reboot. Sector contents are kept exactly as the cut left them.
func (d *Device) Restore() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cut = -1
}

// Snapshot returns a copy of the sector's raw bytes.
func (d *Device) Snapshot(sector int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= flash.SectorCount {
		return nil
	}
	out := make([]byte, d.sectorSize)
	copy(out, d.sectors[sector])
	return out
}

// Corrupt overwrites raw sector bytes bypassing the NOR programming rules
// and the power budget. Test hook for simulating external damage.
func (d *Device) Corrupt(sector, offset int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= flash.SectorCount {
		return
	}
	copy(d.sectors[sector][offset:], data)
}

var _ flash.Device = (*Device)(nil)
