package flash

// Device is the driver contract for a two-sector NOR flash region.
// Sectors are numbered 0 and 1; each is SectorSize bytes long.
//
// NOR semantics: an erase resets every byte of a sector to the erased value
// (all bits 1); a write can only clear bits (1 -> 0) and is therefore safe
// only into a region untouched since the last erase. The engine above this
// interface appends exclusively into pre-erased space, so the constraint is
// a precondition here rather than something a production driver must police.
// Simulated devices enforce it and return ErrBitSet on violations.
type Device interface {
	// Read copies len(dst) bytes starting at offset within sector into dst.
	Read(sector, offset int, dst []byte) error

	// Write programs data starting at offset within sector. The target
	// region must still hold the erased value.
	Write(sector, offset int, data []byte) error

	// Erase resets the whole sector to the erased value. It is the only
	// way bits return to 1, and the only operation the erase oracle gates.
	Erase(sector int) error

	// SectorSize returns the sector length in bytes; constant for the
	// lifetime of the device.
	SectorSize() int
}

// SectorCount is fixed by the ping-pong layout.
const SectorCount = 2

// ErasedByte is the value every byte holds after a sector erase.
const ErasedByte = 0xFF

// EraseOracle reports whether a destructive sector erase may start right
// now. The engine polls it immediately before every erase attempt and never
// caches the answer; a denial is an expected outcome, not an error. A nil
// oracle permits every erase.
type EraseOracle func() bool
