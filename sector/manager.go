package sector

import (
	"errors"
	"fmt"
	"log"

	"github.com/viant/flashlog/flash"
	"github.com/viant/flashlog/image"
	"github.com/viant/flashlog/record"
)

// Implementation notes
// - Two physical sectors ping-pong: one Active accepting appends, the other
//   Erased, Stale or Corrupt. Compaction snapshots the live image into the
//   counterpart under a higher generation; there is no separate commit
//   record, generation comparison at the next mount decides.
// - A sector is valid only when its header checks out and its first record
//   is a whole snapshot. The snapshot is the compaction commit point: a
//   crash between erase and snapshot completion leaves the counterpart
//   Corrupt while the old sector still wins the scan.
// - Appends go exclusively into pre-erased space, so the bit-clear-only
//   write constraint is respected by construction. Whenever that guarantee
//   is in doubt (torn tail, failed write) the sector is marked full and the
//   next write compacts away from it.

// Manager owns the two physical sectors: it selects the active one at
// mount, tracks the append cursor, and drives compaction and erase gating.
// Not safe for concurrent use; callers serialize externally.
type Manager struct {
	dev    flash.Device
	oracle flash.EraseOracle
	codec  *record.Codec
	img    *image.Store

	states [flash.SectorCount]State
	gens   [flash.SectorCount]uint32
	active int
	cursor int
	full   bool
	stats  Stats
}

// New wires a manager over the device. A nil oracle permits every erase.
func New(dev flash.Device, oracle flash.EraseOracle, codec *record.Codec, img *image.Store) *Manager {
	return &Manager{dev: dev, oracle: oracle, codec: codec, img: img}
}

// scan holds the outcome of validating one sector's raw bytes.
type scan struct {
	valid  bool
	state  State // Erased or Corrupt when not valid
	gen    uint32
	cursor int
	full   bool
	recs   []*record.Record
}

func (m *Manager) scanSector(buf []byte) *scan {
	gen, err := record.DecodeHeader(buf)
	if errors.Is(err, record.ErrErased) {
		// an erased header with dirt later means a torn erase; the sector
		// must not be appended into until erased again
		for _, b := range buf {
			if b != flash.ErasedByte {
				return &scan{state: StateCorrupt}
			}
		}
		return &scan{state: StateErased}
	}
	if err != nil {
		return &scan{state: StateCorrupt}
	}
	sc := &scan{gen: gen, cursor: record.HeaderSize}
	for {
		rec, next, derr := m.codec.DecodeNext(buf, sc.cursor)
		if errors.Is(derr, record.ErrEndOfLog) {
			break
		}
		if derr != nil {
			// interrupted write: keep records strictly before it and never
			// append past it
			sc.full = true
			break
		}
		sc.recs = append(sc.recs, rec)
		sc.cursor = next
	}
	if len(sc.recs) == 0 || sc.recs[0].Kind != record.KindSnapshot {
		return &scan{state: StateCorrupt}
	}
	sc.valid = true
	return sc
}

// Mount scans both sectors, selects the valid one with the newest
// generation and replays its records into the image. On factory-fresh
// flash, or when one sector is erased and the other unusable, it formats
// the erased sector instead. It fails only when no recoverable state exists
// at all.
func (m *Manager) Mount() error {
	size := m.dev.SectorSize()
	scans := [flash.SectorCount]*scan{}
	for i := range scans {
		buf := make([]byte, size)
		if err := m.dev.Read(i, 0, buf); err != nil {
			return fmt.Errorf("sector: read sector %d: %w", i, err)
		}
		scans[i] = m.scanSector(buf)
	}

	winner := -1
	for i, sc := range scans {
		if !sc.valid {
			continue
		}
		if winner < 0 || newer(sc.gen, scans[winner].gen) {
			winner = i
		}
	}
	if winner < 0 {
		target := -1
		for i, sc := range scans {
			if sc.state == StateErased {
				target = i
				break
			}
		}
		if target < 0 {
			return ErrNoValidSector
		}
		other := 1 - target
		if scans[other].state == StateCorrupt {
			log.Printf("sector: sector %d failed validation, formatting sector %d", other, target)
		}
		m.states[other] = scans[other].state
		m.gens[other] = 0
		m.img.Reset()
		return m.format(target, 1)
	}

	other := 1 - winner
	if scans[other].valid && scans[other].gen == scans[winner].gen {
		log.Printf("sector: both sectors at generation %d, using sector %d", scans[winner].gen, winner)
	}
	m.active = winner
	m.gens[winner] = scans[winner].gen
	m.states[winner] = StateActive
	m.gens[other] = scans[other].gen
	if scans[other].valid {
		m.states[other] = StateStale
	} else {
		m.states[other] = scans[other].state
		if scans[other].state == StateCorrupt {
			log.Printf("sector: sector %d failed validation, will reclaim once erase is permitted", other)
		}
	}

	m.img.Reset()
	for _, rec := range scans[winner].recs {
		m.img.Apply(rec)
	}
	m.stats.Replayed += uint64(len(scans[winner].recs))
	m.cursor = scans[winner].cursor
	m.full = scans[winner].full
	if m.full {
		m.stats.Truncations++
		log.Printf("sector: dropped torn log tail in sector %d at offset %d", winner, m.cursor)
	}
	return nil
}

// Append writes one delta record into the active sector's pre-erased space,
// compacting into the counterpart when the record would overflow.
func (m *Manager) Append(offset int, payload []byte) error {
	size := m.codec.DeltaSize(len(payload))
	if !m.full && m.cursor+size <= m.dev.SectorSize() {
		rec, err := m.codec.EncodeDelta(offset, payload)
		if err != nil {
			return err
		}
		if err := m.dev.Write(m.active, m.cursor, rec); err != nil {
			// the region past the cursor can no longer be assumed erased
			m.full = true
			return fmt.Errorf("sector: append: %w", err)
		}
		m.cursor += size
		m.stats.Appends++
		m.stats.BytesWritten += uint64(size)
		return nil
	}
	return m.compact()
}

// compact snapshots the current image into the counterpart sector under the
// next generation and makes it active. The image already carries the update
// that triggered the overflow, so no delta follows the snapshot.
func (m *Manager) compact() error {
	target := 1 - m.active
	if m.states[target] != StateErased {
		if !m.eraseOK() {
			m.stats.EraseDenials++
			return ErrEraseDenied
		}
		if err := m.dev.Erase(target); err != nil {
			m.states[target] = StateCorrupt
			return fmt.Errorf("sector: erase sector %d: %w", target, err)
		}
		m.states[target] = StateErased
		m.stats.Erases++
	}
	if err := m.format(target, m.gens[m.active]+1); err != nil {
		return err
	}
	m.states[1-target] = StateStale
	m.stats.Compactions++
	return nil
}

// format writes a header and a snapshot of the current image into an erased
// sector and makes it the active one.
func (m *Manager) format(target int, gen uint32) error {
	snap, err := m.codec.EncodeSnapshot(m.img.Bytes())
	if err != nil {
		return fmt.Errorf("sector: format: %w", err)
	}
	header := record.EncodeHeader(gen)
	if err := m.dev.Write(target, 0, header); err != nil {
		m.states[target] = StateCorrupt
		return fmt.Errorf("sector: format header: %w", err)
	}
	if err := m.dev.Write(target, record.HeaderSize, snap); err != nil {
		m.states[target] = StateCorrupt
		return fmt.Errorf("sector: format snapshot: %w", err)
	}
	m.states[target] = StateActive
	m.gens[target] = gen
	m.active = target
	m.cursor = record.HeaderSize + len(snap)
	m.full = false
	m.stats.BytesWritten += uint64(len(header) + len(snap))
	return nil
}

// Reclaim opportunistically erases a stale or corrupt counterpart so a
// future compaction finds it ready, trading an erase now for none later.
// It reports whether the counterpart is erased when it returns.
func (m *Manager) Reclaim() bool {
	target := 1 - m.active
	if m.states[target] == StateErased {
		return true
	}
	if !m.eraseOK() {
		m.stats.EraseDenials++
		return false
	}
	if err := m.dev.Erase(target); err != nil {
		log.Printf("sector: reclaim erase sector %d: %v", target, err)
		m.states[target] = StateCorrupt
		return false
	}
	m.states[target] = StateErased
	m.stats.Erases++
	return true
}

// Reset erases both sectors and formats sector 0 from the current image.
// It is the recovery path after a failed mount and deliberately discards
// all log history; a power cut while it runs can lose the flash copy until
// the final snapshot completes. Every erase is still gated. Once erasing
// has begun, any failure marks the log full: the old active sector cannot
// be trusted with appends anymore, so the next write compacts instead.
func (m *Manager) Reset() error {
	for i := 0; i < flash.SectorCount; i++ {
		if !m.eraseOK() {
			m.stats.EraseDenials++
			if i > 0 {
				m.full = true
			}
			return ErrEraseDenied
		}
		if err := m.dev.Erase(i); err != nil {
			m.states[i] = StateCorrupt
			m.full = true
			return fmt.Errorf("sector: reset erase sector %d: %w", i, err)
		}
		m.states[i] = StateErased
		m.stats.Erases++
	}
	if err := m.format(0, 1); err != nil {
		m.full = true
		return err
	}
	return nil
}

// Active returns the index of the active sector.
func (m *Manager) Active() int {
	return m.active
}

// State returns the tracked state of the given sector.
func (m *Manager) State(sector int) State {
	if sector < 0 || sector >= flash.SectorCount {
		return StateCorrupt
	}
	return m.states[sector]
}

// Generation returns the last known generation of the given sector.
func (m *Manager) Generation(sector int) uint32 {
	if sector < 0 || sector >= flash.SectorCount {
		return 0
	}
	return m.gens[sector]
}

// Stats returns the counters accumulated since this manager was created.
func (m *Manager) Stats() Stats {
	return m.stats
}

func (m *Manager) eraseOK() bool {
	if m.oracle == nil {
		return true
	}
	return m.oracle()
}

// newer reports whether generation a supersedes b under wraparound-safe
// serial comparison: a is newer when the forward distance from b to a is
// below half the counter space.
func newer(a, b uint32) bool {
	return a != b && a-b < 1<<31
}
