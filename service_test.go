package flashlog

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/viant/flashlog/flash"
	"github.com/viant/flashlog/flash/memflash"
)

// storage 32 over 64-byte sectors leaves 15 bytes of log space after the
// header and snapshot, so a 6-byte delta fills a fresh sector exactly.
const testStorage = 32

func newEngine(t *testing.T, dev flash.Device, oracle flash.EraseOracle, opts ...Option) *Service {
	t.Helper()
	svc, err := New(dev, oracle, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return svc
}

func readAll(t *testing.T, svc *Service) []byte {
	t.Helper()
	buf := make([]byte, svc.Size())
	if err := svc.Read(0, buf); err != nil {
		t.Fatalf("read image: %v", err)
	}
	return buf
}

func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestService_WriteReadReplay(t *testing.T) {
	dev := memflash.New(128)
	svc := newEngine(t, dev, nil, WithStorageSize(testStorage))

	if err := svc.Write(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := svc.Write(4, []byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got := make([]byte, 4)
	if err := svc.Read(4, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Fatalf("expected 05060708, got %x", got)
	}
	st := svc.Stats()
	if st.Appends != 2 || st.Compactions != 0 {
		t.Fatalf("expected 2 appends and no compactions, got %+v", st)
	}

	// reboot: the image must come back from flash alone
	if err := svc.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if err := svc.Read(4, got); err != nil {
		t.Fatalf("read after reinit: %v", err)
	}
	if !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Fatalf("expected 05060708 after reinit, got %x", got)
	}
	if got := svc.Stats().Replayed; got != 3 {
		t.Fatalf("expected snapshot plus 2 deltas replayed, got %d", got)
	}
}

func TestService_CompactionFoldsOverflowingWrite(t *testing.T) {
	dev := memflash.New(64)
	svc := newEngine(t, dev, nil, WithStorageSize(testStorage))

	if err := svc.Write(0, repeat(1, 6)); err != nil {
		t.Fatalf("filling write: %v", err)
	}
	// overflows the active sector; the update travels in the compaction
	// snapshot instead of a delta
	if err := svc.Write(6, repeat(2, 6)); err != nil {
		t.Fatalf("overflowing write: %v", err)
	}
	st := svc.Stats()
	if st.Appends != 1 || st.Compactions != 1 {
		t.Fatalf("expected 1 append and 1 compaction, got %+v", st)
	}
	// first compaction lands in the factory-fresh counterpart
	if n := dev.Erases(0) + dev.Erases(1); n != 0 {
		t.Fatalf("expected no erases, got %d", n)
	}
	if err := svc.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if got := svc.Stats().Replayed; got != 1 {
		t.Fatalf("expected snapshot-only replay, got %d", got)
	}
	img := readAll(t, svc)
	if !bytes.Equal(img[:12], append(repeat(1, 6), repeat(2, 6)...)) {
		t.Fatalf("unexpected image prefix %x", img[:12])
	}
}

func TestService_Guards(t *testing.T) {
	svc, err := New(memflash.New(128), nil, WithStorageSize(testStorage))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Write(0, []byte{1}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized on write, got %v", err)
	}
	if err := svc.Read(0, make([]byte, 1)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized on read, got %v", err)
	}
	if svc.Reclaim() {
		t.Fatalf("expected reclaim to report false before init")
	}
	if st := svc.Stats(); st != (Stats{}) {
		t.Fatalf("expected zero stats before init, got %+v", st)
	}
	if svc.Size() != testStorage {
		t.Fatalf("expected size %d, got %d", testStorage, svc.Size())
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(memflash.New(128), nil, WithStorageSize(-1)); err == nil {
		t.Fatalf("expected error for negative storage size")
	}
	if _, err := New(memflash.New(1<<20), nil, WithStorageSize(1<<16 + 1)); err == nil {
		t.Fatalf("expected error for oversized storage size")
	}
	// 32-byte storage needs at least 59 bytes per sector
	if _, err := New(memflash.New(58), nil, WithStorageSize(testStorage)); err == nil {
		t.Fatalf("expected error for undersized sector")
	}
	if _, err := New(memflash.New(59), nil, WithStorageSize(testStorage)); err != nil {
		t.Fatalf("expected minimal geometry to pass, got %v", err)
	}
}

func TestService_Bounds(t *testing.T) {
	dev := memflash.New(128)
	svc := newEngine(t, dev, nil, WithStorageSize(testStorage))

	if err := svc.Write(-1, []byte{1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for negative offset, got %v", err)
	}
	if err := svc.Write(testStorage-2, []byte{1, 2, 3}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange past the end, got %v", err)
	}
	// offsets near MaxInt must fail the range check, not wrap it
	if err := svc.Write(math.MaxInt, []byte{1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for huge offset, got %v", err)
	}
	if err := svc.Write(testStorage+1, nil); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for offset past the end, got %v", err)
	}
	if err := svc.Write(testStorage, nil); err != nil {
		t.Fatalf("expected empty write at the boundary to be a no-op, got %v", err)
	}
	if err := svc.Write(3, nil); err != nil {
		t.Fatalf("expected empty write to be a no-op, got %v", err)
	}
	if err := svc.Read(testStorage-2, make([]byte, 3)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange on read, got %v", err)
	}
	if err := svc.Read(math.MaxInt, make([]byte, 1)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for huge read offset, got %v", err)
	}
	if st := svc.Stats(); st.Appends != 0 {
		t.Fatalf("expected nothing persisted, got %+v", st)
	}
	for i, b := range readAll(t, svc) {
		if b != 0xFF {
			t.Fatalf("expected untouched image, got %#x at %d", b, i)
		}
	}
}

func TestService_DurabilityUnderDenial(t *testing.T) {
	gate := false
	dev := memflash.New(64)
	svc := newEngine(t, dev, func() bool { return gate }, WithStorageSize(testStorage))

	steps := [][]byte{repeat(1, 6), repeat(2, 6), repeat(3, 6)}
	for i, payload := range steps {
		if err := svc.Write(i*6, payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// both sectors are now used up; durability needs an erase
	if err := svc.Write(18, repeat(4, 6)); !errors.Is(err, ErrEraseDenied) {
		t.Fatalf("expected ErrEraseDenied, got %v", err)
	}
	got := make([]byte, 6)
	if err := svc.Read(18, got); err != nil {
		t.Fatalf("read after denial: %v", err)
	}
	if !bytes.Equal(got, repeat(4, 6)) {
		t.Fatalf("expected denied write to stay readable, got %x", got)
	}
	if err := svc.Write(24, repeat(5, 6)); !errors.Is(err, ErrEraseDenied) {
		t.Fatalf("expected repeated denial, got %v", err)
	}
	if st := svc.Stats(); st.EraseDenials != 2 {
		t.Fatalf("expected 2 denials, got %+v", st)
	}

	// granting lets the next write compact, which snapshots the image and
	// retroactively persists every denied update
	gate = true
	if err := svc.Write(24, repeat(5, 6)); err != nil {
		t.Fatalf("write after grant: %v", err)
	}
	if dev.Erases(0) != 1 || dev.Erases(1) != 0 {
		t.Fatalf("expected a single erase of sector 0, got %d/%d", dev.Erases(0), dev.Erases(1))
	}
	if err := svc.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	want := bytes.Join([][]byte{repeat(1, 6), repeat(2, 6), repeat(3, 6), repeat(4, 6), repeat(5, 6), repeat(0xFF, 2)}, nil)
	if img := readAll(t, svc); !bytes.Equal(img, want) {
		t.Fatalf("expected %x, got %x", want, img)
	}
}

func TestService_ResetRecoversUnusableFlash(t *testing.T) {
	dev := memflash.New(64)
	junk := repeat(0xAB, 20)
	dev.Corrupt(0, 0, junk)
	dev.Corrupt(1, 0, junk)

	svc, err := New(dev, nil, WithStorageSize(testStorage))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Init(); !errors.Is(err, ErrNoValidSector) {
		t.Fatalf("expected ErrNoValidSector, got %v", err)
	}
	if err := svc.Write(0, []byte{7}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after failed init, got %v", err)
	}
	if err := svc.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if dev.Erases(0) != 1 || dev.Erases(1) != 1 {
		t.Fatalf("expected both sectors erased, got %d/%d", dev.Erases(0), dev.Erases(1))
	}
	if err := svc.Write(0, []byte{7, 7}); err != nil {
		t.Fatalf("write after reset: %v", err)
	}
	if err := svc.Init(); err != nil {
		t.Fatalf("init after reset: %v", err)
	}
	if img := readAll(t, svc); img[0] != 7 || img[1] != 7 {
		t.Fatalf("expected reset state to persist, got %x", img[:2])
	}

	// Reset must also work on a never-initialized engine
	fresh, err := New(memflash.New(64), nil, WithStorageSize(testStorage))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := fresh.Reset(); err != nil {
		t.Fatalf("reset fresh: %v", err)
	}
	if err := fresh.Write(1, []byte{9}); err != nil {
		t.Fatalf("write after fresh reset: %v", err)
	}
}

func TestService_PartialResetDurability(t *testing.T) {
	grants := 2
	dev := memflash.New(64)
	svc := newEngine(t, dev, func() bool {
		if grants > 0 {
			grants--
			return true
		}
		return false
	}, WithStorageSize(testStorage))

	// two compactions leave real generations in both sectors; the second
	// consumes the first grant
	for i, payload := range [][]byte{repeat(1, 6), repeat(2, 6), repeat(3, 6), repeat(4, 6)} {
		if err := svc.Write(i*6, payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// the last grant erases the active sector 0, then the denial on
	// sector 1 aborts the reset
	if err := svc.Reset(); !errors.Is(err, ErrEraseDenied) {
		t.Fatalf("expected ErrEraseDenied from partial reset, got %v", err)
	}
	if dev.Erases(0) != 2 || dev.Erases(1) != 0 {
		t.Fatalf("expected erases 2/0 after partial reset, got %d/%d", dev.Erases(0), dev.Erases(1))
	}
	// the old active sector is erased and headerless; a nil write here
	// would acknowledge durability that a reboot cannot recover
	if err := svc.Write(20, []byte{0xAB}); !errors.Is(err, ErrEraseDenied) {
		t.Fatalf("expected ErrEraseDenied after partial reset, got %v", err)
	}
	got := make([]byte, 1)
	if err := svc.Read(20, got); err != nil || got[0] != 0xAB {
		t.Fatalf("expected the image to keep the update, got %x err %v", got, err)
	}

	grants = 1
	if err := svc.Write(20, []byte{0xAB}); err != nil {
		t.Fatalf("write after grant: %v", err)
	}
	if err := svc.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if err := svc.Read(20, got); err != nil || got[0] != 0xAB {
		t.Fatalf("acknowledged write lost after reboot: got %x err %v", got, err)
	}
}

func TestService_AutoReclaim(t *testing.T) {
	dev := memflash.New(64)
	svc := newEngine(t, dev, nil, WithStorageSize(testStorage), WithAutoReclaim(true))

	if err := svc.Write(0, repeat(1, 6)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := dev.Erases(0) + dev.Erases(1); n != 0 {
		t.Fatalf("expected no erase while counterpart is factory fresh, got %d", n)
	}
	// compaction stales sector 0, auto reclaim erases it right away
	if err := svc.Write(6, repeat(2, 6)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if dev.Erases(0) != 1 || dev.Erases(1) != 0 {
		t.Fatalf("expected eager erase of sector 0, got %d/%d", dev.Erases(0), dev.Erases(1))
	}
	if err := svc.Write(12, repeat(3, 6)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// this compaction finds its target pre-erased and pays nothing extra
	if err := svc.Write(18, repeat(4, 6)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if dev.Erases(0) != 1 || dev.Erases(1) != 1 {
		t.Fatalf("expected one erase per sector, got %d/%d", dev.Erases(0), dev.Erases(1))
	}
	st := svc.Stats()
	if st.Compactions != 2 || st.Erases != 2 {
		t.Fatalf("expected 2 compactions and 2 erases, got %+v", st)
	}
}

func TestService_LargeWriteChunks(t *testing.T) {
	// this geometry caps one delta payload at 6 bytes, so a full-image
	// write must be split and survive compactions mid-write
	dev := memflash.New(64)
	svc := newEngine(t, dev, nil, WithStorageSize(testStorage))

	data := make([]byte, testStorage)
	for i := range data {
		data[i] = byte(i)
	}
	if err := svc.Write(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if img := readAll(t, svc); !bytes.Equal(img, data) {
		t.Fatalf("expected %x, got %x", data, img)
	}
	if st := svc.Stats(); st.Compactions != 3 {
		t.Fatalf("expected 3 compactions, got %+v", st)
	}
	if err := svc.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if img := readAll(t, svc); !bytes.Equal(img, data) {
		t.Fatalf("expected %x after reinit, got %x", data, img)
	}
}

func TestService_Soak(t *testing.T) {
	const (
		storage = 256
		sector  = 1024
		writes  = 4000
	)
	polls, alwaysGrant := 0, false
	oracle := func() bool {
		polls++
		return alwaysGrant || polls%4 == 3
	}
	dev := memflash.New(sector)
	svc := newEngine(t, dev, oracle, WithStorageSize(storage))

	// the image defaults to erased bytes, so the mirror starts there too
	mirror := repeat(0xFF, storage)
	rng := rand.New(rand.NewSource(1))
	totalCompactions := uint64(0)

	drainAndReboot := func() {
		t.Helper()
		alwaysGrant = true
		// one granted write compacts any pending state through to flash
		if err := svc.Write(0, []byte{mirror[0]}); err != nil {
			t.Fatalf("drain write: %v", err)
		}
		alwaysGrant = false
		totalCompactions += svc.Stats().Compactions
		if err := svc.Init(); err != nil {
			t.Fatalf("reinit: %v", err)
		}
		if img := readAll(t, svc); !bytes.Equal(img, mirror) {
			t.Fatalf("image diverged from mirror after reboot")
		}
	}

	for i := 0; i < writes; i++ {
		offset := rng.Intn(storage)
		n := 1 + rng.Intn(16)
		if offset+n > storage {
			n = storage - offset
		}
		payload := make([]byte, n)
		for j := range payload {
			payload[j] = byte(rng.Intn(256))
		}
		err := svc.Write(offset, payload)
		if err != nil && !errors.Is(err, ErrEraseDenied) {
			t.Fatalf("write %d: %v", i, err)
		}
		// denied or not, the image carries the update
		copy(mirror[offset:], payload)
		if i%97 == 0 {
			svc.Reclaim()
		}
		if i == writes/2 {
			drainAndReboot()
		}
	}
	drainAndReboot()

	if svc.Stats().Replayed == 0 {
		t.Fatalf("expected replayed records after final reboot")
	}
	if totalCompactions <= 10 {
		t.Fatalf("expected the soak to compact repeatedly, got %d", totalCompactions)
	}
	// each compaction stales one sector and each stale period costs at most
	// one erase, reclaimed early or paid at compaction time
	if erases := dev.Erases(0) + dev.Erases(1); erases > totalCompactions {
		t.Fatalf("erases %d exceed compactions %d", erases, totalCompactions)
	}
}
