package blockmgr_test

import (
	"testing"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/bitmap"
	"github.com/anivice/cfs/blockmgr"
	"github.com/anivice/cfs/journal"
)

type memBitmapStore struct {
	mirrors [2][]byte
}

func newMemBitmapStore(nBits uint64) *memBitmapStore {
	n := int((nBits + 7) / 8)
	return &memBitmapStore{mirrors: [2][]byte{make([]byte, n), make([]byte, n)}}
}

func (s *memBitmapStore) ReadAt(mirror int, byteOff int64, n int) ([]byte, error) {
	return append([]byte(nil), s.mirrors[mirror][byteOff:int(byteOff)+n]...), nil
}

func (s *memBitmapStore) WriteAt(mirror int, byteOff int64, data []byte) error {
	copy(s.mirrors[mirror][byteOff:], data)
	return nil
}

type memPageStore struct {
	pageSize int
	pages    [][]byte
}

func newMemPageStore(pageSize, n int) *memPageStore {
	s := &memPageStore{pageSize: pageSize}
	for i := 0; i < n; i++ {
		s.pages = append(s.pages, make([]byte, pageSize))
	}
	return s
}

func (s *memPageStore) PageSize() int { return s.pageSize }

func (s *memPageStore) ReadPage(page int) ([]byte, error) {
	return append([]byte(nil), s.pages[page]...), nil
}

func (s *memPageStore) WritePage(page int, data []byte) error {
	copy(s.pages[page], data)
	return nil
}

type journalMem struct{ buf []byte }

func (m *journalMem) ReadAt(off int64, n int) ([]byte, error) {
	return append([]byte(nil), m.buf[off:int(off)+n]...), nil
}

func (m *journalMem) WriteAt(off int64, data []byte) error {
	copy(m.buf[off:], data)
	return nil
}

type fakeHeader struct {
	last            uint64
	allocatedNonCow uint64
}

func (*fakeHeader) Lock()   {}
func (*fakeHeader) Unlock() {}
func (h *fakeHeader) LastAllocatedBlock() uint64     { return h.last }
func (h *fakeHeader) SetLastAllocatedBlock(i uint64) { h.last = i }
func (h *fakeHeader) IncAllocatedNonCow()            { h.allocatedNonCow++ }
func (h *fakeHeader) DecAllocatedNonCow()            { h.allocatedNonCow-- }

func newTestManager(t *testing.T, n uint64) (*blockmgr.Manager, *bitmap.Bitmap, *attribute.Table) {
	t.Helper()
	const blockSize = 4096
	bm := bitmap.New(newMemBitmapStore(n), n, func() uint64 { return 0 }, func(uint64) {})
	attrs := attribute.New(newMemPageStore(blockSize, 1), n)
	ring, err := journal.Open(&journalMem{buf: make([]byte, 1<<16)}, 64, 0, 32, 64)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	return blockmgr.New(bm, attrs, ring, &fakeHeader{}, n), bm, attrs
}

// TestAllocateDeallocateRoundTrip is property P3's base case: an allocated
// block reads back used, and a deallocated one reads back free.
func TestAllocateDeallocateRoundTrip(t *testing.T) {
	mgr, bm, _ := newTestManager(t, 64)

	idx, err := mgr.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	used, err := bm.Get(idx)
	if err != nil || !used {
		t.Fatalf("bit at %d = %v, %v, want true, nil", idx, used, err)
	}

	if err := mgr.Deallocate(idx); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	used, err = bm.Get(idx)
	if err != nil || used {
		t.Fatalf("bit at %d after Deallocate = %v, %v, want false, nil", idx, used, err)
	}
}

// TestOutOfSpaceReclaimsOldestRedundancyFirst covers C7 step 3: once the
// bitmap is full, Allocate must age every block, then reclaim only the
// CoW-redundancy blocks whose age is at least half the oldest one found,
// leaving a fresher redundancy block (and any referenced block) alone.
func TestOutOfSpaceReclaimsOldestRedundancyFirst(t *testing.T) {
	mgr, bm, attrs := newTestManager(t, 4)

	for i := uint64(0); i < 4; i++ {
		if err := bm.Set(i, true); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	// Block 0: stale CoW-redundancy, unreferenced -- the reclaim target.
	if err := attrs.Set(0, attribute.Attr{Type: attribute.TypeCowRedundancy}, nil); err != nil {
		t.Fatalf("Set attr 0: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := attrs.IncAge(0); err != nil {
			t.Fatalf("IncAge(0): %v", err)
		}
	}
	// Block 1: live storage, must never be touched by the OOM scan.
	if err := attrs.Set(1, attribute.Attr{Type: attribute.TypeStorage, Status: attribute.StatusModifiable}, nil); err != nil {
		t.Fatalf("Set attr 1: %v", err)
	}
	// Block 2: CoW-redundancy but still referenced, must survive.
	if err := attrs.Set(2, attribute.Attr{Type: attribute.TypeCowRedundancy, RefCount: 1}, nil); err != nil {
		t.Fatalf("Set attr 2: %v", err)
	}
	// Block 3: index node, must never be touched.
	if err := attrs.Set(3, attribute.Attr{Type: attribute.TypeIndexNode, Status: attribute.StatusModifiable}, nil); err != nil {
		t.Fatalf("Set attr 3: %v", err)
	}

	idx, err := mgr.Allocate()
	if err != nil {
		t.Fatalf("Allocate after full bitmap: %v", err)
	}
	if idx != 0 {
		t.Fatalf("Allocate reclaimed index %d, want 0 (the stale redundancy block)", idx)
	}

	for _, i := range []uint64{1, 2, 3} {
		used, err := bm.Get(i)
		if err != nil || !used {
			t.Fatalf("bit at %d = %v, %v, want still used", i, used, err)
		}
	}
}

// TestOutOfSpaceFailsWithNoRedundancyToEvict confirms a genuinely full,
// redundancy-free image reports ErrOutOfSpace instead of reclaiming live data.
func TestOutOfSpaceFailsWithNoRedundancyToEvict(t *testing.T) {
	mgr, bm, attrs := newTestManager(t, 2)

	for i := uint64(0); i < 2; i++ {
		if err := bm.Set(i, true); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
		if err := attrs.Set(i, attribute.Attr{Type: attribute.TypeStorage, Status: attribute.StatusModifiable}, nil); err != nil {
			t.Fatalf("Set attr %d: %v", i, err)
		}
	}

	if _, err := mgr.Allocate(); err != blockmgr.ErrOutOfSpace {
		t.Fatalf("Allocate = %v, want ErrOutOfSpace", err)
	}
}
