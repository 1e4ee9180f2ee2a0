package dentry_test

import (
	"testing"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/dentry"
	"github.com/anivice/cfs/inode"
	"github.com/anivice/cfs/journal"
)

type fakeBlocks struct {
	blockSize uint64
	blocks    map[uint64][]byte
	next      uint64
}

func newFakeBlocks(blockSize uint64) *fakeBlocks {
	return &fakeBlocks{blockSize: blockSize, blocks: map[uint64][]byte{}, next: 1}
}

func (f *fakeBlocks) ReadBlock(idx uint64) ([]byte, error) {
	if b, ok := f.blocks[idx]; ok {
		return append([]byte(nil), b...), nil
	}
	return make([]byte, f.blockSize), nil
}

func (f *fakeBlocks) WriteBlock(idx uint64, data []byte) error {
	f.blocks[idx] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlocks) Allocate() (uint64, error) {
	f.next++
	return f.next, nil
}

func (f *fakeBlocks) Deallocate(idx uint64) error {
	delete(f.blocks, idx)
	return nil
}

type fakeAttrs struct{}

func (fakeAttrs) Get(i uint64) (attribute.Attr, error) { return attribute.Attr{}, nil }
func (fakeAttrs) Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error {
	return nil
}
func (fakeAttrs) Clear(i uint64) error { return nil }
func (fakeAttrs) DecRef(i uint64) error { return nil }

type journalMem struct{ buf []byte }

func (m *journalMem) ReadAt(off int64, n int) ([]byte, error) {
	return append([]byte(nil), m.buf[off:int(off)+n]...), nil
}

func (m *journalMem) WriteAt(off int64, data []byte) error {
	copy(m.buf[off:], data)
	return nil
}

func newTestDir(t *testing.T, isRoot bool) *dentry.Dentry {
	t.Helper()
	const blockSize = 512
	io := newFakeBlocks(blockSize)
	ring, err := journal.Open(&journalMem{buf: make([]byte, 1<<16)}, 64, 0, 32, 64)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	n := inode.New(io, io, fakeAttrs{}, ring, blockSize)
	n.SetStat(func(s *inode.Stat) { s.Ino = 1 })
	d, err := dentry.Load(n, isRoot)
	if err != nil {
		t.Fatalf("dentry.Load: %v", err)
	}
	return d
}

// TestDentryAddLookupErase is property P3: add/lookup/erase behave like a map.
func TestDentryAddLookupErase(t *testing.T) {
	d := newTestDir(t, false)

	if err := d.AddEntry("foo.txt", 10); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := d.AddEntry("bar.txt", 11); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := d.AddEntry("foo.txt", 99); err != dentry.ErrExists {
		t.Fatalf("AddEntry duplicate = %v, want ErrExists", err)
	}

	ino, ok := d.Lookup("foo.txt")
	if !ok || ino != 10 {
		t.Fatalf("Lookup(foo.txt) = (%d, %v), want (10, true)", ino, ok)
	}
	if d.Len() != 2 {
		t.Fatalf("Len = %d, want 2", d.Len())
	}

	erased, err := d.EraseEntry("bar.txt")
	if err != nil || erased != 11 {
		t.Fatalf("EraseEntry: ino=%d err=%v", erased, err)
	}
	if _, ok := d.Lookup("bar.txt"); ok {
		t.Fatalf("bar.txt still present after erase")
	}
	if d.Len() != 1 {
		t.Fatalf("Len after erase = %d, want 1", d.Len())
	}
}

// TestDentrySurvivesReload re-decodes the same inode from scratch and checks
// the compressed payload round-trips through codec.LZ4 intact.
func TestDentrySurvivesReload(t *testing.T) {
	const blockSize = 512
	io := newFakeBlocks(blockSize)
	ring, err := journal.Open(&journalMem{buf: make([]byte, 1<<16)}, 64, 0, 32, 64)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	n := inode.New(io, io, fakeAttrs{}, ring, blockSize)
	n.SetStat(func(s *inode.Stat) { s.Ino = 1 })
	d, err := dentry.Load(n, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := d.AddEntry("a", 2); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := d.AddEntry("b", 3); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	reloaded, err := dentry.Load(n, false)
	if err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	if ino, ok := reloaded.Lookup("a"); !ok || ino != 2 {
		t.Fatalf("reloaded Lookup(a) = (%d, %v), want (2, true)", ino, ok)
	}
	if ino, ok := reloaded.Lookup("b"); !ok || ino != 3 {
		t.Fatalf("reloaded Lookup(b) = (%d, %v), want (3, true)", ino, ok)
	}
}

// TestDentryRootTail verifies the root-only metadata tail round-trips
// alongside the compressed entry map.
func TestDentryRootTail(t *testing.T) {
	d := newTestDir(t, true)
	tail := []byte{1, 2, 3, 4, 5}
	if err := d.SetRootTail(tail); err != nil {
		t.Fatalf("SetRootTail: %v", err)
	}
	if err := d.AddEntry("child", 7); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	reloaded, err := dentry.Load(d.Node(), true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(reloaded.RootTail()) != string(tail) {
		t.Fatalf("RootTail = %v, want %v", reloaded.RootTail(), tail)
	}
	if ino, ok := reloaded.Lookup("child"); !ok || ino != 7 {
		t.Fatalf("Lookup(child) = (%d, %v), want (7, true)", ino, ok)
	}
}
