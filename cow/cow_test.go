package cow_test

import (
	"sync"
	"testing"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/cow"
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

type fakeAttrs struct {
	mu sync.Mutex
	m  map[uint64]attribute.Attr
}

func newFakeAttrs() *fakeAttrs { return &fakeAttrs{m: map[uint64]attribute.Attr{}} }

func (f *fakeAttrs) Get(i uint64) (attribute.Attr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[i], nil
}

func (f *fakeAttrs) Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[i] = a
	return nil
}

func (f *fakeAttrs) Clear(i uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, i)
	return nil
}

func (f *fakeAttrs) MoveTypeToCow(i uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.m[i]
	a.TypeCow = a.Type
	a.Type = attribute.TypeCowRedundancy
	f.m[i] = a
	return nil
}

func (f *fakeAttrs) IncRef(i uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.m[i]
	a.RefCount++
	f.m[i] = a
	return nil
}

func (f *fakeAttrs) DecRef(i uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.m[i]
	if a.RefCount > 0 {
		a.RefCount--
	}
	f.m[i] = a
	return nil
}

func (f *fakeAttrs) Dump() ([]byte, error) { return []byte{}, nil }

type fakeBitmap struct{}

func (fakeBitmap) Dump() ([]byte, error) { return []byte{}, nil }

type fakeHeader struct {
	mu   sync.Mutex
	root uint64
}

func (h *fakeHeader) Lock()               { h.mu.Lock() }
func (h *fakeHeader) Unlock()             { h.mu.Unlock() }
func (h *fakeHeader) RootInode() uint64   { return h.root }
func (h *fakeHeader) SetRootInode(i uint64) { h.root = i }

type journalMem struct{ buf []byte }

func (m *journalMem) ReadAt(off int64, n int) ([]byte, error) {
	return append([]byte(nil), m.buf[off:int(off)+n]...), nil
}

func (m *journalMem) WriteAt(off int64, data []byte) error {
	copy(m.buf[off:], data)
	return nil
}

func newTestEngine(t *testing.T) (*cow.Engine, *fakeBlocks, *fakeAttrs, *fakeHeader, uint64) {
	t.Helper()
	const blockSize = 512
	io := newFakeBlocks(blockSize)
	attrs := newFakeAttrs()
	ring, err := journal.Open(&journalMem{buf: make([]byte, 1<<16)}, 64, 0, 32, 64)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	hdr := &fakeHeader{}

	root := inode.New(io, io, attrs, ring, blockSize)
	root.SetStat(func(s *inode.Stat) { s.Ino = 1; s.Mode = inode.ModeDir | 0755 })
	if err := root.Save(); err != nil {
		t.Fatalf("root.Save: %v", err)
	}
	if err := attrs.Set(1, attribute.Attr{Status: attribute.StatusModifiable, Type: attribute.TypeIndexNode}, nil); err != nil {
		t.Fatalf("attrs.Set: %v", err)
	}
	hdr.SetRootInode(1)

	eng := cow.New(io, io, attrs, fakeBitmap{}, ring, hdr, blockSize)
	return eng, io, attrs, hdr, 1
}

// TestRootCoWAllocatesNewBlockAndDemotesOld exercises C10's basic contract:
// RootCoW never mutates the existing root block in place, and the header's
// root pointer moves to the new block.
func TestRootCoWAllocatesNewBlockAndDemotesOld(t *testing.T) {
	eng, io, attrs, hdr, oldIno := newTestEngine(t)

	oldNode := inode.New(io, io, attrs, nil, 512)
	oldNode.SetStat(func(s *inode.Stat) { s.Ino = oldIno; s.Mode = inode.ModeDir | 0755 })

	newRoot, cowErr := eng.RootCoW(oldNode)
	if cowErr != nil {
		t.Fatalf("RootCoW: %v", cowErr)
	}
	if newRoot.Stat().Ino == oldIno {
		t.Fatalf("RootCoW returned the same ino %d, want a new block", oldIno)
	}
	if hdr.RootInode() != newRoot.Stat().Ino {
		t.Fatalf("header root pointer = %d, want %d", hdr.RootInode(), newRoot.Stat().Ino)
	}

	oldAttr, err := attrs.Get(oldIno)
	if err != nil {
		t.Fatalf("Get old attr: %v", err)
	}
	if oldAttr.Type != attribute.TypeCowRedundancy {
		t.Fatalf("old root attr.Type = %v, want TypeCowRedundancy", oldAttr.Type)
	}

	newAttr, err := attrs.Get(newRoot.Stat().Ino)
	if err != nil {
		t.Fatalf("Get new attr: %v", err)
	}
	if newAttr.Status != attribute.StatusModifiable {
		t.Fatalf("new root attr.Status = %v, want StatusModifiable", newAttr.Status)
	}
}

// TestRootCoWNoOpUnderMaintenanceFlag checks the NoPointerAndStorageCow
// escape hatch short-circuits RootCoW entirely.
func TestRootCoWNoOpUnderMaintenanceFlag(t *testing.T) {
	eng, _, _, hdr, oldIno := newTestEngine(t)
	eng.NoPointerAndStorageCow = true

	oldNode := inode.New(nil, nil, newFakeAttrs(), nil, 512)
	oldNode.SetStat(func(s *inode.Stat) { s.Ino = oldIno })

	got, err := eng.RootCoW(oldNode)
	if err != nil {
		t.Fatalf("RootCoW: %v", err)
	}
	if got != oldNode {
		t.Fatalf("RootCoW under maintenance flag returned a different node")
	}
	if hdr.RootInode() != 1 {
		t.Fatalf("header root pointer changed under maintenance flag: %d", hdr.RootInode())
	}
}
