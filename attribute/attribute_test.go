package attribute_test

import (
	"testing"

	"github.com/anivice/cfs/attribute"
)

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

// TestAttributeRoundTrip is property P2: Get(Set(i, a)) == a for any packed
// attribute value within the field widths the record actually supports.
func TestAttributeRoundTrip(t *testing.T) {
	const blockSize = 4096
	store := newMemPageStore(blockSize, 1)
	tbl := attribute.New(store, blockSize/4)

	want := attribute.Attr{
		Status:              attribute.StatusSnapshotFrozen,
		Type:                attribute.TypePointer,
		TypeCow:             attribute.TypeStorage,
		Age:                 9,
		NewlyAllocatedNoCow: true,
		RefCount:            12345,
		Checksum:            17,
	}
	if err := tbl.Set(5, want, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := tbl.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
}

func TestAttributeIncDecRef(t *testing.T) {
	const blockSize = 4096
	store := newMemPageStore(blockSize, 1)
	tbl := attribute.New(store, blockSize/4)

	if err := tbl.DecRef(0); err != nil {
		t.Fatalf("DecRef on zero: %v", err)
	}
	a, _ := tbl.Get(0)
	if a.RefCount != 0 {
		t.Fatalf("RefCount after DecRef at zero = %d, want 0 (no underflow)", a.RefCount)
	}

	for i := 0; i < 3; i++ {
		if err := tbl.IncRef(0); err != nil {
			t.Fatalf("IncRef: %v", err)
		}
	}
	a, _ = tbl.Get(0)
	if a.RefCount != 3 {
		t.Fatalf("RefCount after 3 increments = %d, want 3", a.RefCount)
	}

	if err := tbl.DecRef(0); err != nil {
		t.Fatalf("DecRef: %v", err)
	}
	a, _ = tbl.Get(0)
	if a.RefCount != 2 {
		t.Fatalf("RefCount after decrement = %d, want 2", a.RefCount)
	}
}

func TestAttributeMoveTypeToCow(t *testing.T) {
	const blockSize = 4096
	store := newMemPageStore(blockSize, 1)
	tbl := attribute.New(store, blockSize/4)

	if err := tbl.Set(2, attribute.Attr{Type: attribute.TypeStorage}, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tbl.MoveTypeToCow(2); err != nil {
		t.Fatalf("MoveTypeToCow: %v", err)
	}
	a, err := tbl.Get(2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Type != attribute.TypeCowRedundancy {
		t.Fatalf("Type after MoveTypeToCow = %v, want TypeCowRedundancy", a.Type)
	}
	if a.TypeCow != attribute.TypeStorage {
		t.Fatalf("TypeCow after MoveTypeToCow = %v, want TypeStorage", a.TypeCow)
	}
}

func TestAttributeDumpParseDump(t *testing.T) {
	const blockSize = 4096
	n := uint64(blockSize / 4)
	store := newMemPageStore(blockSize, 1)
	tbl := attribute.New(store, n)

	if err := tbl.Set(10, attribute.Attr{RefCount: 42, Age: 3}, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	dump, err := tbl.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	parsed := attribute.ParseDump(dump, n)
	if parsed[10].RefCount != 42 || parsed[10].Age != 3 {
		t.Fatalf("ParseDump()[10] = %+v, want RefCount=42 Age=3", parsed[10])
	}
}
