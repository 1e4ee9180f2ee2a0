package journal_test

import (
	"testing"

	"github.com/anivice/cfs/journal"
)

type memStorage struct {
	buf []byte
}

func newMemStorage(size int) *memStorage {
	return &memStorage{buf: make([]byte, size)}
}

func (s *memStorage) ReadAt(off int64, n int) ([]byte, error) {
	return append([]byte(nil), s.buf[off:int(off)+n]...), nil
}

func (s *memStorage) WriteAt(off int64, data []byte) error {
	copy(s.buf[off:], data)
	return nil
}

// TestJournalRingWraps is property P4: for any N > capacity pushes, Dump()
// returns exactly the last `capacity` pushes in insertion order.
func TestJournalRingWraps(t *testing.T) {
	const capacity = 8
	storage := newMemStorage(64 + int(capacity)*journal.RecordSize)
	ring, err := journal.Open(storage, capacity, 0, 32, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const pushes = 20
	for i := uint64(0); i < pushes; i++ {
		if err := ring.Push(journal.Record{Action: journal.AllocateBlock, P0: i}); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	recs := ring.Dump()
	if len(recs) != capacity {
		t.Fatalf("Dump() returned %d records, want %d", len(recs), capacity)
	}
	for i, rec := range recs {
		wantP0 := pushes - capacity + uint64(i)
		if rec.P0 != wantP0 {
			t.Errorf("record %d: P0 = %d, want %d", i, rec.P0, wantP0)
		}
	}
}

// TestJournalTxnCommitFail exercises the scoped-transaction writer: Begin
// emits the start record, Commit/Fail emit the matching completion record.
func TestJournalTxnCommitFail(t *testing.T) {
	storage := newMemStorage(64 + 4*journal.RecordSize)
	ring, err := journal.Open(storage, 4, 0, 32, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn := ring.Begin(journal.MajorWriteInode, 1, 2, 3, 0, 0)
	txn.Commit()

	recs := ring.Dump()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Action != journal.MajorWriteInode {
		t.Errorf("first record action = %v, want MajorWriteInode", recs[0].Action)
	}
	if recs[1].Action != journal.MajorWriteInodeCompleted {
		t.Errorf("second record action = %v, want MajorWriteInodeCompleted", recs[1].Action)
	}
}
