// Package blockmgr implements the block allocator (C7): bitmap-backed
// allocate/deallocate scoped by GlobalTransaction journal records, with an
// out-of-space scan that evicts stale CoW-redundancy blocks before giving up.
package blockmgr

import (
	"errors"
	"sync"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/bitmap"
	"github.com/anivice/cfs/journal"
)

// ErrOutOfSpace is returned when allocation fails even after the CoW-
// redundancy eviction scan.
var ErrOutOfSpace = errors.New("blockmgr: out of space")

// Header is the subset of header state the allocator needs to update.
type Header interface {
	Lock()
	Unlock()
	LastAllocatedBlock() uint64
	SetLastAllocatedBlock(uint64)
	IncAllocatedNonCow()
	DecAllocatedNonCow()
}

// Manager allocates and reclaims data-space blocks.
type Manager struct {
	mu    sync.Mutex
	bm    *bitmap.Bitmap
	attrs *attribute.Table
	jr    *journal.Ring
	hdr   Header
	n     uint64
}

// New builds a Manager over n data-space blocks.
func New(bm *bitmap.Bitmap, attrs *attribute.Table, jr *journal.Ring, hdr Header, n uint64) *Manager {
	return &Manager{bm: bm, attrs: attrs, jr: jr, hdr: hdr, n: n}
}

// Allocate finds a free block starting just after the last allocated one
// (round-robin scan), marks it used, clears its attribute record, and
// journals the whole thing as a GlobalTransaction/AllocateBlock scope.
//
// If the first scan finds nothing, a second pass evicts the oldest
// CoW-redundancy blocks (age-ranked) and retries once.
func (m *Manager) Allocate() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.jr.Begin(journal.AllocateBlock, 0, 0, 0, 0, 0)

	idx, err := m.scanFree()
	if err != nil {
		if !errors.Is(err, ErrOutOfSpace) {
			txn.Fail()
			return 0, err
		}
		if evicted := m.evictStaleRedundancy(); evicted == 0 {
			txn.Fail()
			return 0, ErrOutOfSpace
		}
		idx, err = m.scanFree()
		if err != nil {
			txn.Fail()
			return 0, ErrOutOfSpace
		}
	}

	if err := m.bm.Set(idx, true); err != nil {
		txn.Fail()
		return 0, err
	}
	if err := m.attrs.Clear(idx); err != nil {
		txn.Fail()
		return 0, err
	}

	m.hdr.Lock()
	m.hdr.SetLastAllocatedBlock(idx)
	m.hdr.IncAllocatedNonCow()
	m.hdr.Unlock()

	txn.Commit()
	return idx, nil
}

// Deallocate frees block idx, scoped by GlobalTransaction/DeallocateBlock.
func (m *Manager) Deallocate(idx uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.jr.Begin(journal.DeallocateBlock, idx, 0, 0, 0, 0)
	if err := m.bm.Set(idx, false); err != nil {
		txn.Fail()
		return err
	}
	if err := m.attrs.Clear(idx); err != nil {
		txn.Fail()
		return err
	}
	m.hdr.Lock()
	m.hdr.DecAllocatedNonCow()
	m.hdr.Unlock()
	txn.Commit()
	return nil
}

// scanFree walks the bitmap starting after the header's last-allocated
// pointer, wrapping once, returning the first clear bit.
func (m *Manager) scanFree() (uint64, error) {
	start := (m.hdr.LastAllocatedBlock() + 1) % m.n
	for k := uint64(0); k < m.n; k++ {
		i := (start + k) % m.n
		used, err := m.bm.Get(i)
		if err != nil {
			return 0, err
		}
		if !used {
			return i, nil
		}
	}
	return 0, ErrOutOfSpace
}

// evictStaleRedundancy implements C7 step 3's OOM pass: every allocated
// block's age is bumped by one (saturating), then every CoW-redundancy
// block with no live referencing inode and age >= oldest/2 (oldest being
// the highest age among CoW-redundancy blocks) is reclaimed.
func (m *Manager) evictStaleRedundancy() int {
	type cand struct {
		idx uint64
		age uint8
	}
	var cands []cand
	var oldest uint8

	for i := uint64(0); i < m.n; i++ {
		used, err := m.bm.Get(i)
		if err != nil || !used {
			continue
		}
		age, err := m.attrs.IncAge(i)
		if err != nil {
			continue
		}
		a, err := m.attrs.Get(i)
		if err != nil {
			continue
		}
		if a.Type == attribute.TypeCowRedundancy && a.RefCount == 0 {
			cands = append(cands, cand{i, age})
			if age > oldest {
				oldest = age
			}
		}
	}
	if len(cands) == 0 {
		return 0
	}
	threshold := oldest / 2

	txn := m.jr.Begin(journal.CreateRedundancy, uint64(len(cands)), 0, 0, 0, 0)
	n := 0
	for _, c := range cands {
		if c.age < threshold {
			continue
		}
		if err := m.bm.Set(c.idx, false); err != nil {
			continue
		}
		if err := m.attrs.Clear(c.idx); err != nil {
			continue
		}
		n++
	}
	if n > 0 {
		txn.Commit()
	} else {
		txn.Fail()
	}
	return n
}

// Free returns the number of currently unallocated blocks (a slow full scan;
// intended for `free`/statfs, not the hot allocation path).
func (m *Manager) Free() (uint64, error) {
	var free uint64
	for i := uint64(0); i < m.n; i++ {
		used, err := m.bm.Get(i)
		if err != nil {
			return 0, err
		}
		if !used {
			free++
		}
	}
	return free, nil
}

// Blocks returns the total number of data-space blocks this manager covers.
func (m *Manager) Blocks() uint64 { return m.n }
