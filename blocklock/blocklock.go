// Package blocklock implements the per-block exclusive lock table (C2).
//
// Held blocks are kept in a map of block indices, and waiting is
// condition-variable driven, following the same
// "wake every waiter, let them recheck" pattern the teacher package uses for
// its own coarse-grained locks, rather than a goroutine-per-block channel.
package blocklock

import (
	"fmt"
	"sync"
)

// Table is a per-block exclusive lock table; held block indices are the
// keys of a map.
type Table struct {
	mu      sync.Mutex
	cond    *sync.Cond
	held    map[uint64]bool
	nBlocks uint64
}

// New creates a lock table sized for nBlocks blocks.
func New(nBlocks uint64) *Table {
	t := &Table{
		held:    make(map[uint64]bool),
		nBlocks: nBlocks,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Guard wraps the exclusive hold on one or more blocks. It is move-only in
// spirit: call Unlock exactly once, typically via defer.
type Guard struct {
	t      *Table
	blocks []uint64
}

// Lock acquires exclusive ownership of block i, blocking until available.
func (t *Table) Lock(i uint64) *Guard {
	t.mu.Lock()
	for t.held[i] {
		t.cond.Wait()
	}
	t.held[i] = true
	t.mu.Unlock()
	return &Guard{t: t, blocks: []uint64{i}}
}

// LockRange acquires a contiguous run [from, to) in ascending order, which
// is the only order safe against concurrent overlapping range acquisitions.
func (t *Table) LockRange(from, to uint64) *Guard {
	if to < from {
		panic(fmt.Sprintf("blocklock: invalid range [%d,%d)", from, to))
	}
	blocks := make([]uint64, 0, to-from)
	t.mu.Lock()
	for i := from; i < to; i++ {
		for t.held[i] {
			t.cond.Wait()
		}
		t.held[i] = true
		blocks = append(blocks, i)
	}
	t.mu.Unlock()
	return &Guard{t: t, blocks: blocks}
}

// Unlock releases every block held by the guard and wakes waiters.
func (g *Guard) Unlock() {
	if g == nil || g.t == nil {
		return
	}
	g.t.mu.Lock()
	for _, i := range g.blocks {
		delete(g.t.held, i)
	}
	g.t.mu.Unlock()
	g.t.cond.Broadcast()
	g.t = nil
}

// Blocks reports which block indices this guard owns.
func (g *Guard) Blocks() []uint64 {
	return g.blocks
}
