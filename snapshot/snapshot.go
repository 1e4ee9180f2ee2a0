// Package snapshot implements the snapshot engine (C11): point-in-time
// creation by root-CoW plus freeze, rollback by re-pointing the root, and
// deletion by differencing each generation's embedded bitmap/attribute
// snapshot to reclaim only the blocks a victim generation owned privately.
package snapshot

import (
	"sort"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/bitmap"
	"github.com/anivice/cfs/cow"
	"github.com/anivice/cfs/dentry"
	"github.com/anivice/cfs/inode"
	"github.com/anivice/cfs/journal"
)

// Header is the header state the snapshot engine mutates.
type Header interface {
	cow.Header
	SetAllocatedNonCowBlocks(uint64)
}

// Attrs is the attribute-table surface the engine needs.
type Attrs interface {
	Get(i uint64) (attribute.Attr, error)
	Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error
	Clear(i uint64) error
	MoveTypeToCow(i uint64) error
	DecRef(i uint64) error
	Dump() ([]byte, error)
	N() uint64
}

// Engine performs snapshot create/rollback/delete at the root.
type Engine struct {
	io    inode.BlockIO
	alloc inode.Allocator
	attrs Attrs
	bm    *bitmap.Bitmap
	jr    *journal.Ring
	hdr   Header
	cowE  *cow.Engine

	blockSize uint64
}

// New builds a snapshot Engine.
func New(io inode.BlockIO, alloc inode.Allocator, attrs Attrs, bm *bitmap.Bitmap, jr *journal.Ring, hdr Header, cowE *cow.Engine, blockSize uint64) *Engine {
	return &Engine{io: io, alloc: alloc, attrs: attrs, bm: bm, jr: jr, hdr: hdr, cowE: cowE, blockSize: blockSize}
}

// Create takes a snapshot named `name` of the current tree.
func (e *Engine) Create(root *inode.Inode, rootDir *dentry.Dentry, name string) (*inode.Inode, *dentry.Dentry, error) {
	txn := e.jr.Begin(journal.MajorSnapshotCreation, 0, 0, 0, 0, 0)

	oldSize := root.Stat().Size

	newRoot, err := e.cowE.RootCoW(root)
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}
	newRootDir, err := dentry.Load(newRoot, true)
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}

	// Clone the old root's body (its own listing bytes) into a fresh child
	// inode; sub-trees stay shared, only the directory listing is copied.
	childIno, err := e.alloc.Allocate()
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}
	child := inode.New(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize)
	child.SetStat(func(s *inode.Stat) {
		*s = root.Stat()
		s.Ino = childIno
	})
	if err := child.Save(); err != nil {
		txn.Fail()
		return nil, nil, err
	}
	// Read the old root's body through its own inode interface (not raw
	// bytes) so the payload goes through the normal indirection tree.
	buf := make([]byte, oldSize)
	if n, err := root.Read(buf, 0); err != nil || uint64(n) != oldSize {
		if err == nil {
			err = inode.ErrInvalidArgument
		}
		txn.Fail()
		return nil, nil, err
	}
	if oldSize > 0 {
		if _, err := child.Write(buf, 0); err != nil {
			txn.Fail()
			return nil, nil, err
		}
	}

	childDir, err := dentry.Load(child, true)
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}

	// Strip snapshot-entries, self-reference, and dead-block entries.
	for _, ent := range childDir.Ls() {
		a, err := e.attrs.Get(ent.Ino)
		drop := ent.Name == name
		if err == nil && a.Status == attribute.StatusSnapshotEntry {
			drop = true
		}
		if !drop {
			used, uerr := e.bm.Get(ent.Ino)
			if uerr == nil && !used {
				drop = true
			}
		}
		if drop {
			childDir.EraseEntry(ent.Name)
		}
	}

	lv1, lv2, lv3 := child.LinearizeAllBlocks()
	protect := map[uint64]bool{newRoot.Stat().Ino: true, childIno: true}
	for _, l := range [][]uint64{lv1, lv2, lv3} {
		for _, b := range l {
			protect[b] = true
		}
	}
	nlv1, nlv2, nlv3 := newRoot.LinearizeAllBlocks()
	for _, l := range [][]uint64{nlv1, nlv2, nlv3} {
		for _, b := range l {
			protect[b] = true
		}
	}

	if err := e.freezeLiveModifiable(protect); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	attrDump, err := e.attrs.Dump()
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}
	bitmapDump, err := e.snapshotBitmapMinusRedundancy()
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}
	tail := append(append([]byte{}, attrDump...), bitmapDump...)
	if err := childDir.SetRootTail(tail); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	if err := newRootDir.AddEntry(name, childIno); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	if err := e.attrs.Set(childIno, attribute.Attr{Status: attribute.StatusSnapshotEntry, Type: attribute.TypeIndexNode}, nil); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	// Re-sweep: freeze anything that slipped through, reset refcounts.
	protect[childIno] = true
	if err := e.freezeLiveModifiable(protect); err != nil {
		txn.Fail()
		return nil, nil, err
	}
	if err := e.resetRefcounts(); err != nil {
		txn.Fail()
		return nil, nil, err
	}
	if err := e.recomputeAllocatedNonCow(); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	txn.Commit()
	return newRoot, newRootDir, nil
}

// Rollback re-points the root at the snapshot entry `name`.
func (e *Engine) Rollback(root *inode.Inode, rootDir *dentry.Dentry, name string) (*inode.Inode, *dentry.Dentry, error) {
	txn := e.jr.Begin(journal.MajorSnapshotRevert, 0, 0, 0, 0, 0)

	victimIno, ok := rootDir.Lookup(name)
	if !ok {
		txn.Fail()
		return nil, nil, ErrNotFound
	}

	type pair struct {
		name string
		ino  uint64
	}
	var remembered []pair
	for _, ent := range rootDir.Ls() {
		a, err := e.attrs.Get(ent.Ino)
		if err == nil && a.Status == attribute.StatusSnapshotEntry {
			remembered = append(remembered, pair{ent.Name, ent.Ino})
		}
	}

	if err := e.demoteAllLiveModifiable(); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	victim, err := inode.Load(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize, victimIno)
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}

	newRoot, err := e.cowE.RootCoW(victim)
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}
	newRootDir, err := dentry.Load(newRoot, true)
	if err != nil {
		txn.Fail()
		return nil, nil, err
	}

	for _, p := range remembered {
		if p.ino == newRoot.Stat().Ino {
			continue
		}
		newRootDir.AddEntry(p.name, p.ino)
	}

	nlv1, nlv2, nlv3 := newRoot.LinearizeAllBlocks()
	protect := map[uint64]bool{newRoot.Stat().Ino: true}
	for _, l := range [][]uint64{nlv1, nlv2, nlv3} {
		for _, b := range l {
			protect[b] = true
		}
	}
	if err := e.freezeLiveModifiable(protect); err != nil {
		txn.Fail()
		return nil, nil, err
	}
	if err := e.resetRefcounts(); err != nil {
		txn.Fail()
		return nil, nil, err
	}
	if err := e.recomputeAllocatedNonCow(); err != nil {
		txn.Fail()
		return nil, nil, err
	}

	txn.Commit()
	return newRoot, newRootDir, nil
}

// Delete removes snapshot `name`, reclaiming blocks it owned privately.
func (e *Engine) Delete(root *inode.Inode, rootDir *dentry.Dentry, name string) error {
	txn := e.jr.Begin(journal.MajorSnapshotDeletion, 0, 0, 0, 0, 0)

	victimIno, ok := rootDir.Lookup(name)
	if !ok {
		txn.Fail()
		return ErrNotFound
	}

	gens, err := e.generationTimeline(root, rootDir)
	if err != nil {
		txn.Fail()
		return err
	}

	victimPos := -1
	for i, g := range gens {
		if g.ino == victimIno {
			victimPos = i
			break
		}
	}
	if victimPos < 0 {
		txn.Fail()
		return ErrNotFound
	}

	switch {
	case victimPos > 0:
		before := gens[victimPos-1]
		victim := gens[victimPos]
		allocatedInVictim := diffAllocated(before.bitmap, victim.bitmap)
		removedAfterVictim := make(map[uint64]bool)
		for i, a := range victim.attrs {
			if getBit(victim.bitmap, uint64(i)) && a.RefCount < 2 {
				removedAfterVictim[uint64(i)] = true
			}
		}
		for i := range allocatedInVictim {
			if removedAfterVictim[i] {
				e.attrs.MoveTypeToCow(i)
			}
		}
		e.releaseInodeGraph(victimIno)

	case victimPos == 0 && len(gens) == 2 && gens[1].ino == root.Stat().Ino:
		marked := map[uint64]bool{}
		e.markReachable(root.Stat().Ino, root.Stat().Ino, marked)
		n := e.attrs.N()
		for i := uint64(0); i < n; i++ {
			used, err := e.bm.Get(i)
			if err != nil || !used {
				continue
			}
			a, err := e.attrs.Get(i)
			if err != nil {
				continue
			}
			if a.Type == attribute.TypeCowRedundancy {
				continue
			}
			if marked[i] {
				a.RefCount = 1
				a.Status = attribute.StatusModifiable
				e.attrs.Set(i, a, nil)
			} else {
				e.attrs.MoveTypeToCow(i)
			}
		}

	default:
		e.releaseInodeGraph(victimIno)
	}

	if _, err := rootDir.EraseEntry(name); err != nil {
		txn.Fail()
		return err
	}
	if err := e.recomputeAllocatedNonCow(); err != nil {
		txn.Fail()
		return err
	}

	txn.Commit()
	return nil
}

type generation struct {
	ino    uint64
	mtim   int64
	bitmap []byte
	attrs  []attribute.Attr
}

// generationTimeline enumerates every snapshot entry plus the live root,
// sorted by mtim (oldest first).
func (e *Engine) generationTimeline(root *inode.Inode, rootDir *dentry.Dentry) ([]generation, error) {
	n := e.attrs.N()
	var gens []generation

	liveBitmap, err := e.bm.Dump()
	if err != nil {
		return nil, err
	}
	liveAttrDump, err := e.attrs.Dump()
	if err != nil {
		return nil, err
	}
	gens = append(gens, generation{
		ino:    root.Stat().Ino,
		mtim:   root.Stat().Mtim.Sec,
		bitmap: liveBitmap,
		attrs:  attribute.ParseDump(liveAttrDump, n),
	})

	for _, ent := range rootDir.Ls() {
		a, err := e.attrs.Get(ent.Ino)
		if err != nil || a.Status != attribute.StatusSnapshotEntry {
			continue
		}
		node, err := inode.Load(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize, ent.Ino)
		if err != nil {
			continue
		}
		d, err := dentry.Load(node, true)
		if err != nil {
			continue
		}
		tail := d.RootTail()
		// The attribute dump fills whole pages of blockSize bytes.
		attrLen := (n*4 + e.blockSize - 1) / e.blockSize * e.blockSize
		bitmapLen := (n + 7) / 8
		if uint64(len(tail)) < attrLen+bitmapLen {
			continue
		}
		gens = append(gens, generation{
			ino:    ent.Ino,
			mtim:   node.Stat().Mtim.Sec,
			bitmap: tail[attrLen : attrLen+bitmapLen],
			attrs:  attribute.ParseDump(tail[:attrLen], n),
		})
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i].mtim < gens[j].mtim })
	return gens, nil
}

func getBit(bitmap []byte, i uint64) bool {
	off, mask := i/8, byte(1)<<(i%8)
	if off >= uint64(len(bitmap)) {
		return false
	}
	return bitmap[off]&mask != 0
}

func diffAllocated(before, after []byte) map[uint64]bool {
	out := map[uint64]bool{}
	n := uint64(len(after)) * 8
	for i := uint64(0); i < n; i++ {
		if !getBit(before, i) && getBit(after, i) {
			out[i] = true
		}
	}
	return out
}

// releaseInodeGraph converts an inode's own block and every block in its
// indirection tree to CoW-redundancy.
func (e *Engine) releaseInodeGraph(ino uint64) {
	node, err := inode.Load(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize, ino)
	if err != nil {
		return
	}
	e.attrs.MoveTypeToCow(ino)
	lv1, lv2, lv3 := node.LinearizeAllBlocks()
	for _, l := range [][]uint64{lv1, lv2, lv3} {
		for _, b := range l {
			e.attrs.MoveTypeToCow(b)
		}
	}
}

// markReachable recursively marks every block reachable from ino via the
// dentry graph and inode indirection trees. rootIno identifies the live
// root so its dentry is read with the root-metadata tail convention;
// snapshot-entry inodes carry the same tail and are detected by status.
func (e *Engine) markReachable(ino, rootIno uint64, marked map[uint64]bool) {
	if marked[ino] {
		return
	}
	marked[ino] = true

	node, err := inode.Load(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize, ino)
	if err != nil {
		return
	}
	lv1, lv2, lv3 := node.LinearizeAllBlocks()
	for _, l := range [][]uint64{lv1, lv2, lv3} {
		for _, b := range l {
			marked[b] = true
		}
	}

	st := node.Stat()
	if !inode.IsDir(st.Mode) {
		return
	}
	a, _ := e.attrs.Get(ino)
	hasTail := ino == rootIno || a.Status == attribute.StatusSnapshotEntry
	d, err := dentry.Load(node, hasTail)
	if err != nil {
		return
	}
	for _, ent := range d.Ls() {
		e.markReachable(ent.Ino, rootIno, marked)
	}
}

func (e *Engine) freezeLiveModifiable(protect map[uint64]bool) error {
	n := e.attrs.N()
	for i := uint64(0); i < n; i++ {
		if protect[i] {
			continue
		}
		used, err := e.bm.Get(i)
		if err != nil || !used {
			continue
		}
		a, err := e.attrs.Get(i)
		if err != nil || a.Status != attribute.StatusModifiable {
			continue
		}
		a.Status = attribute.StatusSnapshotFrozen
		if err := e.attrs.Set(i, a, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) demoteAllLiveModifiable() error {
	n := e.attrs.N()
	for i := uint64(0); i < n; i++ {
		used, err := e.bm.Get(i)
		if err != nil || !used {
			continue
		}
		a, err := e.attrs.Get(i)
		if err != nil || a.Status != attribute.StatusModifiable {
			continue
		}
		if err := e.attrs.MoveTypeToCow(i); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resetRefcounts() error {
	n := e.attrs.N()
	for i := uint64(0); i < n; i++ {
		used, err := e.bm.Get(i)
		if err != nil || !used {
			continue
		}
		a, err := e.attrs.Get(i)
		if err != nil || a.Type == attribute.TypeCowRedundancy {
			continue
		}
		a.RefCount = 2
		if err := e.attrs.Set(i, a, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recomputeAllocatedNonCow() error {
	n := e.attrs.N()
	var count uint64
	for i := uint64(0); i < n; i++ {
		used, err := e.bm.Get(i)
		if err != nil || !used {
			continue
		}
		a, err := e.attrs.Get(i)
		if err != nil || a.Type == attribute.TypeCowRedundancy {
			continue
		}
		count++
	}
	e.hdr.Lock()
	e.hdr.SetAllocatedNonCowBlocks(count)
	e.hdr.Unlock()
	return nil
}

// snapshotBitmapMinusRedundancy returns the current bitmap with every
// CoW-redundancy block's bit cleared, per Create step 6.
func (e *Engine) snapshotBitmapMinusRedundancy() ([]byte, error) {
	dump, err := e.bm.Dump()
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), dump...)
	n := e.attrs.N()
	for i := uint64(0); i < n; i++ {
		a, err := e.attrs.Get(i)
		if err != nil {
			continue
		}
		if a.Type == attribute.TypeCowRedundancy {
			off, mask := i/8, byte(1)<<(i%8)
			if off < uint64(len(out)) {
				out[off] &^= mask
			}
		}
	}
	return out, nil
}

type attrsAdapter struct{ a Attrs }

func (w attrsAdapter) Get(i uint64) (attribute.Attr, error) { return w.a.Get(i) }
func (w attrsAdapter) Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error {
	return w.a.Set(i, a, onChange)
}
func (w attrsAdapter) Clear(i uint64) error { return w.a.Clear(i) }
func (w attrsAdapter) DecRef(i uint64) error { return w.a.DecRef(i) }
