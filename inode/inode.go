// Package inode implements the inode service (C8): a single block holding a
// 120-byte stat header plus a pointer array addressing storage through a
// fixed three-level indirection tree (direct slots, one single-indirect
// slot, one double-indirect slot — the last two of the P level-1 slots are
// permanently reserved for them, so growth never requires migrating already
// placed pointers; see DESIGN.md's Open Question on "Indirection thresholds").
package inode

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/journal"
)

// StatSize is the fixed size of the stat header at the front of every inode block.
const StatSize = 120

// Timespec mirrors struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Stat is the inode's embedded struct-stat-like metadata.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Size    uint64
	Blksize uint64
	Blocks  uint64
	Atim    Timespec
	Mtim    Timespec
	Ctim    Timespec
}

// statWire mirrors spec §6's 120-byte layout field-for-field: dev 8, ino 8,
// mode 4, pad 4, nlink 8, uid 4, gid 4, rdev 8, size 8, blksize 8, blocks 8,
// atim/mtim/ctim 16 each.
type statWire struct {
	Dev, Ino                    uint64
	Mode, Pad                   uint32
	Nlink                       uint64
	Uid, Gid                    uint32
	Rdev, Size, Blksize, Blocks uint64
	AtimSec, AtimNsec           int64
	MtimSec, MtimNsec           int64
	CtimSec, CtimNsec           int64
}

func (s Stat) encode() [StatSize]byte {
	w := statWire{
		Dev: s.Dev, Ino: s.Ino, Mode: s.Mode, Nlink: s.Nlink, Uid: s.Uid, Gid: s.Gid,
		Rdev: s.Rdev, Size: s.Size, Blksize: s.Blksize, Blocks: s.Blocks,
		AtimSec: s.Atim.Sec, AtimNsec: s.Atim.Nsec,
		MtimSec: s.Mtim.Sec, MtimNsec: s.Mtim.Nsec,
		CtimSec: s.Ctim.Sec, CtimNsec: s.Ctim.Nsec,
	}
	var buf bytes.Buffer
	buf.Grow(StatSize)
	binary.Write(&buf, binary.LittleEndian, &w)
	var out [StatSize]byte
	copy(out[:], buf.Bytes())
	return out
}

func decodeStat(raw []byte) Stat {
	var w statWire
	binary.Read(bytes.NewReader(raw[:StatSize]), binary.LittleEndian, &w)
	return Stat{
		Dev: w.Dev, Ino: w.Ino, Mode: w.Mode, Nlink: w.Nlink, Uid: w.Uid, Gid: w.Gid,
		Rdev: w.Rdev, Size: w.Size, Blksize: w.Blksize, Blocks: w.Blocks,
		Atim: Timespec{w.AtimSec, w.AtimNsec},
		Mtim: Timespec{w.MtimSec, w.MtimNsec},
		Ctim: Timespec{w.CtimSec, w.CtimNsec},
	}
}

// BlockIO is the raw byte-level access the inode service needs: read/write
// one whole block by data-space index, under whatever locking the caller
// (the root cfs package, backed by mmapio+blocklock) provides.
type BlockIO interface {
	ReadBlock(idx uint64) ([]byte, error)
	WriteBlock(idx uint64, data []byte) error
}

// Allocator is the subset of blockmgr.Manager the inode service needs.
type Allocator interface {
	Allocate() (uint64, error)
	Deallocate(uint64) error
}

// Attrs is the subset of attribute.Table the inode service needs.
type Attrs interface {
	Get(i uint64) (attribute.Attr, error)
	Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error
	Clear(i uint64) error
	DecRef(i uint64) error
}

// Inode is a live handle on one inode block.
type Inode struct {
	mu sync.Mutex

	io    BlockIO
	alloc Allocator
	attrs Attrs
	jr    *journal.Ring

	blockSize uint64
	p         uint64 // total level-1 slots = (blockSize-StatSize)/8
	direct    uint64 // p-2: slots usable as direct storage pointers
	l2Slot    uint64 // index of the single-indirect slot (p-2)
	l3Slot    uint64 // index of the double-indirect slot (p-1)

	stat Stat
	ptrs []uint64
}

// ptrsPerBlock is the fan-out of one pointer block.
func ptrsPerBlock(blockSize uint64) uint64 { return blockSize / 8 }

// Load reads an existing inode block at ino into memory.
func Load(io BlockIO, alloc Allocator, attrs Attrs, jr *journal.Ring, blockSize, ino uint64) (*Inode, error) {
	raw, err := io.ReadBlock(ino)
	if err != nil {
		return nil, err
	}
	n := New(io, alloc, attrs, jr, blockSize)
	n.stat = decodeStat(raw)
	ppb := ptrsPerBlock(blockSize)
	for i := uint64(0); i < n.p; i++ {
		off := StatSize + i*8
		n.ptrs[i] = binary.LittleEndian.Uint64(raw[off : off+8])
	}
	_ = ppb
	return n, nil
}

// New allocates an empty in-memory Inode shell (caller sets stat.Ino after
// picking a block via Allocator, then calls Save).
func New(io BlockIO, alloc Allocator, attrs Attrs, jr *journal.Ring, blockSize uint64) *Inode {
	p := (blockSize - StatSize) / 8
	return &Inode{
		io: io, alloc: alloc, attrs: attrs, jr: jr,
		blockSize: blockSize,
		p:         p,
		direct:    p - 2,
		l2Slot:    p - 2,
		l3Slot:    p - 1,
		ptrs:      make([]uint64, p),
	}
}

// Stat returns a copy of the current stat.
func (n *Inode) Stat() Stat {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stat
}

// SetStat mutates stat under lock; callers should call Save afterwards.
func (n *Inode) SetStat(fn func(*Stat)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.stat)
}

// Save persists stat + pointer array back to the inode's own block.
func (n *Inode) Save() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.saveLocked()
}

func (n *Inode) saveLocked() error {
	buf := make([]byte, n.blockSize)
	enc := n.stat.encode()
	copy(buf, enc[:])
	for i, p := range n.ptrs {
		off := StatSize + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], p)
	}
	return n.io.WriteBlock(n.stat.Ino, buf)
}

// capacities in bytes for each tier, given this inode's geometry.
func (n *Inode) l1Cap() uint64 { return n.direct * n.blockSize }
func (n *Inode) l2Cap() uint64 { return n.l1Cap() + ptrsPerBlock(n.blockSize)*n.blockSize }
func (n *Inode) l3Cap() uint64 {
	ppb := ptrsPerBlock(n.blockSize)
	return n.l2Cap() + ppb*ppb*n.blockSize
}

// resolveBlock returns, for a byte offset, the data-space index of the
// storage block that holds it (0 for a hole on the read path), walking one or
// two levels of pointer blocks below the top-level slot as the offset's tier
// requires. allocate controls whether missing
// pointer blocks along the way are created (for write) or treated as holes
// (for read, where a missing pointer means zero bytes). On the write path
// (allocate=true), any existing block along the way that isn't modifiable
// is transparently CoW'd before its content is touched, per I4 — a write
// never mutates a frozen block in place, however deep in the indirection
// tree it sits.
func (n *Inode) resolveBlock(off uint64, allocate bool) (uint64, error) {
	ppb := ptrsPerBlock(n.blockSize)

	switch {
	case off < n.l1Cap():
		slot := off / n.blockSize
		return n.getOrAllocSlot(&n.ptrs[slot], allocate, attribute.TypeStorage)

	case off < n.l2Cap():
		rel := off - n.l1Cap()
		leaf := rel / n.blockSize
		blk, err := n.getOrAllocSlot(&n.ptrs[n.l2Slot], allocate, attribute.TypePointer)
		if err != nil || blk == 0 {
			return 0, err
		}
		return n.getOrAllocIndirectEntry(blk, leaf, allocate, attribute.TypeStorage)

	case off < n.l3Cap():
		rel := off - n.l2Cap()
		top := rel / (ppb * n.blockSize)
		leaf := (rel % (ppb * n.blockSize)) / n.blockSize
		l2blk, err := n.getOrAllocSlot(&n.ptrs[n.l3Slot], allocate, attribute.TypePointer)
		if err != nil || l2blk == 0 {
			return 0, err
		}
		l3blk, err := n.getOrAllocIndirectEntry(l2blk, top, allocate, attribute.TypePointer)
		if err != nil || l3blk == 0 {
			return 0, err
		}
		return n.getOrAllocIndirectEntry(l3blk, leaf, allocate, attribute.TypeStorage)

	default:
		return 0, ErrInvalidArgument
	}
}

// ensureBlockWritable returns a block index safe to modify in place: idx
// itself if already modifiable, otherwise a fresh block holding a copy of
// idx's content. The old block is left on disk — decremented by one
// reference rather than deallocated, since a frozen block may still be the
// only thing a snapshot generation points at.
func (n *Inode) ensureBlockWritable(idx uint64, typ attribute.BlockType) (uint64, error) {
	a, err := n.attrs.Get(idx)
	if err != nil {
		return 0, err
	}
	if a.Status == attribute.StatusModifiable {
		return idx, nil
	}

	raw, err := n.io.ReadBlock(idx)
	if err != nil {
		return 0, err
	}
	newIdx, err := n.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := n.io.WriteBlock(newIdx, raw); err != nil {
		return 0, err
	}
	if err := n.setBlockType(newIdx, typ); err != nil {
		return 0, err
	}
	if err := n.attrs.DecRef(idx); err != nil {
		return 0, err
	}
	return newIdx, nil
}

// setBlockType marks a freshly allocated block modifiable and of type typ,
// preserving whatever else blockmgr.Allocate already recorded for it.
func (n *Inode) setBlockType(idx uint64, typ attribute.BlockType) error {
	a, err := n.attrs.Get(idx)
	if err != nil {
		a = attribute.Attr{}
	}
	a.Status = attribute.StatusModifiable
	a.Type = typ
	return n.attrs.Set(idx, a, nil)
}

// releaseBlock gives up this inode's own claim on block idx: a modifiable
// block (privately owned) is returned to the allocator outright; a frozen
// block (status != modifiable) only loses one reference and stays exactly
// where it is, since an older snapshot generation may still own it.
func (n *Inode) releaseBlock(idx uint64) {
	a, err := n.attrs.Get(idx)
	if err != nil {
		return
	}
	if a.Status == attribute.StatusModifiable {
		n.alloc.Deallocate(idx)
		return
	}
	n.attrs.DecRef(idx)
}

func (n *Inode) getOrAllocSlot(slot *uint64, allocate bool, typ attribute.BlockType) (uint64, error) {
	if *slot != 0 {
		if !allocate {
			return *slot, nil
		}
		newIdx, err := n.ensureBlockWritable(*slot, typ)
		if err != nil {
			return 0, err
		}
		*slot = newIdx
		return newIdx, nil
	}
	if !allocate {
		return 0, nil
	}
	idx, err := n.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := n.setBlockType(idx, typ); err != nil {
		return 0, err
	}
	*slot = idx
	return idx, nil
}

// getOrAllocIndirectEntry reads entry `leaf` out of pointer block `blk`,
// allocating the leaf's storage block if allocate is set and it's a hole,
// or CoW-ing the existing leaf block first if it's frozen and about to be
// written through.
func (n *Inode) getOrAllocIndirectEntry(blk, leaf uint64, allocate bool, typ attribute.BlockType) (uint64, error) {
	raw, err := n.io.ReadBlock(blk)
	if err != nil {
		return 0, err
	}
	off := leaf * 8
	cur := binary.LittleEndian.Uint64(raw[off : off+8])

	if cur == 0 {
		if !allocate {
			return 0, nil
		}
		idx, err := n.alloc.Allocate()
		if err != nil {
			return 0, err
		}
		if err := n.setBlockType(idx, typ); err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(raw[off:off+8], idx)
		if err := n.io.WriteBlock(blk, raw); err != nil {
			return 0, err
		}
		return idx, nil
	}

	if !allocate {
		return cur, nil
	}

	newIdx, err := n.ensureBlockWritable(cur, typ)
	if err != nil {
		return 0, err
	}
	if newIdx != cur {
		binary.LittleEndian.PutUint64(raw[off:off+8], newIdx)
		if err := n.io.WriteBlock(blk, raw); err != nil {
			return 0, err
		}
	}
	return newIdx, nil
}

// Read copies up to len(dst) bytes starting at off into dst, returning the
// number of bytes actually read (0 at or past EOF). Unallocated ranges read
// as zero without allocating anything.
func (n *Inode) Read(dst []byte, off uint64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if off >= n.stat.Size {
		return 0, nil
	}
	want := uint64(len(dst))
	if off+want > n.stat.Size {
		want = n.stat.Size - off
	}

	var done uint64
	for done < want {
		blockOff := (off + done) % n.blockSize
		blockBase := off + done - blockOff
		blk, err := n.resolveBlock(blockBase, false)
		if err != nil {
			return int(done), err
		}
		chunk := n.blockSize - blockOff
		if chunk > want-done {
			chunk = want - done
		}
		if blk == 0 {
			for i := uint64(0); i < chunk; i++ {
				dst[done+i] = 0
			}
		} else {
			raw, err := n.io.ReadBlock(blk)
			if err != nil {
				return int(done), err
			}
			copy(dst[done:done+chunk], raw[blockOff:blockOff+chunk])
		}
		done += chunk
	}
	return int(done), nil
}

// Write copies src into the inode starting at off, extending st_size and
// allocating storage/pointer blocks as needed. It journals the byte-range
// write as a Major_WriteInode scope. Callers are responsible for updating
// mtim afterwards (the spec leaves that to the POSIX layer, not the service).
func (n *Inode) Write(src []byte, off uint64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if off+uint64(len(src)) > n.l3Cap() {
		return 0, ErrInvalidArgument
	}

	txn := n.jr.Begin(journal.MajorWriteInode, n.stat.Ino, off, uint64(len(src)), 0, 0)

	var done uint64
	want := uint64(len(src))
	for done < want {
		blockOff := (off + done) % n.blockSize
		blockBase := off + done - blockOff
		blk, err := n.resolveBlock(blockBase, true)
		if err != nil {
			txn.Fail()
			return int(done), err
		}
		chunk := n.blockSize - blockOff
		if chunk > want-done {
			chunk = want - done
		}
		raw, err := n.io.ReadBlock(blk)
		if err != nil {
			txn.Fail()
			return int(done), err
		}
		copy(raw[blockOff:blockOff+chunk], src[done:done+chunk])
		if err := n.io.WriteBlock(blk, raw); err != nil {
			txn.Fail()
			return int(done), err
		}
		done += chunk
	}

	if off+want > n.stat.Size {
		n.stat.Size = off + want
	}
	if err := n.saveLocked(); err != nil {
		txn.Fail()
		return int(done), err
	}
	txn.Commit()
	return int(done), nil
}

// Resize truncates or extends the inode to exactly n bytes, freeing blocks
// that fall entirely beyond the new EOF (deepest tier first).
func (n *Inode) Resize(newSize uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if newSize >= n.stat.Size {
		n.stat.Size = newSize
		return n.saveLocked()
	}

	ppb := ptrsPerBlock(n.blockSize)

	// L3 tier: free any leaf/mid/top blocks entirely beyond newSize. A block
	// kept past the truncation but still frozen is CoW'd before any of its
	// entries are rewritten in place; a block discarded in its entirety is
	// only ever read to find its children, never written, so it needs no
	// CoW even when frozen.
	if n.stat.Size > n.l2Cap() && n.ptrs[n.l3Slot] != 0 {
		l2blk := n.ptrs[n.l3Slot]

		if newSize <= n.l2Cap() {
			if raw, err := n.io.ReadBlock(l2blk); err == nil {
				topCount := (n.l3Cap() - n.l2Cap()) / (ppb * n.blockSize)
				for t := uint64(0); t < topCount; t++ {
					off := t * 8
					l3blk := binary.LittleEndian.Uint64(raw[off : off+8])
					if l3blk == 0 {
						continue
					}
					n.freeIndirectBlock(l3blk, ppb)
					n.releaseBlock(l3blk)
				}
			}
			n.releaseBlock(l2blk)
			n.ptrs[n.l3Slot] = 0
		} else if newL2blk, err := n.ensureBlockWritable(l2blk, attribute.TypePointer); err == nil {
			n.ptrs[n.l3Slot] = newL2blk
			l2blk = newL2blk
			if raw, err := n.io.ReadBlock(l2blk); err == nil {
				topCount := (n.l3Cap() - n.l2Cap()) / (ppb * n.blockSize)
				for t := uint64(0); t < topCount; t++ {
					tierBase := n.l2Cap() + t*ppb*n.blockSize
					off := t * 8
					l3blk := binary.LittleEndian.Uint64(raw[off : off+8])
					if l3blk == 0 {
						continue
					}
					if tierBase >= newSize {
						n.freeIndirectBlock(l3blk, ppb)
						n.releaseBlock(l3blk)
						binary.LittleEndian.PutUint64(raw[off:off+8], 0)
						continue
					}
					if newL3blk, err := n.truncateIndirect(l3blk, ppb, newSize-tierBase, n.blockSize); err == nil && newL3blk != l3blk {
						binary.LittleEndian.PutUint64(raw[off:off+8], newL3blk)
					}
				}
				n.io.WriteBlock(l2blk, raw)
			}
		}
	}

	// L2 tier.
	if n.stat.Size > n.l1Cap() && n.ptrs[n.l2Slot] != 0 {
		if newSize <= n.l1Cap() {
			n.freeIndirectBlock(n.ptrs[n.l2Slot], ppb)
			n.releaseBlock(n.ptrs[n.l2Slot])
			n.ptrs[n.l2Slot] = 0
		} else if newBlk, err := n.truncateIndirect(n.ptrs[n.l2Slot], ppb, newSize-n.l1Cap(), n.blockSize); err == nil {
			n.ptrs[n.l2Slot] = newBlk
		}
	}

	// L1 tier: free direct slots whose whole block lies beyond newSize.
	for i := uint64(0); i < n.direct; i++ {
		base := i * n.blockSize
		if base >= newSize && n.ptrs[i] != 0 {
			n.releaseBlock(n.ptrs[i])
			n.ptrs[i] = 0
		}
	}

	n.stat.Size = newSize
	return n.saveLocked()
}

// truncateIndirect frees entries of a pointer block whose byte range
// (relative to the block's own base) lies entirely beyond keep bytes. The
// pointer block itself is CoW'd first if it's still frozen, since entries
// that survive the truncation are rewritten in place. Returns the block
// index the caller should store in place of blk (unchanged unless CoW'd).
func (n *Inode) truncateIndirect(blk, ppb, keep, blockSize uint64) (uint64, error) {
	newBlk, err := n.ensureBlockWritable(blk, attribute.TypePointer)
	if err != nil {
		return blk, err
	}
	raw, err := n.io.ReadBlock(newBlk)
	if err != nil {
		return newBlk, err
	}
	dirty := newBlk != blk
	for e := uint64(0); e < ppb; e++ {
		base := e * blockSize
		off := e * 8
		idx := binary.LittleEndian.Uint64(raw[off : off+8])
		if idx == 0 {
			continue
		}
		if base >= keep {
			n.releaseBlock(idx)
			binary.LittleEndian.PutUint64(raw[off:off+8], 0)
			dirty = true
		}
	}
	if dirty {
		if err := n.io.WriteBlock(newBlk, raw); err != nil {
			return newBlk, err
		}
	}
	return newBlk, nil
}

// freeIndirectBlock releases every non-zero leaf referenced by a pointer
// block (but not the pointer block itself — the caller does that). It only
// ever reads blk to discover its children, so blk's own frozen/modifiable
// status is irrelevant here.
func (n *Inode) freeIndirectBlock(blk, ppb uint64) {
	raw, err := n.io.ReadBlock(blk)
	if err != nil {
		return
	}
	for e := uint64(0); e < ppb; e++ {
		off := e * 8
		idx := binary.LittleEndian.Uint64(raw[off : off+8])
		if idx != 0 {
			n.releaseBlock(idx)
		}
	}
}

// LinearizeAllBlocks returns every data-space index this inode currently
// references, split by tier: lv1 storage blocks addressed directly, lv2
// pointer/storage blocks under the single-indirect slot, lv3 under the
// double-indirect slot (including the mid-level pointer blocks).
func (n *Inode) LinearizeAllBlocks() (lv1, lv2, lv3 []uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ppb := ptrsPerBlock(n.blockSize)

	for i := uint64(0); i < n.direct; i++ {
		if n.ptrs[i] != 0 {
			lv1 = append(lv1, n.ptrs[i])
		}
	}
	if blk := n.ptrs[n.l2Slot]; blk != 0 {
		lv2 = append(lv2, blk)
		lv2 = append(lv2, n.listIndirect(blk, ppb)...)
	}
	if blk := n.ptrs[n.l3Slot]; blk != 0 {
		lv3 = append(lv3, blk)
		for _, mid := range n.listIndirect(blk, ppb) {
			lv3 = append(lv3, mid)
			lv3 = append(lv3, n.listIndirect(mid, ppb)...)
		}
	}
	return
}

func (n *Inode) listIndirect(blk, ppb uint64) []uint64 {
	raw, err := n.io.ReadBlock(blk)
	if err != nil {
		return nil
	}
	var out []uint64
	for e := uint64(0); e < ppb; e++ {
		off := e * 8
		idx := binary.LittleEndian.Uint64(raw[off : off+8])
		if idx != 0 {
			out = append(out, idx)
		}
	}
	return out
}

// BlockSize returns the inode's image block size.
func (n *Inode) BlockSize() uint64 { return n.blockSize }

// DirectSlots returns the number of pure direct (level-1) pointer slots.
func (n *Inode) DirectSlots() uint64 { return n.direct }

// Raw returns the raw encoded block (stat + pointer array), used by CoW to
// dump an inode block verbatim without reinterpreting it.
func (n *Inode) Raw() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	buf := make([]byte, n.blockSize)
	enc := n.stat.encode()
	copy(buf, enc[:])
	for i, p := range n.ptrs {
		off := StatSize + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], p)
	}
	return buf, nil
}
