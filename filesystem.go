package cfs

import (
	"sync"
	"time"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/bitmap"
	"github.com/anivice/cfs/blocklock"
	"github.com/anivice/cfs/blockmgr"
	"github.com/anivice/cfs/cfshead"
	"github.com/anivice/cfs/cow"
	"github.com/anivice/cfs/dentry"
	"github.com/anivice/cfs/inode"
	"github.com/anivice/cfs/journal"
	"github.com/anivice/cfs/mmapio"
	"github.com/anivice/cfs/snapshot"
)

// Filesystem is a mounted CFS image: every component package wired together
// behind a single coarse mutex. The spec's per-inode lock hierarchy assumes
// a live inode cache; this implementation re-loads inode state fresh on
// every POSIX call instead, so a single filesystem-wide mutex plays the
// role of "the inode's own lock, held for the whole operation" without the
// bookkeeping a real cache would need. Block-level concurrency still goes
// through blocklock underneath.
type Filesystem struct {
	mu sync.Mutex

	img    *mmapio.Image
	hdr    *cfshead.Header
	locks  *blocklock.Table
	jr     *journal.Ring
	bm     *bitmap.Bitmap
	attrs  *attribute.Table
	alloc  *blockmgr.Manager
	cowE   *cow.Engine
	snapE  *snapshot.Engine
	io     *blockIO

	blockSize uint64
}

// Format initializes a fresh image at path with the given total block count
// and block size, then mounts it.
func Format(path, label string, totalBlocks, blockSize uint64) (*Filesystem, error) {
	l := computeLayout(blockSize, totalBlocks)
	img, err := mmapio.Create(path, int64(totalBlocks*blockSize))
	if err != nil {
		return nil, err
	}

	static := l.toStatic(label)
	hdr := cfshead.Format(static)

	fs := buildFilesystem(img, hdr, l)

	// Zero the bitmap, mirror, and attribute table explicitly: mmapio.Create
	// keeps whatever bytes an existing file at path already holds.
	zero := make([]byte, blockSize)
	for b := l.bitmapStart; b < l.bitmapEnd; b++ {
		raw, _ := fs.img.At(int64(b*blockSize), int64(blockSize))
		copy(raw, zero)
	}
	for b := l.bitmapBackupStart; b < l.bitmapBackupEnd; b++ {
		raw, _ := fs.img.At(int64(b*blockSize), int64(blockSize))
		copy(raw, zero)
	}
	for b := l.attrStart; b < l.attrEnd; b++ {
		raw, _ := fs.img.At(int64(b*blockSize), int64(blockSize))
		copy(raw, zero)
	}

	rootIno, err := fs.alloc.Allocate()
	if err != nil {
		return nil, err
	}
	root := inode.New(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize)
	now := time.Now().Unix()
	root.SetStat(func(s *inode.Stat) {
		s.Ino = rootIno
		s.Mode = inode.ModeDir | 0755
		s.Nlink = 1
		s.Blksize = blockSize
		s.Atim = inode.Timespec{Sec: now}
		s.Mtim = inode.Timespec{Sec: now}
		s.Ctim = inode.Timespec{Sec: now}
	})
	if err := root.Save(); err != nil {
		return nil, err
	}
	if _, err := dentry.Load(root, true); err != nil {
		return nil, err
	}
	if err := fs.attrs.Set(rootIno, attribute.Attr{Status: attribute.StatusModifiable, Type: attribute.TypeIndexNode}, nil); err != nil {
		return nil, err
	}

	fs.hdr.Lock()
	fs.hdr.SetRootInode(rootIno)
	fs.hdr.Unlock()

	if err := fs.writeHeaderBothCopies(); err != nil {
		return nil, err
	}
	if err := fs.img.Sync(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Mount loads an existing image, recovering the header via majority vote.
func Mount(path string) (*Filesystem, error) {
	img, err := mmapio.Open(path)
	if err != nil {
		return nil, err
	}
	head, err := img.At(0, cfshead.Size)
	if err != nil {
		return nil, err
	}
	tail, err := img.At(img.Size()-cfshead.Size, cfshead.Size)
	if err != nil {
		return nil, err
	}
	hdr, err := cfshead.Load(head, tail)
	if err != nil {
		return nil, err
	}

	l := layout{
		blockSize:         hdr.Static.BlockSize,
		totalBlocks:       hdr.Static.Blocks,
		dataBlocks:        hdr.Static.DataTableEnd - hdr.Static.DataTableStart,
		bitmapStart:       hdr.Static.DataBitmapStart,
		bitmapEnd:         hdr.Static.DataBitmapEnd,
		bitmapBackupStart: hdr.Static.DataBitmapBackupStart,
		bitmapBackupEnd:   hdr.Static.DataBitmapBackupEnd,
		attrStart:         hdr.Static.AttributeTableStart,
		attrEnd:           hdr.Static.AttributeTableEnd,
		dataStart:         hdr.Static.DataTableStart,
		dataEnd:           hdr.Static.DataTableEnd,
		journalStart:      hdr.Static.JournalStart,
		journalEnd:        hdr.Static.JournalEnd,
	}

	fs := buildFilesystem(img, hdr, l)
	if err := fs.writeHeaderBothCopies(); err != nil {
		return nil, err
	}
	return fs, nil
}

func buildFilesystem(img *mmapio.Image, hdr *cfshead.Header, l layout) *Filesystem {
	blockSize := l.blockSize
	locks := blocklock.New(l.totalBlocks)

	io := &blockIO{img: img, locks: locks, dataStart: l.dataStart, blockSize: blockSize}
	jStore := &journalStorage{img: img}
	bStore := &bitmapStore{
		img:         img,
		primaryBase: int64(l.bitmapStart * blockSize),
		backupBase:  int64(l.bitmapBackupStart * blockSize),
	}
	aStore := &attrStore{img: img, base: int64(l.attrStart * blockSize), blockSize: int(blockSize)}

	jr, _ := journal.Open(jStore, JournalCapacity,
		int64(l.journalStart*blockSize),
		int64(l.journalStart*blockSize)+32+JournalCapacity*journal.RecordSize,
		int64(l.journalStart*blockSize)+32,
	)

	bm := bitmap.New(bStore, l.dataBlocks,
		func() uint64 { return hdr.BitmapChecksum },
		func(sum uint64) { hdr.UpdateBitmapChecksum(sum) },
	)
	attrs := attribute.New(aStore, l.dataBlocks)
	alloc := blockmgr.New(bm, attrs, jr, hdr, l.dataBlocks)
	cowE := cow.New(io, alloc, attrs, bm, jr, hdr, blockSize)
	snapE := snapshot.New(io, alloc, attrs, bm, jr, hdr, cowE, blockSize)

	return &Filesystem{
		img: img, hdr: hdr, locks: locks, jr: jr, bm: bm, attrs: attrs,
		alloc: alloc, cowE: cowE, snapE: snapE, io: io, blockSize: blockSize,
	}
}

func (fs *Filesystem) writeHeaderBothCopies() error {
	head, err := fs.img.At(0, cfshead.Size)
	if err != nil {
		return err
	}
	copy(head, fs.hdr.HeadBytes())
	tail, err := fs.img.At(fs.img.Size()-cfshead.Size, cfshead.Size)
	if err != nil {
		return err
	}
	copy(tail, fs.hdr.TailBytes())
	return nil
}

// Sync flushes header, then msyncs the whole image.
func (fs *Filesystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeHeaderBothCopies(); err != nil {
		return err
	}
	return fs.img.Sync()
}

// Close syncs and unmaps the image.
func (fs *Filesystem) Close() error {
	if err := fs.Sync(); err != nil {
		return err
	}
	return fs.img.Close()
}

func (fs *Filesystem) rootNode() (*inode.Inode, error) {
	return inode.Load(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize, fs.hdr.RootInode())
}

// Free returns the number of free data-space blocks (statfs/`free`).
func (fs *Filesystem) Free() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.alloc.Free()
}

// DataBlocks returns the total data-space size.
func (fs *Filesystem) DataBlocks() uint64 { return fs.bm.Bits() }

// BlockSize returns the image's block size.
func (fs *Filesystem) BlockSize() uint64 { return fs.blockSize }
