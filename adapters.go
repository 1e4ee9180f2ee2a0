package cfs

import (
	"github.com/anivice/cfs/blocklock"
	"github.com/anivice/cfs/mmapio"
)

// blockIO addresses the data region in data-space indices (0 = first block
// of the data region), translating to absolute image block numbers and
// taking the per-block lock for the duration of each access.
type blockIO struct {
	img       *mmapio.Image
	locks     *blocklock.Table
	dataStart uint64 // absolute block number of data-space index 0
	blockSize uint64
}

func (b *blockIO) abs(idx uint64) uint64 { return b.dataStart + idx }

func (b *blockIO) ReadBlock(idx uint64) ([]byte, error) {
	g := b.locks.Lock(b.abs(idx))
	defer g.Unlock()
	raw, err := b.img.At(int64(b.abs(idx)*b.blockSize), int64(b.blockSize))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (b *blockIO) WriteBlock(idx uint64, data []byte) error {
	g := b.locks.Lock(b.abs(idx))
	defer g.Unlock()
	raw, err := b.img.At(int64(b.abs(idx)*b.blockSize), int64(b.blockSize))
	if err != nil {
		return err
	}
	copy(raw, data)
	return nil
}

// journalStorage addresses the whole image in absolute bytes, as the
// journal package expects.
type journalStorage struct {
	img *mmapio.Image
}

func (j *journalStorage) ReadAt(off int64, n int) ([]byte, error) {
	raw, err := j.img.At(off, int64(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}

func (j *journalStorage) WriteAt(off int64, data []byte) error {
	raw, err := j.img.At(off, int64(len(data)))
	if err != nil {
		return err
	}
	copy(raw, data)
	return nil
}

// bitmapStore exposes the primary (mirror 0) and backup (mirror 1) bitmap
// regions, each byteOff-addressed from its own base.
type bitmapStore struct {
	img          *mmapio.Image
	primaryBase  int64 // absolute byte offset of bitmap mirror 0
	backupBase   int64
}

func (s *bitmapStore) baseFor(mirror int) int64 {
	if mirror == 0 {
		return s.primaryBase
	}
	return s.backupBase
}

func (s *bitmapStore) ReadAt(mirror int, byteOff int64, n int) ([]byte, error) {
	raw, err := s.img.At(s.baseFor(mirror)+byteOff, int64(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}

func (s *bitmapStore) WriteAt(mirror int, byteOff int64, data []byte) error {
	raw, err := s.img.At(s.baseFor(mirror)+byteOff, int64(len(data)))
	if err != nil {
		return err
	}
	copy(raw, data)
	return nil
}

// attrStore paginates the attribute table in blockSize-byte pages.
type attrStore struct {
	img       *mmapio.Image
	base      int64 // absolute byte offset of the attribute table
	blockSize int
}

func (s *attrStore) PageSize() int { return s.blockSize }

func (s *attrStore) ReadPage(page int) ([]byte, error) {
	raw, err := s.img.At(s.base+int64(page)*int64(s.blockSize), int64(s.blockSize))
	if err != nil {
		return nil, err
	}
	out := make([]byte, s.blockSize)
	copy(out, raw)
	return out, nil
}

func (s *attrStore) WritePage(page int, data []byte) error {
	raw, err := s.img.At(s.base+int64(page)*int64(s.blockSize), int64(s.blockSize))
	if err != nil {
		return err
	}
	copy(raw, data)
	return nil
}
