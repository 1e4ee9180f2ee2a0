package cfs

import "github.com/anivice/cfs/cfshead"

// JournalCapacity is the fixed number of 64-byte records the journal ring
// holds, a flat constant rather than something mkfs lets the caller tune —
// the ring is a debugging aid, not a durability guarantee, so its size
// doesn't need to scale with image size.
const JournalCapacity = 4096

// layout is the set of block-granular region boundaries mkfs computes.
type layout struct {
	blockSize  uint64
	totalBlocks uint64
	dataBlocks uint64

	bitmapStart, bitmapEnd             uint64
	bitmapBackupStart, bitmapBackupEnd uint64
	attrStart, attrEnd                 uint64
	dataStart, dataEnd                 uint64
	journalStart, journalEnd           uint64
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

// computeLayout finds a fixed point for the data-space size: the bitmap and
// attribute table both scale with it, so their own block cost must be
// subtracted from the total before the data space's size is known. A few
// iterations converge since each iteration only changes a handful of blocks.
func computeLayout(blockSize, totalBlocks uint64) layout {
	journalBytes := uint64(JournalCapacity)*64 + 2*32
	journalBlocks := ceilDiv(journalBytes, blockSize)

	dataBlocks := totalBlocks
	var bitmapBlocks, attrBlocks uint64
	for i := 0; i < 6; i++ {
		bitmapBytes := ceilDiv(dataBlocks, 8)
		bitmapBlocks = ceilDiv(bitmapBytes, blockSize)
		attrBytes := dataBlocks * 4
		attrBlocks = ceilDiv(attrBytes, blockSize)

		overhead := uint64(2) /* head+tail */ + 2*bitmapBlocks + attrBlocks + journalBlocks
		if overhead >= totalBlocks {
			dataBlocks = 0
			break
		}
		dataBlocks = totalBlocks - overhead
	}

	var l layout
	l.blockSize = blockSize
	l.totalBlocks = totalBlocks
	l.dataBlocks = dataBlocks

	cur := uint64(1) // block 0 is the head header
	l.bitmapStart = cur
	l.bitmapEnd = cur + bitmapBlocks
	cur = l.bitmapEnd

	l.bitmapBackupStart = cur
	l.bitmapBackupEnd = cur + bitmapBlocks
	cur = l.bitmapBackupEnd

	l.attrStart = cur
	l.attrEnd = cur + attrBlocks
	cur = l.attrEnd

	l.dataStart = cur
	l.dataEnd = cur + dataBlocks
	cur = l.dataEnd

	l.journalStart = cur
	l.journalEnd = cur + journalBlocks
	// totalBlocks-1 is the tail header; anything left unaccounted between
	// journalEnd and totalBlocks-1 is slack absorbed by rounding.

	return l
}

func (l layout) toStatic(label string) cfshead.StaticInfo {
	var si cfshead.StaticInfo
	copy(si.Label[:], label)
	si.BlockSize = l.blockSize
	si.Blocks = l.totalBlocks
	si.DataBitmapStart = l.bitmapStart
	si.DataBitmapEnd = l.bitmapEnd
	si.DataBitmapBackupStart = l.bitmapBackupStart
	si.DataBitmapBackupEnd = l.bitmapBackupEnd
	si.AttributeTableStart = l.attrStart
	si.AttributeTableEnd = l.attrEnd
	si.DataTableStart = l.dataStart
	si.DataTableEnd = l.dataEnd
	si.JournalStart = l.journalStart
	si.JournalEnd = l.journalEnd
	return si
}
