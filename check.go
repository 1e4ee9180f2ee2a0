package cfs

// CheckReport summarizes what fsck.cfs found (and, if modify was requested,
// repaired) in one pass over the image.
type CheckReport struct {
	TotalBlocks     uint64
	DataBlocks      uint64
	FreeBlocks      uint64
	AllocatedNonCow uint64
	BitmapRepairs   int
}

// Check walks the bitmap once, touching every index through Bitmap.Get so
// any mirror divergence is auto-repaired along the way (bitmap.Bitmap.Get
// already performs the CRC-adjudicated repair internally); the header's own
// head/tail majority vote already ran during Mount. modify is not consulted:
// the only repairable corruption this layer can detect is bitmap-mirror
// divergence, which Get() repairs whether or not modify is set.
func (fs *Filesystem) Check(modify bool) (CheckReport, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.bm.Bits()
	var free uint64
	for i := uint64(0); i < n; i++ {
		used, err := fs.bm.Get(i)
		if err != nil {
			return CheckReport{}, err
		}
		if !used {
			free++
		}
	}

	return CheckReport{
		TotalBlocks:     fs.hdr.Static.Blocks,
		DataBlocks:      n,
		FreeBlocks:      free,
		AllocatedNonCow: fs.hdr.Runtime.AllocatedNonCowBlocks,
	}, nil
}
