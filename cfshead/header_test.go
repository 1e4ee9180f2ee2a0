package cfshead_test

import (
	"bytes"
	"testing"

	"github.com/anivice/cfs/cfshead"
)

func sampleStatic() cfshead.StaticInfo {
	var si cfshead.StaticInfo
	copy(si.Label[:], "test-volume")
	si.BlockSize = 4096
	si.Blocks = 1024
	si.DataTableStart = 10
	si.DataTableEnd = 900
	return si
}

// TestHeaderRoundTrip is property P10: loading the head and tail copies
// produced by Format/HeadBytes/TailBytes yields the same static layout.
func TestHeaderRoundTrip(t *testing.T) {
	hdr := cfshead.Format(sampleStatic())
	hdr.SetRootInode(42)

	loaded, err := cfshead.Load(hdr.HeadBytes(), hdr.TailBytes())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Static != hdr.Static {
		t.Fatalf("Static = %+v, want %+v", loaded.Static, hdr.Static)
	}
	if loaded.RootInode() != 42 {
		t.Fatalf("RootInode = %d, want 42", loaded.RootInode())
	}
}

// TestHeaderRecoversFromCorruptTail exercises majority-vote repair: a
// corrupted tail copy must not prevent loading from the still-valid head.
func TestHeaderRecoversFromCorruptTail(t *testing.T) {
	hdr := cfshead.Format(sampleStatic())
	head := hdr.HeadBytes()
	tail := make([]byte, cfshead.Size)
	copy(tail, head)
	// Corrupt bytes 8-15 of the tail copy, just past its magic; the head copy's internal
	// primary/duplicate pair still agrees with itself.
	for i := 8; i < 16; i++ {
		tail[i] ^= 0xFF
	}

	loaded, err := cfshead.Load(head, tail)
	if err != nil {
		t.Fatalf("Load with corrupt tail: %v", err)
	}
	if loaded.Static != hdr.Static {
		t.Fatalf("Static after tail corruption = %+v, want %+v", loaded.Static, hdr.Static)
	}
}

// TestHeaderRejectsNonCFSImage covers the magic-mismatch path.
func TestHeaderRejectsNonCFSImage(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xAA}, cfshead.Size)
	if _, err := cfshead.Load(garbage, garbage); err != cfshead.ErrNotCFS {
		t.Fatalf("Load(garbage) = %v, want ErrNotCFS", err)
	}
}
