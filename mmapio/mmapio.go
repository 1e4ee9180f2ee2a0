// Package mmapio provides whole-file memory mapping of a CFS image.
//
// It mirrors the host-filesystem bridge's own approach to zero-copy access:
// the entire image is mapped once and byte ranges are handed out as plain
// slices into that mapping. Mutual exclusion between concurrent accessors is
// the caller's responsibility (see package blocklock); this package only
// owns the mapping's lifetime.
package mmapio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MinimumSize is the smallest image mmapio will accept.
const MinimumSize = 1024 * 1024

var (
	// ErrCannotOpen is returned when the backing file cannot be opened or stat'd.
	ErrCannotOpen = errors.New("mmapio: cannot open image file")
	// ErrTooSmall is returned when the image is below MinimumSize.
	ErrTooSmall = errors.New("mmapio: image smaller than 1 MiB")
	// ErrMmapFailed wraps a failing mmap(2)/msync(2)/munmap(2) syscall.
	ErrMmapFailed = errors.New("mmapio: mmap failed")
)

// Image is a memory-mapped disk image file.
type Image struct {
	f    *os.File
	data []byte
}

// Open mmaps path for reading and writing. The file must already exist and
// be at least MinimumSize bytes; use Create to format a new image.
func Open(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}
	img, err := newFromFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

// Create truncates (or creates) path to size bytes and maps it.
func Create(path string, size int64) (*Image, error) {
	if size < MinimumSize {
		return nil, ErrTooSmall
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}
	img, err := newFromFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func newFromFile(f *os.File) (*Image, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotOpen, err)
	}
	if st.Size() < MinimumSize {
		return nil, ErrTooSmall
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMmapFailed, err)
	}

	return &Image{f: f, data: data}, nil
}

// Size returns the mapped length in bytes.
func (img *Image) Size() int64 {
	return int64(len(img.data))
}

// At returns a slice view into [offset, offset+length) of the mapping. The
// slice aliases the mapping directly; writes through it are writes to the
// image. Callers must hold the appropriate block lock(s) before mutating.
func (img *Image) At(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(img.data)) {
		return nil, fmt.Errorf("mmapio: range [%d,%d) out of bounds (size=%d)", offset, offset+length, len(img.data))
	}
	return img.data[offset : offset+length], nil
}

// Sync flushes the mapping to disk via msync(2), MS_SYNC.
func (img *Image) Sync() error {
	if err := unix.Msync(img.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrMmapFailed, err)
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (img *Image) Close() error {
	if img.data != nil {
		if err := unix.Munmap(img.data); err != nil {
			return fmt.Errorf("%w: munmap: %v", ErrMmapFailed, err)
		}
		img.data = nil
	}
	return img.f.Close()
}
