// Package codec implements the pluggable compression registry used for
// in-inode directory maps (file data blocks are stored uncompressed): a fixed numeric ID
// per algorithm, a registration map populated by each codec's init(), and
// build-tag-gated codecs for the optional algorithms, following the
// teacher's comp.go/comp_xz.go/comp_zstd.go split.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// ID identifies a compression algorithm, matching the spec's codec table.
type ID uint16

const (
	None ID = 0
	LZ4  ID = 1
	XZ   ID = 2
	ZSTD ID = 3
)

func (c ID) String() string {
	switch c {
	case None:
		return "None"
	case LZ4:
		return "LZ4"
	case XZ:
		return "XZ"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("ID(%d)", c)
}

// Codec compresses and decompresses whole buffers (directory maps and data
// blocks are both small enough that streaming isn't worth the complexity).
type Codec struct {
	Compress   func([]byte) ([]byte, error)
	Decompress func([]byte) ([]byte, error)
}

var (
	mu       sync.Mutex
	registry = map[ID]*Codec{}
)

// Register installs a codec under id. Build-tag-gated codec files call this
// from their own init().
func Register(id ID, c *Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[id] = c
}

func init() {
	Register(None, &Codec{
		Compress:   func(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil },
		Decompress: func(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil },
	})
}

// Get looks up a registered codec by ID.
func Get(id ID) (*Codec, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("codec: %s not registered (missing build tag?)", id)
	}
	return c, nil
}

// Compress compresses buf under the named codec.
func Compress(id ID, buf []byte) ([]byte, error) {
	c, err := Get(id)
	if err != nil {
		return nil, err
	}
	return c.Compress(buf)
}

// Decompress decompresses buf under the named codec.
func Decompress(id ID, buf []byte) ([]byte, error) {
	c, err := Get(id)
	if err != nil {
		return nil, err
	}
	return c.Decompress(buf)
}

// drain is a small helper shared by the stream-based codecs (xz, zstd) to
// read a io.Reader fully into memory.
func drain(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
