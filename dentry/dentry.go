// Package dentry implements the directory entry service (C9): an in-inode,
// LZ4-compressed name→ino map, with the root inode additionally carrying an
// uncompressed bitmap+attribute-table snapshot tail used by root-CoW and the
// snapshot engine.
package dentry

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/anivice/cfs/codec"
	"github.com/anivice/cfs/inode"
)

// magic tags the start of the compressed payload, right after dentry_start.
const magic uint64 = 0xD1717000CFADBEEF

// Dentry wraps a directory inode with its decoded name→ino map.
type Dentry struct {
	node        *inode.Inode
	isRoot      bool
	dentryStart uint64
	rootTail    []byte // root-metadata region verbatim (bitmap+attr dump), root only
	entries     map[string]uint64
}

// Load reads and decodes the directory payload of an already-open inode.
func Load(node *inode.Inode, isRoot bool) (*Dentry, error) {
	d := &Dentry{node: node, isRoot: isRoot, entries: map[string]uint64{}}

	st := node.Stat()
	if st.Size < 8 {
		// Freshly allocated, empty directory.
		d.dentryStart = 8
		if err := d.Save(); err != nil {
			return nil, err
		}
		return d, nil
	}

	var hdr [8]byte
	if _, err := node.Read(hdr[:], 0); err != nil {
		return nil, err
	}
	d.dentryStart = binary.LittleEndian.Uint64(hdr[:])

	if isRoot && d.dentryStart > 8 {
		tail := make([]byte, d.dentryStart-8)
		if _, err := node.Read(tail, 8); err != nil {
			return nil, err
		}
		d.rootTail = tail
	}

	if st.Size <= d.dentryStart+8 {
		return d, nil
	}

	var magicBuf [8]byte
	if _, err := node.Read(magicBuf[:], d.dentryStart); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint64(magicBuf[:]) != magic {
		return d, nil
	}

	payloadLen := st.Size - d.dentryStart - 8
	compressed := make([]byte, payloadLen)
	if _, err := node.Read(compressed, d.dentryStart+8); err != nil {
		return nil, err
	}

	raw, err := codec.Decompress(codec.LZ4, compressed)
	if err != nil {
		return nil, err
	}
	d.entries = parsePairs(raw)
	return d, nil
}

func parsePairs(raw []byte) map[string]uint64 {
	out := map[string]uint64{}
	for len(raw) > 0 {
		nul := bytes.IndexByte(raw, 0)
		if nul < 0 {
			break
		}
		name := string(raw[:nul])
		raw = raw[nul+1:]
		if len(raw) < 8 {
			break
		}
		ino := binary.LittleEndian.Uint64(raw[:8])
		raw = raw[8:]
		out[name] = ino
	}
	return out
}

func encodePairs(entries map[string]uint64) []byte {
	// Stable order keeps Save() deterministic for tests, though the spec
	// doesn't require insertion order to be preserved.
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
		var ino [8]byte
		binary.LittleEndian.PutUint64(ino[:], entries[n])
		buf.Write(ino[:])
	}
	return buf.Bytes()
}

// Save re-serializes and compresses the payload and rewrites it through one
// Resize and several Writes on the inode. Each of those calls takes the
// Inode's mutex on its own; the mutex is not held across the whole rewrite.
func (d *Dentry) Save() error {
	raw := encodePairs(d.entries)
	compressed, err := codec.Compress(codec.LZ4, raw)
	if err != nil {
		return err
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], d.dentryStart)

	total := d.dentryStart + 8 + uint64(len(compressed))
	if err := d.node.Resize(total); err != nil {
		return err
	}
	if _, err := d.node.Write(hdr[:], 0); err != nil {
		return err
	}
	if d.isRoot && len(d.rootTail) > 0 {
		if _, err := d.node.Write(d.rootTail, 8); err != nil {
			return err
		}
	}
	var magicBuf [8]byte
	binary.LittleEndian.PutUint64(magicBuf[:], magic)
	if _, err := d.node.Write(magicBuf[:], d.dentryStart); err != nil {
		return err
	}
	if _, err := d.node.Write(compressed, d.dentryStart+8); err != nil {
		return err
	}
	return nil
}

// Entry is one (name, ino) pair, returned by Ls in undefined order.
type Entry struct {
	Name string
	Ino  uint64
}

// Ls returns every entry currently in the directory.
func (d *Dentry) Ls() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for n, i := range d.entries {
		out = append(out, Entry{n, i})
	}
	return out
}

// Lookup resolves name to an inode index.
func (d *Dentry) Lookup(name string) (uint64, bool) {
	ino, ok := d.entries[name]
	return ino, ok
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return ErrBadName
	}
	return nil
}

// AddEntry inserts (name, ino) and persists. Used by package cfs's rename
// and makeChildInode, and by the snapshot engine.
func (d *Dentry) AddEntry(name string, ino uint64) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, exists := d.entries[name]; exists {
		return ErrExists
	}
	d.entries[name] = ino
	return d.Save()
}

// EraseEntry removes name from the map (without touching the target inode)
// and persists, returning the ino it pointed to.
func (d *Dentry) EraseEntry(name string) (uint64, error) {
	ino, ok := d.entries[name]
	if !ok {
		return 0, ErrNotFound
	}
	delete(d.entries, name)
	if err := d.Save(); err != nil {
		return 0, err
	}
	return ino, nil
}

// ReplaceIno repoints name at a new ino in place (used when a child's own
// CoW produces a new block and the parent must update its map), without
// touching insertion semantics.
func (d *Dentry) ReplaceIno(name string, newIno uint64) error {
	if _, ok := d.entries[name]; !ok {
		return ErrNotFound
	}
	d.entries[name] = newIno
	return d.Save()
}

// DentryStart returns the inode-relative offset where the directory
// payload's magic word begins (used by root-CoW to preserve the
// root-metadata tail placement).
func (d *Dentry) DentryStart() uint64 { return d.dentryStart }

// SetRootTail overwrites the uncompressed root-metadata region (bitmap +
// attribute-table snapshot) and recomputes dentry_start, only valid on the
// root directory.
func (d *Dentry) SetRootTail(tail []byte) error {
	d.rootTail = tail
	d.dentryStart = 8 + uint64(len(tail))
	return d.Save()
}

// RootTail returns the raw uncompressed root-metadata region.
func (d *Dentry) RootTail() []byte { return d.rootTail }

// Node returns the underlying inode handle.
func (d *Dentry) Node() *inode.Inode { return d.node }

// Len reports the number of entries, used by rmdir's empty-directory check.
func (d *Dentry) Len() int { return len(d.entries) }
