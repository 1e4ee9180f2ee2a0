// Package cow implements the copy-on-write engine (C10): per-inode redirect
// on mutation, child→parent propagation up to the root, and root-CoW which
// additionally embeds a bitmap+attribute-table snapshot in the new root's
// tail.
package cow

import (
	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/dentry"
	"github.com/anivice/cfs/inode"
	"github.com/anivice/cfs/journal"
)

// Header is the subset of cfshead.Header the engine needs.
type Header interface {
	Lock()
	Unlock()
	RootInode() uint64
	SetRootInode(uint64)
}

// Bitmap is the subset of bitmap.Bitmap the engine needs for root-CoW snapshots.
type Bitmap interface {
	Dump() ([]byte, error)
}

// Attrs is the subset of attribute.Table the engine needs.
type Attrs interface {
	Get(i uint64) (attribute.Attr, error)
	Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error
	Clear(i uint64) error
	MoveTypeToCow(i uint64) error
	IncRef(i uint64) error
	DecRef(i uint64) error
	Dump() ([]byte, error)
}

// Engine performs copy-on-write redirection.
type Engine struct {
	io        inode.BlockIO
	alloc     inode.Allocator
	attrs     Attrs
	bm        Bitmap
	jr        *journal.Ring
	hdr       Header
	blockSize uint64

	// NoPointerAndStorageCow disables root-CoW entirely, for test/maintenance
	// mode, per spec's `no_pointer_and_storage_cow` global flag.
	NoPointerAndStorageCow bool
}

// New builds a CoW engine.
func New(io inode.BlockIO, alloc inode.Allocator, attrs Attrs, bm Bitmap, jr *journal.Ring, hdr Header, blockSize uint64) *Engine {
	return &Engine{io: io, alloc: alloc, attrs: attrs, bm: bm, jr: jr, hdr: hdr, blockSize: blockSize}
}

// Chain is a resolved path from the root to a target inode, used to
// propagate copy-on-write redirection bottom-up without the inode/dentry
// packages needing to know about each other's graph structure.
type Chain struct {
	Nodes []*inode.Inode   // Nodes[0] is root, Nodes[len-1] is the target.
	Dirs  []*dentry.Dentry // Dirs[i] wraps Nodes[i] whenever Nodes[i] is a directory (nil otherwise).
	Names []string         // Names[i] is the name of Nodes[i+1] inside Dirs[i].
}

// demote reclassifies block i after it has been superseded by a new block:
// modifiable blocks become CoW-redundancy (shadowing the old type), frozen
// blocks just lose one reference, staying in place for older snapshots.
func (e *Engine) demote(i uint64, wasModifiable bool) error {
	if wasModifiable {
		return e.attrs.MoveTypeToCow(i)
	}
	return e.attrs.DecRef(i)
}

// EnsureWritable walks chain top-down, CoW-ing the root first (always, per
// spec's root-CoW rule) and then any frozen/shared inode along the path,
// rebinding chain.Nodes/Dirs in place as new blocks are produced. Already
// modifiable non-root inodes are left untouched (I4 allows in-place writes).
func (e *Engine) EnsureWritable(chain *Chain) error {
	if e.NoPointerAndStorageCow {
		return nil
	}
	if len(chain.Nodes) == 0 {
		return nil
	}

	newRoot, err := e.RootCoW(chain.Nodes[0])
	if err != nil {
		return err
	}
	chain.Nodes[0] = newRoot
	if chain.Dirs[0] != nil {
		d, err := dentry.Load(newRoot, true)
		if err != nil {
			return err
		}
		chain.Dirs[0] = d
	}

	for i := 1; i < len(chain.Nodes); i++ {
		node := chain.Nodes[i]
		st := node.Stat()
		a, err := e.attrs.Get(st.Ino)
		if err != nil {
			return err
		}
		if a.Status == attribute.StatusModifiable {
			continue
		}

		raw, err := node.Raw()
		if err != nil {
			return err
		}
		newIno, err := e.alloc.Allocate()
		if err != nil {
			return err
		}
		if err := e.io.WriteBlock(newIno, raw); err != nil {
			return err
		}
		newNode, err := inode.Load(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize, newIno)
		if err != nil {
			return err
		}
		newNode.SetStat(func(s *inode.Stat) { s.Ino = newIno })
		if err := newNode.Save(); err != nil {
			return err
		}

		parentDir := chain.Dirs[i-1]
		name := chain.Names[i-1]
		if err := parentDir.ReplaceIno(name, newIno); err != nil {
			return err
		}

		if err := e.demote(st.Ino, a.Status == attribute.StatusModifiable); err != nil {
			return err
		}
		if err := e.attrs.Set(newIno, attribute.Attr{Status: attribute.StatusModifiable, Type: a.Type}, nil); err != nil {
			return err
		}

		chain.Nodes[i] = newNode
		if chain.Dirs[i] != nil {
			d, err := dentry.Load(newNode, false)
			if err != nil {
				return err
			}
			chain.Dirs[i] = d
		}
	}
	return nil
}

// attrsAdapter narrows cow.Attrs down to inode.Attrs.
type attrsAdapter struct{ a Attrs }

func (w attrsAdapter) Get(i uint64) (attribute.Attr, error) { return w.a.Get(i) }
func (w attrsAdapter) Set(i uint64, a attribute.Attr, onChange func(old, new uint32)) error {
	return w.a.Set(i, a, onChange)
}
func (w attrsAdapter) Clear(i uint64) error { return w.a.Clear(i) }
func (w attrsAdapter) DecRef(i uint64) error { return w.a.DecRef(i) }

// RootCoW allocates a new root block, clones the current root verbatim,
// embeds a fresh attribute+bitmap snapshot in its tail, repoints the
// header's root_inode_pointer, and demotes the old root block. It is a
// no-op returning root unchanged when NoPointerAndStorageCow is set.
func (e *Engine) RootCoW(root *inode.Inode) (*inode.Inode, error) {
	if e.NoPointerAndStorageCow {
		return root, nil
	}

	st := root.Stat()
	raw, err := root.Raw()
	if err != nil {
		return nil, err
	}

	newIno, err := e.alloc.Allocate()
	if err != nil {
		return nil, err
	}
	if err := e.io.WriteBlock(newIno, raw); err != nil {
		return nil, err
	}

	newRoot, err := inode.Load(e.io, e.alloc, attrsAdapter{e.attrs}, e.jr, e.blockSize, newIno)
	if err != nil {
		return nil, err
	}
	newRoot.SetStat(func(s *inode.Stat) { s.Ino = newIno })
	if err := newRoot.Save(); err != nil {
		return nil, err
	}

	d, err := dentry.Load(newRoot, true)
	if err != nil {
		return nil, err
	}

	attrDump, err := e.attrs.Dump()
	if err != nil {
		return nil, err
	}
	bitmapDump, err := e.bm.Dump()
	if err != nil {
		return nil, err
	}
	tail := append(append([]byte{}, attrDump...), bitmapDump...)
	if err := d.SetRootTail(tail); err != nil {
		return nil, err
	}

	e.hdr.Lock()
	e.hdr.SetRootInode(newIno)
	e.hdr.Unlock()

	oldOa, err := e.attrs.Get(st.Ino)
	if err == nil {
		e.demote(st.Ino, oldOa.Status == attribute.StatusModifiable)
	}
	if err := e.attrs.Set(newIno, attribute.Attr{Status: attribute.StatusModifiable, Type: attribute.TypeIndexNode}, nil); err != nil {
		return nil, err
	}

	return newRoot, nil
}
