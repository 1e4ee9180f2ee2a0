//go:build fuse

// Package fusebridge is the host-filesystem bridge: it translates go-fuse's
// low-level VFS callbacks into calls against the core's POSIX surface
// (package cfs, C12). It is an external collaborator per spec.md §1 — the
// core never imports it — and only exists under the `fuse` build tag
// because go-fuse requires cgo-free but Linux-only syscall plumbing the
// other cmd/ tools don't need.
package fusebridge

import (
	"context"
	"log"
	"path"
	"sync"
	"syscall"

	"github.com/anivice/cfs"
	"github.com/anivice/cfs/dentry"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// node is one live go-fuse Inode, addressed by its CFS path. Unlike a cache
// that mirrors on-disk inode numbers, the bridge recomputes everything
// through path-based cfs calls, matching the way the core's own dentry maps
// are name-keyed rather than handle-keyed.
type node struct {
	fs.Inode
	bridge *Bridge
	path   string
}

var (
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeReader     = (*node)(nil)
	_ fs.NodeWriter     = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeMknoder    = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeRenamer    = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
	_ fs.NodeStatfser   = (*node)(nil)
	_ fs.NodeAccesser   = (*node)(nil)
)

// Bridge owns the mounted filesystem handle and the go-fuse root.
type Bridge struct {
	FS *cfs.Filesystem

	mu  sync.Mutex
	log *log.Logger
}

// New wraps an already-mounted cfs.Filesystem as a go-fuse root node.
func New(fsys *cfs.Filesystem, logger *log.Logger) (fs.InodeEmbedder, *Bridge) {
	b := &Bridge{FS: fsys, log: logger}
	root := &node{bridge: b, path: "/"}
	return root, b
}

// Mount mounts root at mountPoint; debug turns on go-fuse's debug logging.
// No other mount options are taken from the caller.
func Mount(mountPoint string, root fs.InodeEmbedder, debug bool) (*fuse.Server, error) {
	opts := &fs.Options{}
	opts.Debug = debug
	opts.MountOptions.FsName = "cfs"
	opts.MountOptions.Name = "cfs"
	return fs.Mount(mountPoint, root, opts)
}

func (n *node) child(name string) *node {
	return &node{bridge: n.bridge, path: path.Join(n.path, name)}
}

func errnoOf(err error) syscall.Errno {
	switch err {
	case nil:
		return 0
	case cfs.ErrNotExist:
		return syscall.ENOENT
	case cfs.ErrExist:
		return syscall.EEXIST
	case cfs.ErrNotDirectory:
		return syscall.ENOTDIR
	case cfs.ErrIsDirectory:
		return syscall.EISDIR
	case cfs.ErrNotEmpty:
		return syscall.ENOTEMPTY
	case cfs.ErrNotSymlink:
		return syscall.EINVAL
	case cfs.ErrPermission:
		return syscall.EACCES
	case cfs.ErrInvalid:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func fillAttr(out *fuse.Attr, st cfs.Stat) {
	out.Ino = st.Ino
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Size = st.Size
	out.Blksize = uint32(st.Blksize)
	out.Blocks = st.Blocks
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.bridge.FS.Getattr(n.path)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := n.child(name)
	st, err := n.bridge.FS.Getattr(c.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(&out.Attr, st)
	out.NodeId = st.Ino
	child := n.NewInode(ctx, c, fs.StableAttr{Mode: st.Mode & 0170000, Ino: st.Ino})
	return child, 0
}

type dirStream struct {
	entries []dentry.Entry
	i       int
}

func (d *dirStream) HasNext() bool { return d.i < len(d.entries) }
func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.i]
	d.i++
	return fuse.DirEntry{Name: e.Name, Ino: e.Ino}, 0
}
func (d *dirStream) Close() {}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.bridge.FS.Readdir(n.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	return &dirStream{entries: entries}, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nRead, err := n.bridge.FS.Read(n.path, dest, uint64(off))
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:nRead]), 0
}

func (n *node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.bridge.FS.Write(n.path, data, uint64(off))
	if err != nil {
		return uint32(written), errnoOf(err)
	}
	return uint32(written), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	c := n.child(name)
	if err := n.bridge.FS.Create(c.path, mode); err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	st, err := n.bridge.FS.Getattr(c.path)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	fillAttr(&out.Attr, st)
	out.NodeId = st.Ino
	child := n.NewInode(ctx, c, fs.StableAttr{Mode: st.Mode & 0170000, Ino: st.Ino})
	return child, nil, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := n.child(name)
	if err := n.bridge.FS.Mkdir(c.path, mode); err != nil {
		return nil, errnoOf(err)
	}
	st, err := n.bridge.FS.Getattr(c.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(&out.Attr, st)
	out.NodeId = st.Ino
	child := n.NewInode(ctx, c, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: st.Ino})
	return child, 0
}

func (n *node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := n.child(name)
	if err := n.bridge.FS.Mknod(c.path, mode, uint64(rdev)); err != nil {
		return nil, errnoOf(err)
	}
	st, err := n.bridge.FS.Getattr(c.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(&out.Attr, st)
	out.NodeId = st.Ino
	child := n.NewInode(ctx, c, fs.StableAttr{Mode: st.Mode & 0170000, Ino: st.Ino})
	return child, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.bridge.FS.Unlink(n.child(name).path))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.bridge.FS.Rmdir(n.child(name).path))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newP, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	var rf cfs.RenameFlag
	switch flags {
	case 0:
		rf = cfs.RenameDefault
	case fuse.RENAME_EXCHANGE:
		rf = cfs.RenameExchange
	default:
		return syscall.EINVAL
	}
	return errnoOf(n.bridge.FS.Rename(n.child(name).path, newP.child(newName).path, rf))
}

func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if err := n.bridge.FS.Truncate(n.path, sz); err != nil {
			return errnoOf(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.bridge.FS.Chmod(n.path, mode); err != nil {
			return errnoOf(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		st, err := n.bridge.FS.Getattr(n.path)
		if err != nil {
			return errnoOf(err)
		}
		if !uok {
			uid = st.Uid
		}
		if !gok {
			gid = st.Gid
		}
		if err := n.bridge.FS.Chown(n.path, uid, gid); err != nil {
			return errnoOf(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := n.child(name)
	if err := n.bridge.FS.Symlink(target, c.path); err != nil {
		return nil, errnoOf(err)
	}
	st, err := n.bridge.FS.Getattr(c.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(&out.Attr, st)
	out.NodeId = st.Ino
	child := n.NewInode(ctx, c, fs.StableAttr{Mode: fuse.S_IFLNK, Ino: st.Ino})
	return child, 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	s, err := n.bridge.FS.Readlink(n.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(s), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	sv, err := n.bridge.FS.Statfs()
	if err != nil {
		return errnoOf(err)
	}
	out.Bsize = uint32(sv.Bsize)
	out.Blocks = sv.Blocks
	out.Bfree = sv.Bfree
	out.Bavail = sv.Bavail
	out.NameLen = uint32(sv.Namemax)
	return 0
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return errnoOf(n.bridge.FS.Access(n.path, mask))
}

// snapshotIoctlCmd holds the type and number bytes of _IOW('M', 0x42,
// struct{...}): 'M' (0x4D) over 0x42. go-fuse hands ioctl requests through
// uninterpreted, so the bridge compares only the request's low 16 bits
// against it, ignoring the direction and size bits of the _IOW encoding.
const snapshotIoctlCmd = 0x4D42

// Ioctl implements the single snapshot-management IOCTL. It only makes
// sense against a directory handle (the root); anything else fails ENOTTY
// per spec.md §6.
func (n *node) Ioctl(ctx context.Context, f fs.FileHandle, command uint32, inputBytes []byte, output []byte) (uint32, int32, syscall.Errno) {
	st, err := n.bridge.FS.Getattr(n.path)
	if err != nil {
		return 0, 0, errnoOf(err)
	}
	if st.Mode&0170000 != 0040000 {
		return 0, 0, syscall.ENOTTY
	}
	if command&0xFFFF != snapshotIoctlCmd || len(inputBytes) < 255+8 {
		return 0, 0, syscall.EINVAL
	}
	nameBuf := inputBytes[:255]
	end := 0
	for end < len(nameBuf) && nameBuf[end] != 0 {
		end++
	}
	name := string(nameBuf[:end])
	action := uint64(0)
	for i := 0; i < 8; i++ {
		action |= uint64(inputBytes[255+i]) << (8 * i)
	}

	var opErr error
	switch action {
	case 0:
		opErr = n.bridge.FS.Snapshot(name)
	case 1:
		opErr = n.bridge.FS.Rollback(name)
	case 2:
		opErr = n.bridge.FS.DeleteSnapshot(name)
	default:
		return 0, 0, syscall.EINVAL
	}
	if opErr != nil {
		return 0, 0, errnoOf(opErr)
	}
	return 0, 0, 0
}
