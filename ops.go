package cfs

import (
	"time"

	"github.com/anivice/cfs/attribute"
	"github.com/anivice/cfs/cow"
	"github.com/anivice/cfs/dentry"
	"github.com/anivice/cfs/inode"
)

// Stat is re-exported for callers that don't want to import package inode
// directly.
type Stat = inode.Stat

func now() inode.Timespec {
	n := time.Now()
	return inode.Timespec{Sec: n.Unix(), Nsec: int64(n.Nanosecond())}
}

// Getattr returns the stat of the inode at path.
func (fs *Filesystem) Getattr(path string) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return Stat{}, err
	}
	return r.node.Stat(), nil
}

// Readdir lists the directory entries at path.
func (fs *Filesystem) Readdir(path string) ([]dentry.Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if r.dir == nil {
		return nil, ErrNotDirectory
	}
	return r.dir.Ls(), nil
}

// makeChildInode allocates a fresh inode block under parentDir named name,
// marking it INDEX_NODE / newly-allocated-no-cow per C9's make_inode.
func (fs *Filesystem) makeChildInode(chain *cow.Chain, parentDir *dentry.Dentry, name string, mode uint32) (*inode.Inode, error) {
	if _, exists := parentDir.Lookup(name); exists {
		return nil, ErrExist
	}

	ino, err := fs.alloc.Allocate()
	if err != nil {
		return nil, err
	}
	child := inode.New(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize)
	t := now()
	child.SetStat(func(s *inode.Stat) {
		s.Ino = ino
		s.Mode = mode
		s.Nlink = 1
		s.Blksize = fs.blockSize
		s.Atim, s.Mtim, s.Ctim = t, t, t
	})
	if err := child.Save(); err != nil {
		return nil, err
	}
	if err := fs.attrs.Set(ino, attribute.Attr{
		Status:              attribute.StatusModifiable,
		Type:                attribute.TypeIndexNode,
		NewlyAllocatedNoCow: true,
	}, nil); err != nil {
		return nil, err
	}
	if err := parentDir.AddEntry(name, ino); err != nil {
		return nil, err
	}
	return child, nil
}

// Mkdir creates a new, empty directory at path.
func (fs *Filesystem) Mkdir(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	parentDir := r.chain.Dirs[len(r.chain.Dirs)-1]

	child, err := fs.makeChildInode(r.chain, parentDir, name, inode.ModeDir|(mode&0777))
	if err != nil {
		return err
	}
	if _, err := dentry.Load(child, false); err != nil {
		return err
	}
	return nil
}

// Create creates a new, empty regular file at path.
func (fs *Filesystem) Create(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	parentDir := r.chain.Dirs[len(r.chain.Dirs)-1]

	_, err = fs.makeChildInode(r.chain, parentDir, name, inode.ModeReg|(mode&0777))
	return err
}

// Mknod creates a device node (block or character) at path. CFS stores it
// exactly like a regular file plus an rdev field; neither this layer nor the
// FUSE bridge refuses reads or writes against a device node.
func (fs *Filesystem) Mknod(path string, mode uint32, rdev uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	parentDir := r.chain.Dirs[len(r.chain.Dirs)-1]

	child, err := fs.makeChildInode(r.chain, parentDir, name, mode)
	if err != nil {
		return err
	}
	child.SetStat(func(s *inode.Stat) { s.Rdev = rdev })
	return child.Save()
}

// lastNode returns the CoW-rebound target node at the end of chain.
func lastNode(chain *cow.Chain) *inode.Inode { return chain.Nodes[len(chain.Nodes)-1] }

// Read reads up to len(dst) bytes from path at offset off.
func (fs *Filesystem) Read(path string, dst []byte, off uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if inode.IsDir(r.node.Stat().Mode) {
		return 0, ErrIsDirectory
	}
	return r.node.Read(dst, off)
}

// Write writes src into path at offset off, CoW-ing the inode (and its
// ancestry, up to the root) first, and bumps mtim.
func (fs *Filesystem) Write(path string, src []byte, off uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if inode.IsDir(r.node.Stat().Mode) {
		return 0, ErrIsDirectory
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return 0, err
	}
	target := lastNode(r.chain)
	n, err := target.Write(src, off)
	if err != nil {
		return n, err
	}
	target.SetStat(func(s *inode.Stat) { s.Mtim = now() })
	return n, target.Save()
}

// Truncate resizes path to exactly size bytes.
func (fs *Filesystem) Truncate(path string, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if inode.IsDir(r.node.Stat().Mode) {
		return ErrIsDirectory
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	target := lastNode(r.chain)
	if err := target.Resize(size); err != nil {
		return err
	}
	target.SetStat(func(s *inode.Stat) { s.Mtim = now() })
	return target.Save()
}

// Fallocate allocates-or-resizes path to cover [off, off+length).
func (fs *Filesystem) Fallocate(path string, off, length uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if inode.IsDir(r.node.Stat().Mode) {
		return ErrIsDirectory
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	target := lastNode(r.chain)
	want := off + length
	if want > target.Stat().Size {
		if err := target.Resize(want); err != nil {
			return err
		}
	}
	return target.Save()
}

// Chmod updates the permission bits (and file-type bits are left untouched).
func (fs *Filesystem) Chmod(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	target := lastNode(r.chain)
	target.SetStat(func(s *inode.Stat) {
		s.Mode = (s.Mode & inode.ModeFmt) | (mode & 0777)
		s.Ctim = now()
	})
	return target.Save()
}

// Chown updates uid/gid.
func (fs *Filesystem) Chown(path string, uid, gid uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	target := lastNode(r.chain)
	target.SetStat(func(s *inode.Stat) {
		s.Uid, s.Gid = uid, gid
		s.Ctim = now()
	})
	return target.Save()
}

// Utimens updates atim/mtim explicitly.
func (fs *Filesystem) Utimens(path string, atim, mtim inode.Timespec) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	target := lastNode(r.chain)
	target.SetStat(func(s *inode.Stat) {
		s.Atim, s.Mtim = atim, mtim
		s.Ctim = now()
	})
	return target.Save()
}

// unlinkLocked implements C9's unlink semantics against an already-CoW'd
// parent directory: a modifiable target is truncated to free its storage,
// then deallocated outright, without being CoW'd first; a frozen target
// (shared with an older snapshot) stays on disk, and it and every block its
// indirection tree references lose one reference.
func (fs *Filesystem) unlinkLocked(parentDir *dentry.Dentry, name string) error {
	childIno, ok := parentDir.Lookup(name)
	if !ok {
		return ErrNotExist
	}
	a, err := fs.attrs.Get(childIno)
	if err != nil {
		return err
	}

	if a.Status == attribute.StatusModifiable {
		child, err := inode.Load(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize, childIno)
		if err != nil {
			return err
		}
		if err := child.Resize(0); err != nil {
			return err
		}
		if err := fs.alloc.Deallocate(childIno); err != nil {
			return err
		}
	} else {
		child, err := inode.Load(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize, childIno)
		if err != nil {
			return err
		}
		fs.attrs.DecRef(childIno)
		lv1, lv2, lv3 := child.LinearizeAllBlocks()
		for _, l := range [][]uint64{lv1, lv2, lv3} {
			for _, b := range l {
				fs.attrs.DecRef(b)
			}
		}
	}

	_, err = parentDir.EraseEntry(name)
	return err
}

// Unlink removes a non-directory entry at path.
func (fs *Filesystem) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if r.dir == nil {
		return ErrNotDirectory
	}
	childIno, ok := r.dir.Lookup(name)
	if !ok {
		return ErrNotExist
	}
	if node, lerr := inode.Load(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize, childIno); lerr == nil && inode.IsDir(node.Stat().Mode) {
		return ErrIsDirectory
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	parentDir := r.chain.Dirs[len(r.chain.Dirs)-1]
	return fs.unlinkLocked(parentDir, name)
}

// Rmdir removes an empty directory at path.
func (fs *Filesystem) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if r.dir == nil {
		return ErrNotDirectory
	}
	childIno, ok := r.dir.Lookup(name)
	if !ok {
		return ErrNotExist
	}
	child, err := inode.Load(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize, childIno)
	if err != nil {
		return err
	}
	if !inode.IsDir(child.Stat().Mode) {
		return ErrNotDirectory
	}
	childDir, err := dentry.Load(child, false)
	if err != nil {
		return err
	}
	if childDir.Len() > 0 {
		return ErrNotEmpty
	}

	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	parentDir := r.chain.Dirs[len(r.chain.Dirs)-1]
	return fs.unlinkLocked(parentDir, name)
}

// Symlink creates a symlink at linkPath whose body is target's text. Per
// spec.md's open question, the link-containing directory is resolved from
// linkPath (not from target), and success returns nil.
func (fs *Filesystem) Symlink(target, linkPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	r, name, err := fs.resolveParent(linkPath)
	if err != nil {
		return err
	}
	if err := fs.cowE.EnsureWritable(r.chain); err != nil {
		return err
	}
	parentDir := r.chain.Dirs[len(r.chain.Dirs)-1]

	child, err := fs.makeChildInode(r.chain, parentDir, name, inode.ModeLnk|0755)
	if err != nil {
		return err
	}
	_, err = child.Write([]byte(target), 0)
	if err != nil {
		return err
	}
	return child.Save()
}

// Readlink returns the link text stored at path.
func (fs *Filesystem) Readlink(path string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	st := r.node.Stat()
	if !inode.IsLnk(st.Mode) {
		return "", ErrNotSymlink
	}
	buf := make([]byte, st.Size)
	if _, err := r.node.Read(buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}

// RenameFlag mirrors the two supported renameat2 flag values; anything else
// is rejected with ErrInvalid per spec.md's open question (no silent
// coercion to exchange semantics).
type RenameFlag int

const (
	RenameDefault  RenameFlag = 0 // no-replace: target must not exist
	RenameExchange RenameFlag = 1 // swap source and target
)

// Rename moves oldPath to newPath.
func (fs *Filesystem) Rename(oldPath, newPath string, flag RenameFlag) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if flag != RenameDefault && flag != RenameExchange {
		return ErrInvalid
	}

	oldR, oldName, err := fs.resolveParent(oldPath)
	if err != nil {
		return err
	}
	if oldR.dir == nil {
		return ErrNotDirectory
	}
	srcIno, ok := oldR.dir.Lookup(oldName)
	if !ok {
		return ErrNotExist
	}

	newR, newName, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if newR.dir == nil {
		return ErrNotDirectory
	}
	dstIno, dstExists := newR.dir.Lookup(newName)

	if flag == RenameDefault && dstExists {
		return ErrExist
	}

	// Renaming within one directory CoWs its chain once. For two different
	// parents, the new parent is resolved again after the old chain's CoW,
	// so its chain starts from the root that CoW produced; its own CoW then
	// replaces the root once more, so an old parent that is the root itself
	// is rebound to that newest root.
	if err := fs.cowE.EnsureWritable(oldR.chain); err != nil {
		return err
	}
	oldParent := oldR.chain.Dirs[len(oldR.chain.Dirs)-1]

	var newParent *dentry.Dentry
	if samePath(oldR.chain.Names, newR.chain.Names) {
		newParent = oldParent
	} else {
		newR, _, err = fs.resolveParent(newPath)
		if err != nil {
			return err
		}
		if err := fs.cowE.EnsureWritable(newR.chain); err != nil {
			return err
		}
		newParent = newR.chain.Dirs[len(newR.chain.Dirs)-1]
		if len(oldR.chain.Dirs) == 1 {
			oldParent = newR.chain.Dirs[0]
		}
	}

	if flag == RenameExchange && dstExists {
		if _, err := newParent.EraseEntry(newName); err != nil {
			return err
		}
	}
	if _, err := oldParent.EraseEntry(oldName); err != nil {
		return err
	}
	if err := newParent.AddEntry(newName, srcIno); err != nil {
		return err
	}
	if flag == RenameExchange && dstExists {
		if err := oldParent.AddEntry(oldName, dstIno); err != nil {
			return err
		}
	}
	return nil
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Statvfs is the statfs(2) result.
type Statvfs struct {
	Bsize   uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Namemax uint64
}

// Statfs computes the filesystem-wide usage summary.
func (fs *Filesystem) Statfs() (Statvfs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	free, err := fs.alloc.Free()
	if err != nil {
		return Statvfs{}, err
	}
	return Statvfs{
		Bsize:   fs.blockSize,
		Blocks:  fs.bm.Bits(),
		Bfree:   free,
		Bavail:  free,
		Namemax: uint64(dentry.MaxNameLen),
	}, nil
}

// Access shifts the requested mode into the owner bits and checks it against
// the inode's owner permission bits, masking off the write bit for frozen
// (snapshot) inodes regardless of mode.
func (fs *Filesystem) Access(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.resolve(path)
	if err != nil {
		return err
	}
	st := r.node.Stat()
	effective := st.Mode & 0700
	if a, aerr := fs.attrs.Get(st.Ino); aerr == nil && a.Status != attribute.StatusModifiable {
		effective &^= 0200
	}
	want := (mode << 6) & 0700
	if want&effective != want {
		return ErrPermission
	}
	return nil
}

// Snapshot, Rollback and DeleteSnapshot delegate to the snapshot engine
// (C11) at the root.
func (fs *Filesystem) Snapshot(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root, rootDir, err := fs.rootWithDir()
	if err != nil {
		return err
	}
	_, _, err = fs.snapE.Create(root, rootDir, name)
	return err
}

func (fs *Filesystem) Rollback(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root, rootDir, err := fs.rootWithDir()
	if err != nil {
		return err
	}
	_, _, err = fs.snapE.Rollback(root, rootDir, name)
	return err
}

func (fs *Filesystem) DeleteSnapshot(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root, rootDir, err := fs.rootWithDir()
	if err != nil {
		return err
	}
	return fs.snapE.Delete(root, rootDir, name)
}

func (fs *Filesystem) rootWithDir() (*inode.Inode, *dentry.Dentry, error) {
	root, err := fs.rootNode()
	if err != nil {
		return nil, nil, err
	}
	rootDir, err := dentry.Load(root, true)
	if err != nil {
		return nil, nil, err
	}
	return root, rootDir, nil
}
