package cfs

import (
	"strings"

	"github.com/anivice/cfs/cow"
	"github.com/anivice/cfs/dentry"
	"github.com/anivice/cfs/inode"
)

// splitPath canonicalizes a slash-separated path into its non-empty,
// non-"."  components; ".." is left for the caller to reject explicitly
// since CFS exposes no hard-link-capable ".." shortcut through dentry.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" || c == "." {
			continue
		}
		out = append(out, c)
	}
	return out
}

// resolved is the outcome of walking a path from the root.
type resolved struct {
	chain *cow.Chain // Nodes[last] is the target; Dirs[last] is non-nil iff target is a directory.
	node  *inode.Inode
	dir   *dentry.Dentry // nil unless node is a directory
}

// resolve walks path from the root, loading every directory inode and
// dentry map along the way into a cow.Chain so the caller can hand the
// chain straight to cow.Engine.EnsureWritable before mutating.
func (fs *Filesystem) resolve(path string) (*resolved, error) {
	parts := splitPath(path)
	for _, p := range parts {
		if p == ".." {
			return nil, ErrInvalid
		}
	}

	root, err := fs.rootNode()
	if err != nil {
		return nil, err
	}
	rootDir, err := dentry.Load(root, true)
	if err != nil {
		return nil, err
	}

	chain := &cow.Chain{
		Nodes: []*inode.Inode{root},
		Dirs:  []*dentry.Dentry{rootDir},
		Names: []string{},
	}

	cur := root
	curDir := rootDir
	for _, name := range parts {
		if curDir == nil {
			return nil, ErrNotDirectory
		}
		ino, ok := curDir.Lookup(name)
		if !ok {
			return nil, ErrNotExist
		}
		child, err := inode.Load(fs.io, fs.alloc, fs.attrs, fs.jr, fs.blockSize, ino)
		if err != nil {
			return nil, err
		}
		var childDir *dentry.Dentry
		if inode.IsDir(child.Stat().Mode) {
			childDir, err = dentry.Load(child, false)
			if err != nil {
				return nil, err
			}
		}
		chain.Names = append(chain.Names, name)
		chain.Nodes = append(chain.Nodes, child)
		chain.Dirs = append(chain.Dirs, childDir)
		cur = child
		curDir = childDir
	}

	return &resolved{chain: chain, node: cur, dir: curDir}, nil
}

// resolveParent resolves the parent directory of path and returns it along
// with the final path component (the entry's own name). It does not require
// the entry itself to exist.
func (fs *Filesystem) resolveParent(path string) (*resolved, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", ErrInvalid
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	r, err := fs.resolve(parentPath)
	if err != nil {
		return nil, "", err
	}
	if r.dir == nil {
		return nil, "", ErrNotDirectory
	}
	return r, parts[len(parts)-1], nil
}
