package inode

import "errors"

var (
	ErrInvalidArgument = errors.New("inode: invalid argument")
	ErrNoMoreFreeSpaces = errors.New("inode: no more free spaces")
	ErrNotDirectory     = errors.New("inode: not a directory")
	ErrNotSymlink       = errors.New("inode: not a symlink")
)
