// Package cfs wires the component packages (C1-C11) into a mountable
// filesystem handle and implements the POSIX-call surface (C12): path
// resolution, access checks, and the operation table the host-filesystem
// bridge (fusebridge) calls into.
package cfs

import "errors"

var (
	ErrNotExist     = errors.New("cfs: no such file or directory")
	ErrExist        = errors.New("cfs: file exists")
	ErrNotDirectory = errors.New("cfs: not a directory")
	ErrIsDirectory  = errors.New("cfs: is a directory")
	ErrNotEmpty     = errors.New("cfs: directory not empty")
	ErrNotSymlink   = errors.New("cfs: not a symlink")
	ErrPermission   = errors.New("cfs: permission denied")
	ErrInvalid      = errors.New("cfs: invalid argument")
)
