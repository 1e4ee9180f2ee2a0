package dentry

import "errors"

var (
	ErrNotFound    = errors.New("dentry: entry not found")
	ErrExists      = errors.New("dentry: entry already exists")
	ErrNameTooLong = errors.New("dentry: name exceeds 255 bytes")
	ErrBadName     = errors.New("dentry: name contains NUL byte")
)

const MaxNameLen = 255
