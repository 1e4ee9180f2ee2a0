package snapshot

import "errors"

var (
	ErrNotFound    = errors.New("snapshot: not found")
	ErrExists      = errors.New("snapshot: already exists")
	ErrNotRoot     = errors.New("snapshot: operation only valid on the root")
)
