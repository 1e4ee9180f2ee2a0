package cow

import "errors"

var ErrNotRoot = errors.New("cow: operation requires the root inode")
