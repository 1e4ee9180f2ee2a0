package inode

// File-type and permission bit constants, mirrored from the values the Linux
// ABI (and golang.org/x/sys/unix) assigns them so on-disk mode words are
// byte-for-byte what a POSIX caller expects.
const (
	ModeFmt  = 0xf000
	ModeReg  = 0x8000
	ModeDir  = 0x4000
	ModeBlk  = 0x6000
	ModeChr  = 0x2000
	ModeFifo = 0x1000
	ModeLnk  = 0xa000
	ModeSock = 0xc000
)

// IsDir reports whether mode's type field is DIR.
func IsDir(mode uint32) bool { return mode&ModeFmt == ModeDir }

// IsReg reports whether mode's type field is REG.
func IsReg(mode uint32) bool { return mode&ModeFmt == ModeReg }

// IsLnk reports whether mode's type field is LNK.
func IsLnk(mode uint32) bool { return mode&ModeFmt == ModeLnk }
