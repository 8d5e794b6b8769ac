package inode

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MakeStatMode synthesizes kernel-facing permission bits from a backend
// mode. Only the owner bits of the backend mode are trusted: they are
// mirrored into the group bits, the "other" bits are cleared, and the
// execute bit is forced for directories and cleared for files. readOnly
// additionally drops the write bits.
func MakeStatMode(mode uint32, readOnly bool) uint32 {
	fileType := mode & syscall.S_IFMT
	owner := mode & 0o700

	if fileType == syscall.S_IFDIR {
		owner |= 0o100
	} else {
		owner &^= 0o100
	}
	if readOnly {
		owner &^= 0o200
	}

	group := owner >> 3
	return fileType | owner | group
}

// MakeStat builds a POSIX stat for the kernel from minimal backend
// metadata. st_ino is always the logical ino, never a backend-supplied
// physical value, and permission bits are always synthesized.
func MakeStat(ino uint64, mode uint32, size uint64, atime, mtime, ctime int64, readOnly bool) fuse.Attr {
	attr := fuse.Attr{
		Ino:    ino,
		Mode:   MakeStatMode(mode, readOnly),
		Size:   size,
		Blocks: (size + 511) / 512,
		Nlink:  1,
	}
	if attr.Mode&syscall.S_IFMT == syscall.S_IFDIR {
		attr.Nlink = 2
	}
	if atime > 0 {
		attr.Atime = uint64(atime)
	}
	if mtime > 0 {
		attr.Mtime = uint64(mtime)
	}
	if ctime > 0 {
		attr.Ctime = uint64(ctime)
	}
	return attr
}
