package gateway

import (
	"fmt"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gatefs/gatefs/internal/inode"
)

// Version reported by the status pseudo-file.
const Version = "0.1.0"

// Built-in pseudo-nodes live inside the reserved inode range and are
// answered without a backend round-trip. They double as a health probe:
// reading .gatefs/status succeeds as long as the session is alive.
const (
	builtinDirIno  = 2
	builtinFileIno = 3

	builtinDirName  = ".gatefs"
	builtinFileName = "status"
)

func (g *Gateway) registerBuiltins() {
	g.status = []byte(fmt.Sprintf("gatefs %s\n", Version))

	now := time.Now().Unix()
	rootAttr := inode.MakeStat(inode.RootIno, syscall.S_IFDIR|0o755, 0, now, now, now, false)
	rootAttr.Owner = fuse.Owner{Uid: g.uid, Gid: g.gid}
	g.inodes.SetStat(inode.RootIno, rootAttr, 0)

	if _, errno := g.inodes.Create(inode.RootIno, builtinDirName, builtinDirIno); errno != 0 {
		panic("gateway: builtin directory registration failed")
	}
	if _, errno := g.inodes.Create(builtinDirIno, builtinFileName, builtinFileIno); errno != 0 {
		panic("gateway: builtin file registration failed")
	}

	dirAttr := inode.MakeStat(builtinDirIno, syscall.S_IFDIR|0o555, 0, now, now, now, true)
	dirAttr.Owner = fuse.Owner{Uid: g.uid, Gid: g.gid}
	g.inodes.SetStat(builtinDirIno, dirAttr, 0)

	fileAttr := inode.MakeStat(builtinFileIno, syscall.S_IFREG|0o444, uint64(len(g.status)), now, now, now, true)
	fileAttr.Owner = fuse.Owner{Uid: g.uid, Gid: g.gid}
	g.inodes.SetStat(builtinFileIno, fileAttr, 0)
}

func isBuiltin(ino uint64) bool {
	return ino == builtinDirIno || ino == builtinFileIno
}

// builtinListing returns the static contents of the builtin directory.
func builtinListing() []fuse.DirEntry {
	return []fuse.DirEntry{
		{Name: builtinFileName, Mode: fuse.S_IFREG, Ino: builtinFileIno},
	}
}

// readStatus serves a page of the status file.
func (g *Gateway) readStatus(offset uint64, size uint32) []byte {
	if offset >= uint64(len(g.status)) {
		return nil
	}
	end := min(offset+uint64(size), uint64(len(g.status)))
	return g.status[offset:end]
}
