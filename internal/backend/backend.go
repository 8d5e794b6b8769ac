// Package backend defines the storage-provider boundary: the contract
// the gateway requires from whatever turns a resolved path into remote
// stat/read/write/readdir operations. The gateway places no constraint
// on the transport behind an implementation.
package backend

import "context"

// Meta is the minimal metadata a provider reports for a path: enough to
// synthesize a kernel stat. Permission bits in Mode are advisory; the
// gateway synthesizes the bits it shows the kernel.
type Meta struct {
	Mode  uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

// Entry is one directory-listing entry.
type Entry struct {
	Name string
	Mode uint32
}

// StatChange carries the fields of a setattr request; nil fields are
// left untouched.
type StatChange struct {
	Mode  *uint32
	Size  *uint64
	Atime *int64
	Mtime *int64
}

// Provider is the asynchronous backend collaborator. All calls are
// blocking and context-aware; completions on other goroutines are the
// caller's concern. ReadDir streams the listing through emit in one or
// more batches and returns once the listing is complete or failed,
// which lets the gateway page entries to the kernel before the full
// listing exists.
type Provider interface {
	Stat(ctx context.Context, path string) (Meta, error)
	SetStat(ctx context.Context, path string, change StatChange) (Meta, error)
	ReadDir(ctx context.Context, path string, emit func(batch []Entry)) error
	Open(ctx context.Context, path string, flags uint32) (uint64, error)
	Read(ctx context.Context, path string, desc, offset uint64, size uint32) ([]byte, error)
	Write(ctx context.Context, path string, desc, offset uint64, data []byte) (uint32, error)
	Release(ctx context.Context, desc uint64) error
	Create(ctx context.Context, path string, mode uint32) (Meta, uint64, error)
	Mkdir(ctx context.Context, path string, mode uint32) (Meta, error)
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Close() error
}
