package backend

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const localBatchSize = 64

// Local serves a directory of the agent's host filesystem. Paths from
// the gateway are absolute within the export; anything that escapes the
// root is rejected before touching the disk.
type Local struct {
	root string

	mu       sync.Mutex
	lastDesc uint64
	files    map[uint64]*os.File
}

var _ Provider = (*Local)(nil)

// NewLocal exports dir. The directory must exist.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, syscall.ENOTDIR
	}
	return &Local{root: abs, files: make(map[uint64]*os.File)}, nil
}

func (l *Local) hostPath(path string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	if clean == "/" {
		return l.root, nil
	}
	return filepath.Join(l.root, clean), nil
}

func metaFromInfo(info fs.FileInfo) Meta {
	meta := Meta{
		Size:  uint64(info.Size()),
		Mtime: info.ModTime().Unix(),
	}
	// Atime and Ctime are not portable through fs.FileInfo. ModTime is
	// close enough for a cacheable stat.
	meta.Atime = meta.Mtime
	meta.Ctime = meta.Mtime
	meta.Mode = uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		meta.Mode |= syscall.S_IFDIR
	case info.Mode()&fs.ModeSymlink != 0:
		meta.Mode |= syscall.S_IFLNK
	default:
		meta.Mode |= syscall.S_IFREG
	}
	return meta
}

func (l *Local) Stat(ctx context.Context, path string) (Meta, error) {
	host, err := l.hostPath(path)
	if err != nil {
		return Meta{}, err
	}
	info, err := os.Lstat(host)
	if err != nil {
		return Meta{}, err
	}
	return metaFromInfo(info), nil
}

func (l *Local) SetStat(ctx context.Context, path string, change StatChange) (Meta, error) {
	host, err := l.hostPath(path)
	if err != nil {
		return Meta{}, err
	}
	if change.Mode != nil {
		if err := os.Chmod(host, fs.FileMode(*change.Mode&0o7777)); err != nil {
			return Meta{}, err
		}
	}
	if change.Size != nil {
		if err := os.Truncate(host, int64(*change.Size)); err != nil {
			return Meta{}, err
		}
	}
	if change.Atime != nil || change.Mtime != nil {
		info, err := os.Lstat(host)
		if err != nil {
			return Meta{}, err
		}
		atime := info.ModTime()
		mtime := info.ModTime()
		if change.Atime != nil {
			atime = time.Unix(*change.Atime, 0)
		}
		if change.Mtime != nil {
			mtime = time.Unix(*change.Mtime, 0)
		}
		if err := os.Chtimes(host, atime, mtime); err != nil {
			return Meta{}, err
		}
	}
	info, err := os.Lstat(host)
	if err != nil {
		return Meta{}, err
	}
	return metaFromInfo(info), nil
}

func (l *Local) ReadDir(ctx context.Context, path string, emit func(batch []Entry)) error {
	host, err := l.hostPath(path)
	if err != nil {
		return err
	}
	dirents, err := os.ReadDir(host)
	if err != nil {
		return err
	}
	batch := make([]Entry, 0, localBatchSize)
	flush := func() {
		if len(batch) > 0 {
			emit(batch)
			batch = make([]Entry, 0, localBatchSize)
		}
	}
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := uint32(d.Type().Perm())
		switch {
		case d.IsDir():
			mode |= syscall.S_IFDIR
		case d.Type()&fs.ModeSymlink != 0:
			mode |= syscall.S_IFLNK
		default:
			mode |= syscall.S_IFREG
		}
		batch = append(batch, Entry{Name: d.Name(), Mode: mode})
		if len(batch) == localBatchSize {
			flush()
		}
	}
	flush()
	return nil
}

func (l *Local) Open(ctx context.Context, path string, flags uint32) (uint64, error) {
	host, err := l.hostPath(path)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(host, int(flags), 0)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastDesc++
	l.files[l.lastDesc] = f
	return l.lastDesc, nil
}

func (l *Local) file(desc uint64) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[desc]
	if !ok {
		return nil, syscall.EBADF
	}
	return f, nil
}

func (l *Local) Read(ctx context.Context, path string, desc, offset uint64, size uint32) ([]byte, error) {
	f, err := l.file(desc)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (l *Local) Write(ctx context.Context, path string, desc, offset uint64, data []byte) (uint32, error) {
	f, err := l.file(desc)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return uint32(n), err
	}
	return uint32(n), nil
}

func (l *Local) Release(ctx context.Context, desc uint64) error {
	l.mu.Lock()
	f, ok := l.files[desc]
	delete(l.files, desc)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}

func (l *Local) Create(ctx context.Context, path string, mode uint32) (Meta, uint64, error) {
	host, err := l.hostPath(path)
	if err != nil {
		return Meta{}, 0, err
	}
	f, err := os.OpenFile(host, os.O_RDWR|os.O_CREATE|os.O_EXCL, fs.FileMode(mode&0o7777))
	if err != nil {
		return Meta{}, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Meta{}, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastDesc++
	l.files[l.lastDesc] = f
	return metaFromInfo(info), l.lastDesc, nil
}

func (l *Local) Mkdir(ctx context.Context, path string, mode uint32) (Meta, error) {
	host, err := l.hostPath(path)
	if err != nil {
		return Meta{}, err
	}
	if err := os.Mkdir(host, fs.FileMode(mode&0o7777)); err != nil {
		return Meta{}, err
	}
	info, err := os.Lstat(host)
	if err != nil {
		return Meta{}, err
	}
	return metaFromInfo(info), nil
}

func (l *Local) Unlink(ctx context.Context, path string) error {
	host, err := l.hostPath(path)
	if err != nil {
		return err
	}
	return os.Remove(host)
}

func (l *Local) Rmdir(ctx context.Context, path string) error {
	host, err := l.hostPath(path)
	if err != nil {
		return err
	}
	return syscall.Rmdir(host)
}

func (l *Local) Rename(ctx context.Context, oldPath, newPath string) error {
	oldHost, err := l.hostPath(oldPath)
	if err != nil {
		return err
	}
	newHost, err := l.hostPath(newPath)
	if err != nil {
		return err
	}
	return os.Rename(oldHost, newHost)
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for desc, f := range l.files {
		f.Close()
		delete(l.files, desc)
	}
	return nil
}
