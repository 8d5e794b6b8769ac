package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// memoryBatchSize keeps Memory's listings arriving in several batches,
// the same shape a streaming remote provider produces.
const memoryBatchSize = 8

type memNode struct {
	meta     Meta
	data     []byte
	children map[string]*memNode
}

func (n *memNode) isDir() bool {
	return n.meta.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// Memory is a complete in-process Provider over an in-memory tree. It
// backs the -fake-backend mode and doubles as the test provider.
type Memory struct {
	mu       sync.Mutex
	root     *memNode
	lastDesc uint64
	open     map[uint64]string // descriptor -> path
}

var _ Provider = (*Memory)(nil)

// NewMemory returns an empty in-memory provider.
func NewMemory() *Memory {
	now := time.Now().Unix()
	return &Memory{
		root: &memNode{
			meta:     Meta{Mode: syscall.S_IFDIR | 0o755, Atime: now, Mtime: now, Ctime: now},
			children: make(map[string]*memNode),
		},
		open: make(map[uint64]string),
	}
}

// Put creates or replaces a file at path, creating parent directories
// as needed. Convenience for seeding fixtures.
func (m *Memory) Put(path string, mode uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, name := splitPath(path)
	dir := m.root
	for _, seg := range segments(parent) {
		child, ok := dir.children[seg]
		if !ok {
			child = newMemDir()
			dir.children[seg] = child
		}
		dir = child
	}
	now := time.Now().Unix()
	dir.children[name] = &memNode{
		meta: Meta{Mode: mode, Size: uint64(len(data)), Atime: now, Mtime: now, Ctime: now},
		data: data,
	}
}

func newMemDir() *memNode {
	now := time.Now().Unix()
	return &memNode{
		meta:     Meta{Mode: syscall.S_IFDIR | 0o755, Atime: now, Mtime: now, Ctime: now},
		children: make(map[string]*memNode),
	}
}

func segments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func splitPath(path string) (parent, name string) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "/", trimmed
	}
	if idx == 0 {
		return "/", trimmed[1:]
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func (m *Memory) resolve(path string) (*memNode, syscall.Errno) {
	node := m.root
	for _, seg := range segments(path) {
		if !node.isDir() {
			return nil, syscall.ENOTDIR
		}
		child, ok := node.children[seg]
		if !ok {
			return nil, syscall.ENOENT
		}
		node = child
	}
	return node, 0
}

func (m *Memory) resolveParent(path string) (*memNode, string, syscall.Errno) {
	parent, name := splitPath(path)
	if name == "" {
		return nil, "", syscall.EINVAL
	}
	dir, errno := m.resolve(parent)
	if errno != 0 {
		return nil, "", errno
	}
	if !dir.isDir() {
		return nil, "", syscall.ENOTDIR
	}
	return dir, name, 0
}

func (m *Memory) Stat(ctx context.Context, path string) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, errno := m.resolve(path)
	if errno != 0 {
		return Meta{}, errno
	}
	return node.meta, nil
}

func (m *Memory) SetStat(ctx context.Context, path string, change StatChange) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, errno := m.resolve(path)
	if errno != 0 {
		return Meta{}, errno
	}
	if change.Mode != nil {
		node.meta.Mode = node.meta.Mode&syscall.S_IFMT | *change.Mode&^uint32(syscall.S_IFMT)
	}
	if change.Size != nil {
		size := *change.Size
		if size <= uint64(len(node.data)) {
			node.data = node.data[:size]
		} else {
			node.data = append(node.data, make([]byte, size-uint64(len(node.data)))...)
		}
		node.meta.Size = size
	}
	if change.Atime != nil {
		node.meta.Atime = *change.Atime
	}
	if change.Mtime != nil {
		node.meta.Mtime = *change.Mtime
	}
	node.meta.Ctime = time.Now().Unix()
	return node.meta, nil
}

func (m *Memory) ReadDir(ctx context.Context, path string, emit func(batch []Entry)) error {
	m.mu.Lock()
	node, errno := m.resolve(path)
	if errno != 0 {
		m.mu.Unlock()
		return errno
	}
	if !node.isDir() {
		m.mu.Unlock()
		return syscall.ENOTDIR
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]Entry, len(names))
	for i, name := range names {
		entries[i] = Entry{Name: name, Mode: node.children[name].meta.Mode}
	}
	m.mu.Unlock()

	for len(entries) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(memoryBatchSize, len(entries))
		emit(entries[:n])
		entries = entries[n:]
	}
	return nil
}

func (m *Memory) Open(ctx context.Context, path string, flags uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, errno := m.resolve(path)
	if errno != 0 {
		return 0, errno
	}
	if node.isDir() {
		return 0, syscall.EISDIR
	}
	m.lastDesc++
	m.open[m.lastDesc] = path
	return m.lastDesc, nil
}

func (m *Memory) Read(ctx context.Context, path string, desc, offset uint64, size uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, errno := m.resolve(path)
	if errno != 0 {
		return nil, errno
	}
	if offset >= uint64(len(node.data)) {
		return nil, nil
	}
	end := min(offset+uint64(size), uint64(len(node.data)))
	out := make([]byte, end-offset)
	copy(out, node.data[offset:end])
	return out, nil
}

func (m *Memory) Write(ctx context.Context, path string, desc, offset uint64, data []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, errno := m.resolve(path)
	if errno != 0 {
		return 0, errno
	}
	end := offset + uint64(len(data))
	if end > uint64(len(node.data)) {
		node.data = append(node.data, make([]byte, end-uint64(len(node.data)))...)
	}
	copy(node.data[offset:end], data)
	node.meta.Size = uint64(len(node.data))
	node.meta.Mtime = time.Now().Unix()
	return uint32(len(data)), nil
}

func (m *Memory) Release(ctx context.Context, desc uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, desc)
	return nil
}

func (m *Memory) Create(ctx context.Context, path string, mode uint32) (Meta, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, errno := m.resolveParent(path)
	if errno != 0 {
		return Meta{}, 0, errno
	}
	if _, ok := dir.children[name]; ok {
		return Meta{}, 0, syscall.EEXIST
	}
	now := time.Now().Unix()
	node := &memNode{meta: Meta{Mode: syscall.S_IFREG | mode&^uint32(syscall.S_IFMT), Atime: now, Mtime: now, Ctime: now}}
	dir.children[name] = node
	m.lastDesc++
	m.open[m.lastDesc] = path
	return node.meta, m.lastDesc, nil
}

func (m *Memory) Mkdir(ctx context.Context, path string, mode uint32) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, errno := m.resolveParent(path)
	if errno != 0 {
		return Meta{}, errno
	}
	if _, ok := dir.children[name]; ok {
		return Meta{}, syscall.EEXIST
	}
	node := newMemDir()
	node.meta.Mode = syscall.S_IFDIR | mode&^uint32(syscall.S_IFMT)
	dir.children[name] = node
	return node.meta, nil
}

func (m *Memory) Unlink(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, errno := m.resolveParent(path)
	if errno != 0 {
		return errno
	}
	node, ok := dir.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if node.isDir() {
		return syscall.EISDIR
	}
	delete(dir.children, name)
	return nil
}

func (m *Memory) Rmdir(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, errno := m.resolveParent(path)
	if errno != 0 {
		return errno
	}
	node, ok := dir.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if !node.isDir() {
		return syscall.ENOTDIR
	}
	if len(node.children) > 0 {
		return syscall.ENOTEMPTY
	}
	delete(dir.children, name)
	return nil
}

func (m *Memory) Rename(ctx context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldDir, oldName, errno := m.resolveParent(oldPath)
	if errno != 0 {
		return errno
	}
	node, ok := oldDir.children[oldName]
	if !ok {
		return syscall.ENOENT
	}
	newDir, newName, errno := m.resolveParent(newPath)
	if errno != 0 {
		return errno
	}
	delete(oldDir.children, oldName)
	newDir.children[newName] = node
	return nil
}

func (m *Memory) Close() error {
	return nil
}
