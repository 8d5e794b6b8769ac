// Package handle owns the process-wide open-file-handle table: the
// mapping from the opaque 64-bit handles exchanged with the kernel to
// the state of the corresponding open file or directory.
package handle

import (
	"context"
	"sync"

	"github.com/gatefs/gatefs/internal/dirbuf"
)

// Kind distinguishes what a handle is open on.
type Kind int

const (
	KindFile Kind = iota + 1
	KindDir
)

// FileData is the state associated with one open handle. The table is
// its sole owner; callers hold the integer handle by value.
type FileData struct {
	Path       string // backend-facing path at open time
	Ino        uint64
	RemoteDesc uint64 // backend descriptor, if the provider issued one
	Kind       Kind
	Dir        *dirbuf.Buffer     // listing buffer, directory handles only
	Stop       context.CancelFunc // cancels the backend listing stream, if one is running
}

// Table issues handles from a monotonic counter starting at 1. A handle
// value is never reused while anything references it; the counter only
// moves forward.
type Table struct {
	mu   sync.Mutex
	last uint64
	open map[uint64]*FileData
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{open: make(map[uint64]*FileData)}
}

// Open registers data and returns its new handle.
func (t *Table) Open(data *FileData) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last++
	t.open[t.last] = data
	return t.last
}

// Get returns the state for a handle.
func (t *Table) Get(fh uint64) (*FileData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, ok := t.open[fh]
	return data, ok
}

// Close removes a handle. Returns false if it was not open.
func (t *Table) Close(fh uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.open[fh]; !ok {
		return false
	}
	delete(t.open, fh)
	return true
}

// Len reports how many handles are open.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
