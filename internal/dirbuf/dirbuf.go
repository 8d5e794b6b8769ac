// Package dirbuf implements the directory-entry buffering protocol: it
// accumulates a backend's possibly incremental directory listing and
// replays it, page by page, to pending kernel readdir requests, honoring
// each request's kernel-imposed buffer limit.
package dirbuf

import (
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// DefaultProgressCap bounds how many entries may accumulate after a
// request arrives before the request is answered with a partial page.
// It guarantees forward progress under very slow backend streaming.
const DefaultProgressCap = 25

// EntrySink is one kernel readdir reply buffer. Add reports false when
// the kernel-imposed size limit is reached; the size accounting is the
// kernel protocol's own, since entry records vary with name length.
// next is the 1-based sequence position at which a follow-up request
// should resume.
type EntrySink interface {
	Add(e fuse.DirEntry, next uint64) bool
}

// State of the accumulated listing.
type State int

const (
	Collecting State = iota // backend listing not yet complete
	Complete                // terminal: all entries known
	Failed                  // terminal: listing failed
)

// request is one outstanding kernel readdir call queued against the
// buffer until enough entries exist to satisfy it.
type request struct {
	sink     EntrySink
	next     int // index of the next entry to deliver
	appended int // entries appended since this request arrived
	full     bool
	answered bool
	done     chan fuse.Status
}

func (r *request) answer(status fuse.Status) {
	if r.answered {
		return
	}
	r.answered = true
	r.done <- status
}

// Buffer is the per-open-directory-handle state machine. Access is
// serialized internally; distinct open handles are independent and may
// observe different snapshots of the backend listing.
type Buffer struct {
	mu      sync.Mutex
	entries []fuse.DirEntry
	state   State
	errno   fuse.Status
	pending []*request // FIFO
	cap     int
}

// New returns an empty buffer in the collecting state.
func New() *Buffer {
	return &Buffer{cap: DefaultProgressCap}
}

// State returns the listing state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of accumulated entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Append adds a batch of entries and, if last, marks the listing
// complete. Every transition attempts to satisfy queued requests in
// FIFO order. Appends after a terminal state are dropped.
func (b *Buffer) Append(entries []fuse.DirEntry, last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Collecting {
		return
	}
	b.entries = append(b.entries, entries...)
	if last {
		b.state = Complete
	}
	for _, r := range b.pending {
		r.appended += len(entries)
	}
	b.satisfyLocked()
}

// Fail moves the listing to the failed terminal state and answers every
// queued request with errno.
func (b *Buffer) Fail(errno syscall.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Collecting {
		return
	}
	b.state = Failed
	b.errno = fuse.Status(errno)
	b.satisfyLocked()
}

// satisfyLocked packs entries into each queued request and answers the
// ones that are due: buffer full, listing terminal, or progress cap
// reached since the request arrived.
func (b *Buffer) satisfyLocked() {
	var remaining []*request
	for _, r := range b.pending {
		b.packLocked(r)
		if b.dueLocked(r) {
			b.answerLocked(r)
		} else {
			remaining = append(remaining, r)
		}
	}
	b.pending = remaining
}

func (b *Buffer) packLocked(r *request) {
	for !r.full && r.next < len(b.entries) {
		e := b.entries[r.next]
		if !r.sink.Add(e, uint64(r.next+1)) {
			r.full = true
			return
		}
		r.next++
	}
}

func (b *Buffer) dueLocked(r *request) bool {
	return r.full || b.state != Collecting || r.appended >= b.cap
}

func (b *Buffer) answerLocked(r *request) {
	if b.state == Failed {
		r.answer(b.errno)
		return
	}
	r.answer(fuse.OK)
}

// Read satisfies one kernel readdir call at the given offset, blocking
// until the request can be answered or cancel fires. Offsets are
// 1-based sequence positions into the accumulated entry list; a
// negative offset (reinterpreted from the kernel's unsigned field) is
// rejected EINVAL immediately. A request at or past the end of a
// complete listing gets an empty page, which terminates the kernel's
// enumeration.
func (b *Buffer) Read(sink EntrySink, offset uint64, cancel <-chan struct{}) fuse.Status {
	if int64(offset) < 0 {
		return fuse.EINVAL
	}

	b.mu.Lock()
	r := &request{sink: sink, next: int(offset), done: make(chan fuse.Status, 1)}
	b.packLocked(r)
	if b.dueLocked(r) {
		b.answerLocked(r)
		b.mu.Unlock()
		return <-r.done
	}
	b.pending = append(b.pending, r)
	b.mu.Unlock()

	select {
	case status := <-r.done:
		return status
	case <-cancel:
	}

	// Raced with an answer: prefer the delivered page, otherwise drop
	// the request from the queue and synthesize the interrupt.
	b.mu.Lock()
	if r.answered {
		b.mu.Unlock()
		return <-r.done
	}
	r.answered = true
	for i, queued := range b.pending {
		if queued == r {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return fuse.Status(syscall.EINTR)
}
