// Package reply wraps pending kernel requests with typed, single-shot
// reply objects. Every kernel request must be answered exactly once:
// replying twice is a programming error and panics, while a request
// abandoned by the kernel (or dropped by a handler) is completed with a
// synthesized interrupt so the kernel is never left waiting.
package reply

import (
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

type replyState int

const (
	statePending replyState = iota
	stateReplied
	stateInterrupted
)

// base carries the single-shot discipline shared by every wrapper.
type base struct {
	mu     sync.Mutex
	state  replyState
	status fuse.Status
	done   chan struct{}
	cancel <-chan struct{}
}

func newBase(cancel <-chan struct{}) base {
	return base{done: make(chan struct{}), cancel: cancel}
}

// IsInterrupted reports whether the kernel has abandoned interest in
// this request. Handlers check it before expensive work; the reply
// itself is synthesized by Wait.
func (b *base) IsInterrupted() bool {
	select {
	case <-b.cancel:
		return true
	default:
		return false
	}
}

// Done returns the kernel's cancellation channel for this request, for
// plumbing into context-shaped backend calls.
func (b *base) Done() <-chan struct{} {
	return b.cancel
}

// Replied reports whether an explicit reply has been recorded.
func (b *base) Replied() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateReplied
}

// complete records the outcome. A second explicit reply panics; a reply
// arriving after an interrupt was synthesized is absorbed silently,
// since the kernel already got its answer.
func (b *base) complete(status fuse.Status) {
	b.completeWith(status, nil)
}

// completeWith is complete with a payload writer. fill runs inside the
// same critical section as the state transition: once Wait has marked
// the request interrupted and handed the kernel buffer back, a late
// fill never runs.
func (b *base) completeWith(status fuse.Status, fill func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateReplied:
		panic("reply: kernel request answered twice")
	case stateInterrupted:
		return
	}
	if fill != nil {
		fill()
	}
	b.state = stateReplied
	b.status = status
	close(b.done)
}

// ReplyError completes the request with a POSIX error.
func (b *base) ReplyError(errno syscall.Errno) {
	b.complete(fuse.Status(errno))
}

// Wait blocks until the request is answered or interrupted and returns
// the status owed to the kernel. On interruption it marks the request
// so that a late reply from a slow backend completion is dropped rather
// than delivered twice.
func (b *base) Wait() fuse.Status {
	select {
	case <-b.done:
		return b.status
	case <-b.cancel:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateReplied {
		return b.status
	}
	b.state = stateInterrupted
	return fuse.Status(syscall.EINTR)
}

// timeouts holds the kernel cache lifetimes, in floating-point seconds,
// stamped onto entry and attribute replies.
type timeouts struct {
	entry float64
	attr  float64
}

func (t timeouts) apply(out *fuse.EntryOut) {
	out.SetEntryTimeout(time.Duration(t.entry * float64(time.Second)))
	out.SetAttrTimeout(time.Duration(t.attr * float64(time.Second)))
}

// Entry answers lookup, mkdir, and the entry half of create.
type Entry struct {
	base
	out *fuse.EntryOut
	t   timeouts
}

// NewEntry wraps a pending entry-record request.
func NewEntry(cancel <-chan struct{}, out *fuse.EntryOut, entryTimeout, attrTimeout float64) *Entry {
	return &Entry{base: newBase(cancel), out: out, t: timeouts{entryTimeout, attrTimeout}}
}

// Reply completes the request with an entry record. The attribute's
// st_ino is overwritten with the logical ino unconditionally.
func (e *Entry) Reply(ino uint64, attr fuse.Attr) {
	e.completeWith(fuse.OK, func() {
		attr.Ino = ino
		e.out.NodeId = ino
		e.out.Attr = attr
		e.t.apply(e.out)
	})
}

// Attr answers getattr and setattr.
type Attr struct {
	base
	out     *fuse.AttrOut
	timeout float64
}

// NewAttr wraps a pending attribute-record request.
func NewAttr(cancel <-chan struct{}, out *fuse.AttrOut, attrTimeout float64) *Attr {
	return &Attr{base: newBase(cancel), out: out, timeout: attrTimeout}
}

// Reply completes the request with an attribute record.
func (a *Attr) Reply(ino uint64, attr fuse.Attr) {
	a.completeWith(fuse.OK, func() {
		attr.Ino = ino
		a.out.Attr = attr
		a.out.SetTimeout(time.Duration(a.timeout * float64(time.Second)))
	})
}

// Open answers open and opendir with an open-handle record.
type Open struct {
	base
	out *fuse.OpenOut
}

// NewOpen wraps a pending open request.
func NewOpen(cancel <-chan struct{}, out *fuse.OpenOut) *Open {
	return &Open{base: newBase(cancel), out: out}
}

// Reply completes the request with the opaque handle.
func (o *Open) Reply(fh uint64) {
	o.completeWith(fuse.OK, func() {
		o.out.Fh = fh
	})
}

// Create answers create: an entry record plus an open-handle record in
// one reply.
type Create struct {
	base
	out *fuse.CreateOut
	t   timeouts
}

// NewCreate wraps a pending create request.
func NewCreate(cancel <-chan struct{}, out *fuse.CreateOut, entryTimeout, attrTimeout float64) *Create {
	return &Create{base: newBase(cancel), out: out, t: timeouts{entryTimeout, attrTimeout}}
}

// Reply completes the request with the new node and its open handle.
func (c *Create) Reply(ino uint64, attr fuse.Attr, fh uint64) {
	c.completeWith(fuse.OK, func() {
		attr.Ino = ino
		c.out.EntryOut.NodeId = ino
		c.out.EntryOut.Attr = attr
		c.t.apply(&c.out.EntryOut)
		c.out.OpenOut.Fh = fh
	})
}

// Data answers read with a raw buffer.
type Data struct {
	base
	dest []byte
	n    int
}

// NewData wraps a pending buffer-read request. dest is the kernel's
// destination buffer; replies larger than it are truncated.
func NewData(cancel <-chan struct{}, dest []byte) *Data {
	return &Data{base: newBase(cancel), dest: dest}
}

// Reply completes the request with file content.
func (d *Data) Reply(data []byte) {
	d.completeWith(fuse.OK, func() {
		d.n = copy(d.dest, data)
	})
}

// Result returns the filled portion of the kernel buffer. Valid only
// after Wait returned OK.
func (d *Data) Result() fuse.ReadResult {
	return fuse.ReadResultData(d.dest[:d.n])
}

// Written answers write with a byte count.
type Written struct {
	base
	n uint32
}

// NewWritten wraps a pending write request.
func NewWritten(cancel <-chan struct{}) *Written {
	return &Written{base: newBase(cancel)}
}

// Reply completes the request with the number of bytes accepted.
func (w *Written) Reply(n uint32) {
	w.completeWith(fuse.OK, func() {
		w.n = n
	})
}

// Count returns the byte count. Valid only after Wait returned OK.
func (w *Written) Count() uint32 {
	return w.n
}

// Status answers operations whose reply carries no payload (unlink,
// rmdir, rename, setattr failures, flush).
type Status struct {
	base
}

// NewStatus wraps a pending ok/error request.
func NewStatus(cancel <-chan struct{}) *Status {
	return &Status{base: newBase(cancel)}
}

// ReplyOK completes the request successfully.
func (s *Status) ReplyOK() {
	s.complete(fuse.OK)
}
