package gateway

import (
	"context"
	"encoding/binary"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gatefs/gatefs/internal/backend"
	"github.com/gatefs/gatefs/internal/inode"
)

func newTestGateway(t *testing.T, mode inode.DeviceMode) (*Gateway, uint64, *backend.Memory) {
	t.Helper()

	m := backend.NewMemory()
	m.Put("/file.txt", syscall.S_IFREG|0o660, []byte("contents"))
	m.Put("/sub/nested.txt", syscall.S_IFREG|0o640, []byte("deep"))

	g := New(Options{})
	devIno, err := g.AttachDevice("drive", "/", mode, m)
	if err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}
	return g, devIno, m
}

func header(ino uint64) *fuse.InHeader {
	return &fuse.InHeader{NodeId: ino}
}

func lookup(t *testing.T, g *Gateway, parent uint64, name string) *fuse.EntryOut {
	t.Helper()
	var out fuse.EntryOut
	if status := g.Lookup(nil, header(parent), name, &out); status != fuse.OK {
		t.Fatalf("Lookup(%d, %q) = %v", parent, name, status)
	}
	return &out
}

func TestLookupSynthesizesMode(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	out := lookup(t, g, devIno, "file.txt")
	if out.NodeId == 0 {
		t.Fatal("Lookup assigned no ino")
	}
	if out.Attr.Ino != out.NodeId {
		t.Errorf("Attr.Ino = %d, want %d", out.Attr.Ino, out.NodeId)
	}
	// -rw-rw----: owner mirrored into group, other cleared.
	if out.Attr.Mode != syscall.S_IFREG|0o660 {
		t.Errorf("Mode = %o, want %o", out.Attr.Mode, syscall.S_IFREG|0o660)
	}
	if out.Attr.Size != 8 {
		t.Errorf("Size = %d, want 8", out.Attr.Size)
	}

	// Same ino on repeat lookups.
	again := lookup(t, g, devIno, "file.txt")
	if again.NodeId != out.NodeId {
		t.Errorf("repeat Lookup ino = %d, want %d", again.NodeId, out.NodeId)
	}
}

func TestLookupMissing(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	var out fuse.EntryOut
	if status := g.Lookup(nil, header(devIno), "absent", &out); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("Lookup(absent) = %v, want ENOENT", status)
	}
	if status := g.Lookup(nil, header(inode.RootIno), "no-such-device", &out); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("Lookup at root = %v, want ENOENT", status)
	}
}

func TestForgetCountsLookups(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	// Two lookups hand the kernel two references to the same ino.
	first := lookup(t, g, devIno, "file.txt")
	lookup(t, g, devIno, "file.txt")

	g.Forget(first.NodeId, 1)
	if _, errno := g.Inodes().Lookup(first.NodeId); errno != 0 {
		t.Fatalf("node dropped with a kernel reference outstanding: %v", errno)
	}
	g.Forget(first.NodeId, 1)
	if _, errno := g.Inodes().Lookup(first.NodeId); errno != syscall.ENOENT {
		t.Errorf("node survived its last forget: %v", errno)
	}
}

func TestGetAttrRoot(t *testing.T) {
	g, _, _ := newTestGateway(t, inode.DeviceRW)

	var out fuse.AttrOut
	if status := g.GetAttr(nil, &fuse.GetAttrIn{InHeader: *header(inode.RootIno)}, &out); status != fuse.OK {
		t.Fatalf("GetAttr(root) = %v", status)
	}
	if out.Attr.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("root mode = %o, want directory", out.Attr.Mode)
	}
}

func TestBuiltinStatus(t *testing.T) {
	g, _, _ := newTestGateway(t, inode.DeviceRW)

	dir := lookup(t, g, inode.RootIno, ".gatefs")
	if dir.NodeId != builtinDirIno {
		t.Fatalf("builtin dir ino = %d, want %d", dir.NodeId, builtinDirIno)
	}
	file := lookup(t, g, builtinDirIno, "status")
	if file.NodeId != builtinFileIno {
		t.Fatalf("status ino = %d, want %d", file.NodeId, builtinFileIno)
	}

	var open fuse.OpenOut
	if status := g.Open(nil, &fuse.OpenIn{InHeader: *header(builtinFileIno)}, &open); status != fuse.OK {
		t.Fatalf("Open(status) = %v", status)
	}

	buf := make([]byte, 64)
	result, status := g.Read(nil, &fuse.ReadIn{InHeader: *header(builtinFileIno), Fh: open.Fh, Size: 64}, buf)
	if status != fuse.OK {
		t.Fatalf("Read(status) = %v", status)
	}
	data, _ := result.Bytes(nil)
	if string(data) != "gatefs "+Version+"\n" {
		t.Errorf("status content = %q", data)
	}

	g.Release(nil, &fuse.ReleaseIn{InHeader: *header(builtinFileIno), Fh: open.Fh})
}

func TestFileLifecycle(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	var created fuse.CreateOut
	in := fuse.CreateIn{InHeader: *header(devIno), Mode: 0o660}
	if status := g.Create(nil, &in, "made.txt", &created); status != fuse.OK {
		t.Fatalf("Create = %v", status)
	}
	if created.Fh == 0 || created.NodeId == 0 {
		t.Fatalf("Create returned fh=%d ino=%d", created.Fh, created.NodeId)
	}

	n, status := g.Write(nil, &fuse.WriteIn{InHeader: *header(created.NodeId), Fh: created.Fh}, []byte("payload"))
	if status != fuse.OK || n != 7 {
		t.Fatalf("Write = %d, %v", n, status)
	}

	buf := make([]byte, 32)
	result, status := g.Read(nil, &fuse.ReadIn{InHeader: *header(created.NodeId), Fh: created.Fh, Size: 32}, buf)
	if status != fuse.OK {
		t.Fatalf("Read = %v", status)
	}
	data, _ := result.Bytes(nil)
	if string(data) != "payload" {
		t.Errorf("Read = %q, want %q", data, "payload")
	}

	g.Release(nil, &fuse.ReleaseIn{InHeader: *header(created.NodeId), Fh: created.Fh})
	if g.Handles().Len() != 0 {
		t.Errorf("open handles after release = %d", g.Handles().Len())
	}

	if status := g.Unlink(nil, header(devIno), "made.txt"); status != fuse.OK {
		t.Fatalf("Unlink = %v", status)
	}
	var out fuse.EntryOut
	if status := g.Lookup(nil, header(devIno), "made.txt", &out); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("Lookup after unlink = %v, want ENOENT", status)
	}
}

func TestMkdirRmdir(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	var out fuse.EntryOut
	in := fuse.MkdirIn{InHeader: *header(devIno), Mode: 0o750}
	if status := g.Mkdir(nil, &in, "newdir", &out); status != fuse.OK {
		t.Fatalf("Mkdir = %v", status)
	}
	if out.Attr.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("Mkdir mode = %o", out.Attr.Mode)
	}
	if status := g.Rmdir(nil, header(devIno), "newdir"); status != fuse.OK {
		t.Fatalf("Rmdir = %v", status)
	}
}

func TestRename(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	before := lookup(t, g, devIno, "file.txt")

	in := fuse.RenameIn{InHeader: *header(devIno), Newdir: devIno}
	if status := g.Rename(nil, &in, "file.txt", "renamed.txt"); status != fuse.OK {
		t.Fatalf("Rename = %v", status)
	}

	var out fuse.EntryOut
	if status := g.Lookup(nil, header(devIno), "file.txt", &out); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("Lookup(old name) = %v, want ENOENT", status)
	}
	after := lookup(t, g, devIno, "renamed.txt")
	if after.NodeId != before.NodeId {
		t.Errorf("rename changed ino: %d -> %d", before.NodeId, after.NodeId)
	}
}

func TestSetAttrTruncates(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)
	file := lookup(t, g, devIno, "file.txt")

	in := fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
		InHeader: *header(file.NodeId),
		Valid:    fuse.FATTR_SIZE,
		Size:     3,
	}}
	var out fuse.AttrOut
	if status := g.SetAttr(nil, &in, &out); status != fuse.OK {
		t.Fatalf("SetAttr = %v", status)
	}
	if out.Attr.Size != 3 {
		t.Errorf("Size = %d, want 3", out.Attr.Size)
	}
}

func TestReadOnlyDevice(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRO)

	file := lookup(t, g, devIno, "file.txt")
	// Owner write bit stripped before mirroring: -r--r-----.
	if file.Attr.Mode != syscall.S_IFREG|0o440 {
		t.Errorf("Mode = %o, want %o", file.Attr.Mode, syscall.S_IFREG|0o440)
	}

	var created fuse.CreateOut
	if status := g.Create(nil, &fuse.CreateIn{InHeader: *header(devIno), Mode: 0o660}, "x", &created); status != fuse.Status(syscall.EROFS) {
		t.Errorf("Create on ro device = %v, want EROFS", status)
	}
	if status := g.Unlink(nil, header(devIno), "file.txt"); status != fuse.Status(syscall.EROFS) {
		t.Errorf("Unlink on ro device = %v, want EROFS", status)
	}

	var open fuse.OpenOut
	in := fuse.OpenIn{InHeader: *header(file.NodeId), Flags: uint32(syscall.O_WRONLY)}
	if status := g.Open(nil, &in, &open); status != fuse.Status(syscall.EROFS) {
		t.Errorf("Open for write on ro device = %v, want EROFS", status)
	}
	in.Flags = uint32(syscall.O_RDONLY)
	if status := g.Open(nil, &in, &open); status != fuse.OK {
		t.Errorf("Open for read on ro device = %v", status)
	}
}

func TestDetachDevice(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)
	file := lookup(t, g, devIno, "file.txt")

	if !g.DetachDevice(devIno) {
		t.Fatal("DetachDevice failed")
	}
	var out fuse.AttrOut
	if status := g.GetAttr(nil, &fuse.GetAttrIn{InHeader: *header(file.NodeId)}, &out); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("GetAttr after detach = %v, want ENOENT", status)
	}
	var entry fuse.EntryOut
	if status := g.Lookup(nil, header(inode.RootIno), "drive", &entry); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("Lookup(drive) after detach = %v, want ENOENT", status)
	}
}

// fuseDirentSize is the fixed fuse_dirent header: ino, off, namelen, type.
const fuseDirentSize = 24

// fakeEntryList imitates the kernel reply buffer for ReadDir. It wraps a
// real fuse.DirEntryList over a caller-owned buffer sized for roughly max
// entries, and decodes the serialized dirents back out for assertions.
type fakeEntryList struct {
	buf  []byte
	list *fuse.DirEntryList
}

func newFakeEntryList(max int, offset uint64) *fakeEntryList {
	buf := make([]byte, max*40)
	return &fakeEntryList{buf: buf, list: fuse.NewDirEntryList(buf, offset)}
}

// decode parses the fuse dirent wire format written into buf. Trailing
// zero bytes (nameLen == 0) mark the end of the serialized entries.
func decodeDirents(buf []byte, prefix int) []fuse.DirEntry {
	var out []fuse.DirEntry
	for len(buf) >= prefix+fuseDirentSize {
		rec := buf[prefix:]
		nameLen := int(binary.LittleEndian.Uint32(rec[16:20]))
		if nameLen == 0 {
			break
		}
		out = append(out, fuse.DirEntry{
			Ino:  binary.LittleEndian.Uint64(rec[0:8]),
			Off:  binary.LittleEndian.Uint64(rec[8:16]),
			Mode: binary.LittleEndian.Uint32(rec[20:24]) << 12,
			Name: string(rec[fuseDirentSize : fuseDirentSize+nameLen]),
		})
		buf = buf[prefix+(fuseDirentSize+nameLen+7)&^7:]
	}
	return out
}

func (l *fakeEntryList) entries() []fuse.DirEntry {
	return decodeDirents(l.buf, 0)
}

var entryOutSize = int(unsafe.Sizeof(fuse.EntryOut{}))

// fakePlusList imitates the kernel reply buffer for ReadDirPlus, where
// every dirent is preceded by an EntryOut record.
type fakePlusList struct {
	buf  []byte
	list *fuse.DirEntryList
}

func newFakePlusList(max int) *fakePlusList {
	buf := make([]byte, max*(entryOutSize+40))
	return &fakePlusList{buf: buf, list: fuse.NewDirEntryList(buf, 0)}
}

func (l *fakePlusList) entries() []fuse.DirEntry {
	return decodeDirents(l.buf, entryOutSize)
}

func (l *fakePlusList) outs() []*fuse.EntryOut {
	var out []*fuse.EntryOut
	buf := l.buf
	for len(buf) >= entryOutSize+fuseDirentSize {
		rec := buf[entryOutSize:]
		nameLen := int(binary.LittleEndian.Uint32(rec[16:20]))
		if nameLen == 0 {
			break
		}
		out = append(out, (*fuse.EntryOut)(unsafe.Pointer(&buf[0])))
		buf = buf[entryOutSize+(fuseDirentSize+nameLen+7)&^7:]
	}
	return out
}

func enumerate(t *testing.T, g *Gateway, fh uint64, pageSize int) []string {
	t.Helper()

	var names []string
	offset := uint64(0)
	for {
		sink := newFakeEntryList(pageSize, offset)
		in := &fuse.ReadIn{Fh: fh, Offset: offset}
		if status := g.ReadDir(nil, in, sink.list); status != fuse.OK {
			t.Fatalf("ReadDir at %d = %v", offset, status)
		}
		entries := sink.entries()
		if len(entries) == 0 {
			return names
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
		offset = entries[len(entries)-1].Off
	}
}

func TestReadDirRoot(t *testing.T) {
	g, _, _ := newTestGateway(t, inode.DeviceRW)

	var open fuse.OpenOut
	if status := g.OpenDir(nil, &fuse.OpenIn{InHeader: *header(inode.RootIno)}, &open); status != fuse.OK {
		t.Fatalf("OpenDir(root) = %v", status)
	}
	defer g.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})

	names := enumerate(t, g, open.Fh, 2)
	want := map[string]bool{".": true, "..": true, ".gatefs": true, "drive": true}
	if len(names) != len(want) {
		t.Fatalf("root listing = %v", names)
	}
	for _, name := range names {
		if !want[name] {
			t.Errorf("unexpected root entry %q", name)
		}
	}
}

func TestReadDirDevicePaginates(t *testing.T) {
	g, devIno, m := newTestGateway(t, inode.DeviceRW)
	for i := 0; i < 10; i++ {
		m.Put("/many/file"+string(rune('a'+i)), syscall.S_IFREG|0o640, nil)
	}
	sub := lookup(t, g, devIno, "many")

	var open fuse.OpenOut
	if status := g.OpenDir(nil, &fuse.OpenIn{InHeader: *header(sub.NodeId)}, &open); status != fuse.OK {
		t.Fatalf("OpenDir = %v", status)
	}
	defer g.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})

	names := enumerate(t, g, open.Fh, 3)
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			t.Errorf("duplicate entry %q", name)
		}
		seen[name] = true
	}
	// 10 backend entries plus "." and "..".
	if len(names) != 12 {
		t.Errorf("enumerated %d entries, want 12: %v", len(names), names)
	}
}

func TestReadDirPlusFillsEntries(t *testing.T) {
	g, devIno, _ := newTestGateway(t, inode.DeviceRW)

	var open fuse.OpenOut
	if status := g.OpenDir(nil, &fuse.OpenIn{InHeader: *header(devIno)}, &open); status != fuse.OK {
		t.Fatalf("OpenDir = %v", status)
	}
	defer g.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})

	sink := newFakePlusList(16)
	if status := g.ReadDirPlus(nil, &fuse.ReadIn{Fh: open.Fh}, sink.list); status != fuse.OK {
		t.Fatalf("ReadDirPlus = %v", status)
	}
	// ".", "..", "file.txt", "sub".
	entries := sink.entries()
	if len(entries) != 4 {
		t.Fatalf("ReadDirPlus entries = %v", entries)
	}
	outs := sink.outs()
	for i, e := range entries {
		if e.Name == "file.txt" && outs[i].NodeId == 0 {
			t.Errorf("entry %q has no node id", e.Name)
		}
	}
}

// stallingProvider blocks ReadDir until its context is cancelled.
type stallingProvider struct {
	*backend.Memory
	started  chan struct{}
	returned chan error
}

func (p *stallingProvider) ReadDir(ctx context.Context, path string, emit func([]backend.Entry)) error {
	close(p.started)
	<-ctx.Done()
	p.returned <- ctx.Err()
	return ctx.Err()
}

func TestReleaseDirCancelsListing(t *testing.T) {
	p := &stallingProvider{
		Memory:   backend.NewMemory(),
		started:  make(chan struct{}),
		returned: make(chan error, 1),
	}
	g := New(Options{})
	devIno, err := g.AttachDevice("drive", "/", inode.DeviceRW, p)
	if err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}

	var open fuse.OpenOut
	if status := g.OpenDir(nil, &fuse.OpenIn{InHeader: *header(devIno)}, &open); status != fuse.OK {
		t.Fatalf("OpenDir = %v", status)
	}
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend listing never started")
	}

	g.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})
	select {
	case err := <-p.returned:
		if err != context.Canceled {
			t.Errorf("listing context ended with %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backend listing still running after ReleaseDir")
	}
}

func TestReadDirBadHandle(t *testing.T) {
	g, _, _ := newTestGateway(t, inode.DeviceRW)

	sink := newFakeEntryList(4, 0)
	if status := g.ReadDir(nil, &fuse.ReadIn{Fh: 999}, sink.list); status != fuse.EBADF {
		t.Errorf("ReadDir with bad handle = %v, want EBADF", status)
	}
}
