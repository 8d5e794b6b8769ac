// Package test provides integration tests for the full gatefs stack:
// a local directory exported by the agent-side gRPC provider, consumed
// through the client, wrapped in the metadata cache, and mounted into
// the gateway's kernel-facing surface.
package test

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"google.golang.org/grpc"

	"github.com/gatefs/gatefs/internal/backend"
	"github.com/gatefs/gatefs/internal/backend/rpc"
	"github.com/gatefs/gatefs/internal/gateway"
	"github.com/gatefs/gatefs/internal/inode"
	"github.com/gatefs/gatefs/internal/metacache"
)

// stackEnv encapsulates a full test deployment: exported directory,
// gRPC server, client, cache, and gateway.
type stackEnv struct {
	t       *testing.T
	root    string
	gateway *gateway.Gateway
	devIno  uint64
}

func newStackEnv(t *testing.T) *stackEnv {
	t.Helper()

	root := t.TempDir()
	local, err := backend.NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	grpcServer := grpc.NewServer()
	rpc.RegisterProvider(grpcServer, local)
	go grpcServer.Serve(listener)
	t.Cleanup(grpcServer.Stop)

	client, err := rpc.Dial(listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	cached, err := metacache.New(client, filepath.Join(t.TempDir(), "metacache"), metacache.Options{})
	if err != nil {
		t.Fatalf("metacache.New failed: %v", err)
	}
	t.Cleanup(func() { cached.Close() })

	g := gateway.New(gateway.Options{})
	devIno, err := g.AttachDevice("export", "/", inode.DeviceRW, cached)
	if err != nil {
		t.Fatalf("AttachDevice failed: %v", err)
	}
	return &stackEnv{t: t, root: root, gateway: g, devIno: devIno}
}

func (env *stackEnv) seed(name, content string) {
	env.t.Helper()
	path := filepath.Join(env.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		env.t.Fatalf("seed mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		env.t.Fatalf("seed write failed: %v", err)
	}
}

func (env *stackEnv) lookup(parent uint64, name string) *fuse.EntryOut {
	env.t.Helper()
	var out fuse.EntryOut
	if status := env.gateway.Lookup(nil, &fuse.InHeader{NodeId: parent}, name, &out); status != fuse.OK {
		env.t.Fatalf("Lookup(%d, %q) = %v", parent, name, status)
	}
	return &out
}

func TestStackLookupAndRead(t *testing.T) {
	env := newStackEnv(t)
	env.seed("docs/readme.txt", "hello from the agent\n")

	dir := env.lookup(env.devIno, "docs")
	file := env.lookup(dir.NodeId, "readme.txt")
	if file.Attr.Size != 21 {
		t.Errorf("Size = %d, want 21", file.Attr.Size)
	}

	var open fuse.OpenOut
	in := fuse.OpenIn{InHeader: fuse.InHeader{NodeId: file.NodeId}}
	if status := env.gateway.Open(nil, &in, &open); status != fuse.OK {
		t.Fatalf("Open = %v", status)
	}
	buf := make([]byte, 64)
	result, status := env.gateway.Read(nil, &fuse.ReadIn{InHeader: fuse.InHeader{NodeId: file.NodeId}, Fh: open.Fh, Size: 64}, buf)
	if status != fuse.OK {
		t.Fatalf("Read = %v", status)
	}
	data, _ := result.Bytes(nil)
	if string(data) != "hello from the agent\n" {
		t.Errorf("Read = %q", data)
	}
	env.gateway.Release(nil, &fuse.ReleaseIn{InHeader: fuse.InHeader{NodeId: file.NodeId}, Fh: open.Fh})
}

func TestStackWriteReachesDisk(t *testing.T) {
	env := newStackEnv(t)

	var created fuse.CreateOut
	in := fuse.CreateIn{InHeader: fuse.InHeader{NodeId: env.devIno}, Mode: 0o644}
	if status := env.gateway.Create(nil, &in, "out.txt", &created); status != fuse.OK {
		t.Fatalf("Create = %v", status)
	}
	n, status := env.gateway.Write(nil, &fuse.WriteIn{InHeader: fuse.InHeader{NodeId: created.NodeId}, Fh: created.Fh}, []byte("persisted"))
	if status != fuse.OK || n != 9 {
		t.Fatalf("Write = %d, %v", n, status)
	}
	env.gateway.Release(nil, &fuse.ReleaseIn{InHeader: fuse.InHeader{NodeId: created.NodeId}, Fh: created.Fh})

	data, err := os.ReadFile(filepath.Join(env.root, "out.txt"))
	if err != nil {
		t.Fatalf("exported file missing: %v", err)
	}
	if string(data) != "persisted" {
		t.Errorf("exported content = %q", data)
	}
}

func TestStackRemoveInvalidates(t *testing.T) {
	env := newStackEnv(t)
	env.seed("victim.txt", "x")

	env.lookup(env.devIno, "victim.txt")
	if status := env.gateway.Unlink(nil, &fuse.InHeader{NodeId: env.devIno}, "victim.txt"); status != fuse.OK {
		t.Fatalf("Unlink = %v", status)
	}
	// The cache layer must not resurrect the entry.
	var out fuse.EntryOut
	if status := env.gateway.Lookup(nil, &fuse.InHeader{NodeId: env.devIno}, "victim.txt", &out); status != fuse.Status(syscall.ENOENT) {
		t.Errorf("Lookup after unlink = %v, want ENOENT", status)
	}
	if _, err := os.Stat(filepath.Join(env.root, "victim.txt")); !os.IsNotExist(err) {
		t.Errorf("exported file still present: %v", err)
	}
}

func TestStackDirectoryListing(t *testing.T) {
	env := newStackEnv(t)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		env.seed(name, name)
	}

	var open fuse.OpenOut
	if status := env.gateway.OpenDir(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: env.devIno}}, &open); status != fuse.OK {
		t.Fatalf("OpenDir = %v", status)
	}
	defer env.gateway.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})

	sink := newCollectingList(16)
	if status := env.gateway.ReadDir(nil, &fuse.ReadIn{Fh: open.Fh}, sink.list); status != fuse.OK {
		t.Fatalf("ReadDir = %v", status)
	}
	names := sink.names()
	seen := make(map[string]bool)
	for _, name := range names {
		seen[name] = true
	}
	for _, name := range []string{".", "..", "a.txt", "b.txt", "c.txt"} {
		if !seen[name] {
			t.Errorf("listing missing %q: %v", name, names)
		}
	}
}

// fuseDirentSize is the fixed fuse_dirent header: ino, off, namelen, type.
const fuseDirentSize = 24

// collectingList wraps a real fuse.DirEntryList over a caller-owned
// buffer sized for roughly max entries, and decodes the serialized
// dirent names back out for assertions.
type collectingList struct {
	buf  []byte
	list *fuse.DirEntryList
}

func newCollectingList(max int) *collectingList {
	buf := make([]byte, max*40)
	return &collectingList{buf: buf, list: fuse.NewDirEntryList(buf, 0)}
}

func (l *collectingList) names() []string {
	var out []string
	buf := l.buf
	for len(buf) >= fuseDirentSize {
		nameLen := int(binary.LittleEndian.Uint32(buf[16:20]))
		if nameLen == 0 {
			break
		}
		out = append(out, string(buf[fuseDirentSize:fuseDirentSize+nameLen]))
		buf = buf[(fuseDirentSize+nameLen+7)&^7:]
	}
	return out
}
