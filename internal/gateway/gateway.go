// Package gateway bridges kernel filesystem requests to backend
// providers through the inode and handle tables.
package gateway

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gatefs/gatefs/internal/backend"
	"github.com/gatefs/gatefs/internal/dirbuf"
	"github.com/gatefs/gatefs/internal/handle"
	"github.com/gatefs/gatefs/internal/inode"
	"github.com/gatefs/gatefs/internal/reply"
)

// DefaultEntryTimeout is the lookup cache lifetime handed to the kernel.
const DefaultEntryTimeout = 1.0

// DefaultAttrTimeout is the attribute cache lifetime handed to the kernel.
const DefaultAttrTimeout = 1.0

// statCacheTTL bounds how long a backend stat stays valid in the table.
const statCacheTTL = 30.0

// Options configures a Gateway.
type Options struct {
	EntryTimeout float64 // seconds, 0 means DefaultEntryTimeout
	AttrTimeout  float64 // seconds, 0 means DefaultAttrTimeout
	Logger       *slog.Logger
}

// Gateway implements the kernel protocol surface. Every request is
// wrapped in a single-shot reply object and handled asynchronously; the
// raw method blocks in Wait until the handler replies or the kernel
// interrupts the request.
type Gateway struct {
	fuse.RawFileSystem

	logger  *slog.Logger
	inodes  *inode.Table
	handles *handle.Table

	mu        sync.Mutex
	providers map[uint32]backend.Provider // device number -> provider

	uid, gid uint32
	status   []byte

	entryTimeout float64
	attrTimeout  float64
}

// New returns a gateway with the builtin pseudo-nodes registered and no
// devices attached.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entryTimeout := opts.EntryTimeout
	if entryTimeout == 0 {
		entryTimeout = DefaultEntryTimeout
	}
	attrTimeout := opts.AttrTimeout
	if attrTimeout == 0 {
		attrTimeout = DefaultAttrTimeout
	}
	g := &Gateway{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		logger:        logger.With("component", "gateway"),
		inodes:        inode.NewTable(),
		handles:       handle.NewTable(),
		providers:     make(map[uint32]backend.Provider),
		uid:           uint32(os.Getuid()),
		gid:           uint32(os.Getgid()),
		entryTimeout:  entryTimeout,
		attrTimeout:   attrTimeout,
	}
	g.registerBuiltins()
	return g
}

// Inodes exposes the inode table. The caller must respect the single
// dispatch discipline when mutating it outside a handler.
func (g *Gateway) Inodes() *inode.Table {
	return g.inodes
}

// Handles exposes the open handle table.
func (g *Gateway) Handles() *handle.Table {
	return g.handles
}

// AttachDevice mounts provider under the root as name. The returned ino
// identifies the device anchor node.
func (g *Gateway) AttachDevice(name, pathPrefix string, mode inode.DeviceMode, provider backend.Provider) (uint64, error) {
	node, errno := g.inodes.AttachDevice(inode.RootIno, inode.Device{
		Name:       name,
		PathPrefix: pathPrefix,
		Mode:       mode,
	}, 0)
	if errno != 0 {
		return 0, errno
	}
	g.mu.Lock()
	g.providers[node.Device] = provider
	g.mu.Unlock()
	g.logger.Info("device attached", "name", name, "ino", node.Ino, "device", node.Device, "mode", mode)
	return node.Ino, nil
}

// DetachDevice removes the device anchored at ino and every node that
// belongs to it.
func (g *Gateway) DetachDevice(ino uint64) bool {
	dev, ok := g.inodes.DeviceByIno(ino)
	if !ok {
		return false
	}
	if !g.inodes.DetachDevice(ino) {
		return false
	}
	g.mu.Lock()
	delete(g.providers, dev.Number)
	g.mu.Unlock()
	g.logger.Info("device detached", "name", dev.Name, "ino", ino, "device", dev.Number)
	return true
}

func (g *Gateway) provider(device uint32) (backend.Provider, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[device]
	return p, ok
}

// channelBackedContext adapts the kernel's cancellation channel to a
// context for provider calls. No deadline, no values.
type channelBackedContext struct {
	cancel <-chan struct{}
}

var _ context.Context = channelBackedContext{}

func (ctx channelBackedContext) Deadline() (time.Time, bool) {
	var t time.Time
	return t, false
}

func (ctx channelBackedContext) Done() <-chan struct{} {
	return ctx.cancel
}

func (ctx channelBackedContext) Err() error {
	select {
	case <-ctx.cancel:
		return context.Canceled
	default:
		return nil
	}
}

func (ctx channelBackedContext) Value(key any) any {
	return nil
}

// resolved is the node-to-backend binding every delegated handler needs.
type resolved struct {
	node     inode.Node
	provider backend.Provider
	path     string // backend-facing path
	readOnly bool
}

// resolve binds an ino to its device's provider. Fails ENOENT for
// unknown inos and EIO for a node whose device has no provider (a
// listing raced with a detach).
func (g *Gateway) resolve(ino uint64) (resolved, syscall.Errno) {
	node, errno := g.inodes.Lookup(ino)
	if errno != 0 {
		return resolved{}, errno
	}
	if node.Device == 0 {
		return resolved{}, syscall.ENOTSUP
	}
	p, ok := g.provider(node.Device)
	if !ok {
		return resolved{}, syscall.EIO
	}
	path, errno := g.inodes.DevicePath(ino)
	if errno != 0 {
		return resolved{}, errno
	}
	dev, _ := g.inodes.DeviceByIno(g.deviceAnchor(node.Device))
	return resolved{node: node, provider: p, path: path, readOnly: dev.Mode == inode.DeviceRO}, 0
}

func (g *Gateway) deviceAnchor(device uint32) uint64 {
	for _, dev := range g.inodes.Devices() {
		if dev.Number == device {
			return dev.Ino
		}
	}
	return 0
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// attrFor synthesizes the kernel attribute record for a backend meta.
// The logical ino always wins over whatever the backend reported, and
// permission bits are synthesized rather than passed through.
func (g *Gateway) attrFor(ino uint64, meta backend.Meta, readOnly bool) fuse.Attr {
	attr := inode.MakeStat(ino, meta.Mode, meta.Size, meta.Atime, meta.Mtime, meta.Ctime, readOnly)
	attr.Owner = fuse.Owner{Uid: g.uid, Gid: g.gid}
	return attr
}

func (g *Gateway) String() string {
	return "gatefs"
}

func (g *Gateway) Init(server *fuse.Server) {
	g.logger.Debug("kernel session initialized")
}

func (g *Gateway) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	out.NameLen = 255
	return fuse.OK
}

func (g *Gateway) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	req := reply.NewEntry(cancel, out, g.entryTimeout, g.attrTimeout)
	go g.lookup(req, header.NodeId, name)
	return req.Wait()
}

func (g *Gateway) lookup(req *reply.Entry, parent uint64, name string) {
	node, errno := g.inodes.LookupChild(parent, name)
	switch errno {
	case 0:
		if attr, ok := g.inodes.GetStat(node.Ino); ok {
			g.inodes.Ref(node.Ino)
			req.Reply(node.Ino, attr)
			return
		}
	case syscall.ENOENT:
		// Children of the root are devices and builtins only; nothing
		// to delegate for a miss there.
		if parent == inode.RootIno || isBuiltin(parent) {
			req.ReplyError(syscall.ENOENT)
			return
		}
	default:
		req.ReplyError(errno)
		return
	}

	var res resolved
	var rerrno syscall.Errno
	if node.Ino != 0 {
		res, rerrno = g.resolve(node.Ino)
	} else {
		res, rerrno = g.resolve(parent)
		if rerrno == 0 {
			res.path = joinPath(res.path, name)
		}
	}
	if rerrno != 0 {
		req.ReplyError(rerrno)
		return
	}
	if req.IsInterrupted() {
		return
	}

	meta, err := res.provider.Stat(channelBackedContext{cancel: req.Done()}, res.path)
	if err != nil {
		errno := backend.ToErrno(err)
		if errno == syscall.ENOENT && node.Ino != 0 {
			// Backend lost the entry since we materialized it.
			g.inodes.Drop(node.Ino)
		}
		req.ReplyError(errno)
		return
	}

	node, cerrno := g.inodes.Ensure(parent, name, 0)
	if cerrno != 0 {
		req.ReplyError(cerrno)
		return
	}
	attr := g.attrFor(node.Ino, meta, res.readOnly)
	g.inodes.SetStat(node.Ino, attr, statCacheTTL)
	g.inodes.Ref(node.Ino)
	req.Reply(node.Ino, attr)
}

func (g *Gateway) Forget(nodeID, nLookup uint64) {
	g.inodes.Forget(nodeID, nLookup)
}

func (g *Gateway) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	req := reply.NewAttr(cancel, out, g.attrTimeout)
	go g.getAttr(req, input.NodeId)
	return req.Wait()
}

func (g *Gateway) getAttr(req *reply.Attr, ino uint64) {
	if attr, ok := g.inodes.GetStat(ino); ok {
		req.Reply(ino, attr)
		return
	}
	res, errno := g.resolve(ino)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if req.IsInterrupted() {
		return
	}
	meta, err := res.provider.Stat(channelBackedContext{cancel: req.Done()}, res.path)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	attr := g.attrFor(ino, meta, res.readOnly)
	g.inodes.SetStat(ino, attr, statCacheTTL)
	req.Reply(ino, attr)
}

func (g *Gateway) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	req := reply.NewAttr(cancel, out, g.attrTimeout)
	go g.setAttr(req, input)
	return req.Wait()
}

func (g *Gateway) setAttr(req *reply.Attr, input *fuse.SetAttrIn) {
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		req.ReplyError(syscall.EPERM)
		return
	}
	res, errno := g.resolve(input.NodeId)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if res.readOnly {
		req.ReplyError(syscall.EROFS)
		return
	}

	var change backend.StatChange
	if input.Valid&fuse.FATTR_MODE != 0 {
		mode := input.Mode
		change.Mode = &mode
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		size := input.Size
		change.Size = &size
	}
	if input.Valid&fuse.FATTR_ATIME != 0 {
		atime := int64(input.Atime)
		change.Atime = &atime
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		mtime := int64(input.Mtime)
		change.Mtime = &mtime
	}
	if req.IsInterrupted() {
		return
	}

	meta, err := res.provider.SetStat(channelBackedContext{cancel: req.Done()}, res.path, change)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	attr := g.attrFor(input.NodeId, meta, res.readOnly)
	g.inodes.SetStat(input.NodeId, attr, statCacheTTL)
	req.Reply(input.NodeId, attr)
}

func (g *Gateway) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	req := reply.NewEntry(cancel, out, g.entryTimeout, g.attrTimeout)
	go g.mkdir(req, input.NodeId, name, input.Mode)
	return req.Wait()
}

func (g *Gateway) mkdir(req *reply.Entry, parent uint64, name string, mode uint32) {
	res, errno := g.resolve(parent)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if res.readOnly {
		req.ReplyError(syscall.EROFS)
		return
	}
	if req.IsInterrupted() {
		return
	}
	meta, err := res.provider.Mkdir(channelBackedContext{cancel: req.Done()}, joinPath(res.path, name), mode)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	node, cerrno := g.inodes.Ensure(parent, name, 0)
	if cerrno != 0 {
		req.ReplyError(cerrno)
		return
	}
	attr := g.attrFor(node.Ino, meta, res.readOnly)
	g.inodes.SetStat(node.Ino, attr, statCacheTTL)
	g.inodes.Ref(node.Ino)
	req.Reply(node.Ino, attr)
}

func (g *Gateway) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	req := reply.NewStatus(cancel)
	go g.remove(req, header.NodeId, name, false)
	return req.Wait()
}

func (g *Gateway) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	req := reply.NewStatus(cancel)
	go g.remove(req, header.NodeId, name, true)
	return req.Wait()
}

func (g *Gateway) remove(req *reply.Status, parent uint64, name string, dir bool) {
	res, errno := g.resolve(parent)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if res.readOnly {
		req.ReplyError(syscall.EROFS)
		return
	}
	if req.IsInterrupted() {
		return
	}
	ctx := channelBackedContext{cancel: req.Done()}
	path := joinPath(res.path, name)
	var err error
	if dir {
		err = res.provider.Rmdir(ctx, path)
	} else {
		err = res.provider.Unlink(ctx, path)
	}
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	if node, lerrno := g.inodes.LookupChild(parent, name); lerrno == 0 {
		g.inodes.Drop(node.Ino)
	}
	req.ReplyOK()
}

func (g *Gateway) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	req := reply.NewStatus(cancel)
	go g.rename(req, input.NodeId, oldName, input.Newdir, newName)
	return req.Wait()
}

func (g *Gateway) rename(req *reply.Status, oldParent uint64, oldName string, newParent uint64, newName string) {
	oldRes, errno := g.resolve(oldParent)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	newRes, errno := g.resolve(newParent)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if oldRes.node.Device != newRes.node.Device {
		req.ReplyError(syscall.ENOTSUP)
		return
	}
	if oldRes.readOnly {
		req.ReplyError(syscall.EROFS)
		return
	}
	if req.IsInterrupted() {
		return
	}
	ctx := channelBackedContext{cancel: req.Done()}
	oldPath := joinPath(oldRes.path, oldName)
	newPath := joinPath(newRes.path, newName)
	if err := oldRes.provider.Rename(ctx, oldPath, newPath); err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	if node, lerrno := g.inodes.LookupChild(oldParent, oldName); lerrno == 0 {
		if _, merrno := g.inodes.Move(node.Ino, newParent, newName); merrno != 0 {
			// Backend already renamed; the table entry is stale either
			// way, so drop it and let lookup rematerialize.
			g.inodes.Drop(node.Ino)
		}
		g.inodes.ForgetStat(node.Ino)
	}
	req.ReplyOK()
}

func (g *Gateway) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	req := reply.NewCreate(cancel, out, g.entryTimeout, g.attrTimeout)
	go g.create(req, input.NodeId, name, input.Mode)
	return req.Wait()
}

func (g *Gateway) create(req *reply.Create, parent uint64, name string, mode uint32) {
	res, errno := g.resolve(parent)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if res.readOnly {
		req.ReplyError(syscall.EROFS)
		return
	}
	if req.IsInterrupted() {
		return
	}
	path := joinPath(res.path, name)
	meta, desc, err := res.provider.Create(channelBackedContext{cancel: req.Done()}, path, mode)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	node, cerrno := g.inodes.Ensure(parent, name, 0)
	if cerrno != 0 {
		res.provider.Release(context.Background(), desc)
		req.ReplyError(cerrno)
		return
	}
	attr := g.attrFor(node.Ino, meta, res.readOnly)
	g.inodes.SetStat(node.Ino, attr, statCacheTTL)
	fh := g.handles.Open(&handle.FileData{
		Path:       path,
		Ino:        node.Ino,
		RemoteDesc: desc,
		Kind:       handle.KindFile,
	})
	g.inodes.Ref(node.Ino)
	req.Reply(node.Ino, attr, fh)
}

// writeAccess reports whether the open flags ask for mutation.
func writeAccess(flags uint32) bool {
	if flags&uint32(syscall.O_ACCMODE) != uint32(syscall.O_RDONLY) {
		return true
	}
	return flags&uint32(syscall.O_TRUNC|syscall.O_APPEND|syscall.O_CREAT) != 0
}

func (g *Gateway) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	req := reply.NewOpen(cancel, out)
	go g.open(req, input.NodeId, input.Flags)
	return req.Wait()
}

func (g *Gateway) open(req *reply.Open, ino uint64, flags uint32) {
	if ino == builtinFileIno {
		fh := g.handles.Open(&handle.FileData{Ino: ino, Kind: handle.KindFile})
		req.Reply(fh)
		return
	}
	res, errno := g.resolve(ino)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if res.readOnly && writeAccess(flags) {
		req.ReplyError(syscall.EROFS)
		return
	}
	if req.IsInterrupted() {
		return
	}
	desc, err := res.provider.Open(channelBackedContext{cancel: req.Done()}, res.path, flags)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	fh := g.handles.Open(&handle.FileData{
		Path:       res.path,
		Ino:        ino,
		RemoteDesc: desc,
		Kind:       handle.KindFile,
	})
	req.Reply(fh)
}

func (g *Gateway) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	req := reply.NewData(cancel, buf)
	go g.read(req, input.Fh, input.Offset, input.Size)
	if status := req.Wait(); status != fuse.OK {
		return nil, status
	}
	return req.Result(), fuse.OK
}

func (g *Gateway) read(req *reply.Data, fh, offset uint64, size uint32) {
	data, ok := g.handles.Get(fh)
	if !ok || data.Kind != handle.KindFile {
		req.ReplyError(syscall.EBADF)
		return
	}
	if data.Ino == builtinFileIno {
		req.Reply(g.readStatus(offset, size))
		return
	}
	res, errno := g.resolve(data.Ino)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if req.IsInterrupted() {
		return
	}
	page, err := res.provider.Read(channelBackedContext{cancel: req.Done()}, data.Path, data.RemoteDesc, offset, size)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	req.Reply(page)
}

func (g *Gateway) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	req := reply.NewWritten(cancel)
	go g.write(req, input.Fh, input.Offset, data)
	if status := req.Wait(); status != fuse.OK {
		return 0, status
	}
	return req.Count(), fuse.OK
}

func (g *Gateway) write(req *reply.Written, fh, offset uint64, data []byte) {
	fd, ok := g.handles.Get(fh)
	if !ok || fd.Kind != handle.KindFile {
		req.ReplyError(syscall.EBADF)
		return
	}
	res, errno := g.resolve(fd.Ino)
	if errno != 0 {
		req.ReplyError(errno)
		return
	}
	if res.readOnly {
		req.ReplyError(syscall.EROFS)
		return
	}
	if req.IsInterrupted() {
		return
	}
	n, err := res.provider.Write(channelBackedContext{cancel: req.Done()}, fd.Path, fd.RemoteDesc, offset, data)
	if err != nil {
		req.ReplyError(backend.ToErrno(err))
		return
	}
	g.inodes.ForgetStat(fd.Ino)
	req.Reply(n)
}

func (g *Gateway) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	data, ok := g.handles.Get(input.Fh)
	if !ok {
		return
	}
	g.handles.Close(input.Fh)
	if data.Ino == builtinFileIno || data.RemoteDesc == 0 {
		return
	}
	if res, errno := g.resolve(data.Ino); errno == 0 {
		if err := res.provider.Release(context.Background(), data.RemoteDesc); err != nil {
			g.logger.Warn("backend release failed", "ino", data.Ino, "error", err)
		}
	}
}

func (g *Gateway) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	req := reply.NewOpen(cancel, out)
	go g.openDir(req, input.NodeId)
	return req.Wait()
}

func (g *Gateway) openDir(req *reply.Open, ino uint64) {
	buf := dirbuf.New()
	var stop context.CancelFunc
	switch {
	case ino == inode.RootIno:
		buf.Append(g.rootListing(), true)
	case ino == builtinDirIno:
		buf.Append(builtinListing(), true)
	default:
		res, errno := g.resolve(ino)
		if errno != 0 {
			req.ReplyError(errno)
			return
		}
		// The listing streams into the buffer for the lifetime of the
		// handle; each batch is materialized in the inode table so the
		// kernel sees stable inos. ReleaseDir cancels the stream.
		var ctx context.Context
		ctx, stop = context.WithCancel(context.Background())
		go g.collectListing(ctx, buf, ino, res)
	}
	fh := g.handles.Open(&handle.FileData{Ino: ino, Kind: handle.KindDir, Dir: buf, Stop: stop})
	req.Reply(fh)
}

func (g *Gateway) rootListing() []fuse.DirEntry {
	entries := []fuse.DirEntry{
		{Name: builtinDirName, Mode: fuse.S_IFDIR, Ino: builtinDirIno},
	}
	for _, dev := range g.inodes.Devices() {
		entries = append(entries, fuse.DirEntry{Name: dev.Name, Mode: fuse.S_IFDIR, Ino: dev.Ino})
	}
	return entries
}

func (g *Gateway) collectListing(ctx context.Context, buf *dirbuf.Buffer, ino uint64, res resolved) {
	err := res.provider.ReadDir(ctx, res.path, func(batch []backend.Entry) {
		entries := make([]fuse.DirEntry, 0, len(batch))
		for _, e := range batch {
			child, errno := g.inodes.Ensure(ino, e.Name, 0)
			if errno != 0 {
				g.logger.Warn("skipping unmappable listing entry", "parent", ino, "name", e.Name, "errno", errno)
				continue
			}
			entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: e.Mode, Ino: child.Ino})
		}
		buf.Append(entries, false)
	})
	if err != nil {
		buf.Fail(backend.ToErrno(err))
		return
	}
	buf.Append(nil, true)
}

// Directory listings prepend "." and ".." before the buffered entries.
var dotDotEntries = []fuse.DirEntry{
	{Mode: fuse.S_IFDIR, Name: "."},
	{Mode: fuse.S_IFDIR, Name: ".."},
}

const dotDotEntriesCount uint64 = 2

type listSink struct {
	out *fuse.DirEntryList
}

func (s listSink) Add(e fuse.DirEntry, next uint64) bool {
	e.Off = next + dotDotEntriesCount
	return s.out.AddDirEntry(e)
}

func (g *Gateway) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	data, ok := g.handles.Get(input.Fh)
	if !ok || data.Kind != handle.KindDir {
		return fuse.EBADF
	}

	offset := input.Offset
	for ; offset < dotDotEntriesCount; offset++ {
		e := dotDotEntries[offset]
		e.Off = offset + 1
		if !out.AddDirEntry(e) {
			return fuse.OK
		}
	}
	return data.Dir.Read(listSink{out: out}, offset-dotDotEntriesCount, cancel)
}

type plusSink struct {
	g   *Gateway
	out *fuse.DirEntryList
}

func (s plusSink) Add(e fuse.DirEntry, next uint64) bool {
	e.Off = next + dotDotEntriesCount
	entryOut := s.out.AddDirLookupEntry(e)
	if entryOut == nil {
		return false
	}
	// The kernel treats each plus-entry as a lookup of its own.
	s.g.inodes.Ref(e.Ino)
	entryOut.NodeId = e.Ino
	entryOut.Attr.Ino = e.Ino
	entryOut.Attr.Mode = e.Mode
	if attr, ok := s.g.inodes.GetStat(e.Ino); ok {
		entryOut.Attr = attr
		entryOut.Attr.Ino = e.Ino
		entryOut.SetEntryTimeout(floatSeconds(s.g.entryTimeout))
		entryOut.SetAttrTimeout(floatSeconds(s.g.attrTimeout))
	}
	return true
}

func floatSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (g *Gateway) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	data, ok := g.handles.Get(input.Fh)
	if !ok || data.Kind != handle.KindDir {
		return fuse.EBADF
	}

	offset := input.Offset
	for ; offset < dotDotEntriesCount; offset++ {
		e := dotDotEntries[offset]
		e.Off = offset + 1
		if out.AddDirLookupEntry(e) == nil {
			return fuse.OK
		}
	}
	return data.Dir.Read(plusSink{g: g, out: out}, offset-dotDotEntriesCount, cancel)
}

func (g *Gateway) ReleaseDir(input *fuse.ReleaseIn) {
	data, ok := g.handles.Get(input.Fh)
	if !ok {
		return
	}
	g.handles.Close(input.Fh)
	if data.Stop != nil {
		data.Stop()
	}
}
