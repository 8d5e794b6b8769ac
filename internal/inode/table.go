// Package inode maintains the path-indexed inode table for the gateway:
// the ino to node mapping, device mount points attached under the root,
// and the TTL stat cache.
package inode

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootIno is the kernel-reserved inode number of the filesystem root.
const RootIno = 1

// reservedEnd is the upper bound of the reserved inode range. Built-in
// pseudo-nodes live inside it; dynamically allocated inos start above it.
const reservedEnd = 0x10000

// Node is one entry of the inode table. Nodes are handed out by value:
// a Node is a snapshot, valid until the next table mutation, and carries
// no ownership of table state.
type Node struct {
	Ino    uint64
	Parent uint64
	Name   string // always carries a leading path separator, e.g. "/foo"
	Device uint32
}

// DeviceMode restricts what operations a device accepts.
type DeviceMode string

const (
	DeviceRW DeviceMode = "rw"
	DeviceRO DeviceMode = "ro"
)

// Device is a backend namespace mounted as a direct child of the root.
// Device number 0 is reserved for the root itself.
type Device struct {
	Name       string
	PathPrefix string
	Mode       DeviceMode
	Number     uint32
	Ino        uint64
}

type statEntry struct {
	attr   fuse.Attr
	expiry time.Time // zero means pinned until explicitly invalidated
}

// Table owns every Node. All cross-references are ino integers; the
// table never hands out pointers into its own storage. A single mutex
// serializes access, which stands in for the single dispatch sequence
// of the frontend.
type Table struct {
	mu sync.Mutex

	nodes    map[uint64]Node
	children map[uint64]map[string]uint64 // parent ino -> child name -> child ino

	devices     map[uint64]Device             // keyed by the device node's ino
	deviceInos  map[uint32]*roaring64.Bitmap  // device number -> member inos
	deviceByNum map[uint32]uint64             // device number -> device node ino

	stats   map[uint64]statEntry
	lookups map[uint64]uint64 // kernel lookup reference counts

	lastIno    uint64 // monotonic, never reused
	lastDevice uint32
}

// NewTable returns a table holding only the root node.
func NewTable() *Table {
	t := &Table{
		nodes:       make(map[uint64]Node),
		children:    make(map[uint64]map[string]uint64),
		devices:     make(map[uint64]Device),
		deviceInos:  make(map[uint32]*roaring64.Bitmap),
		deviceByNum: make(map[uint32]uint64),
		stats:       make(map[uint64]statEntry),
		lookups:     make(map[uint64]uint64),
		lastIno:     reservedEnd,
	}
	t.nodes[RootIno] = Node{Ino: RootIno, Parent: RootIno, Name: "/", Device: 0}
	t.children[RootIno] = make(map[string]uint64)
	t.deviceInos[0] = roaring64.New()
	t.deviceInos[0].Add(RootIno)
	return t
}

// validName rejects empty names, ".", "..", and anything containing a
// path separator.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsRune(name, '/')
}

// Create inserts a new child of parent. A zero ino auto-assigns from the
// monotonic counter. Returns EINVAL for a malformed name or missing
// parent, EEXIST for an occupied (parent, name) slot or ino.
func (t *Table) Create(parent uint64, name string, ino uint64) (Node, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createLocked(parent, name, ino)
}

func (t *Table) createLocked(parent uint64, name string, ino uint64) (Node, syscall.Errno) {
	if !validName(name) {
		return Node{}, syscall.EINVAL
	}
	parentNode, ok := t.nodes[parent]
	if !ok {
		return Node{}, syscall.EINVAL
	}
	key := "/" + name
	if _, ok := t.children[parent][key]; ok {
		return Node{}, syscall.EEXIST
	}
	if ino == 0 {
		t.lastIno++
		ino = t.lastIno
	} else if _, ok := t.nodes[ino]; ok {
		return Node{}, syscall.EEXIST
	}

	node := Node{Ino: ino, Parent: parent, Name: key, Device: parentNode.Device}
	t.nodes[ino] = node
	if t.children[parent] == nil {
		t.children[parent] = make(map[string]uint64)
	}
	t.children[parent][key] = ino
	t.children[ino] = make(map[string]uint64)
	t.deviceInos[node.Device].Add(ino)
	return node, 0
}

// Ensure resolves (parent, name), creating the node if absent. This is
// the idempotent resolve-or-create used when materializing remote
// listings lazily.
func (t *Table) Ensure(parent uint64, name string, ino uint64) (Node, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !validName(name) {
		return Node{}, syscall.EINVAL
	}
	if existing, ok := t.children[parent]["/"+name]; ok {
		return t.nodes[existing], 0
	}
	return t.createLocked(parent, name, ino)
}

// Lookup resolves an ino to its node.
func (t *Table) Lookup(ino uint64) (Node, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[ino]
	if !ok {
		return Node{}, syscall.ENOENT
	}
	return node, 0
}

// LookupChild resolves (parent, name) to the child node.
func (t *Table) LookupChild(parent uint64, name string) (Node, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "/" && parent == 0 {
		// Lookup(0, "/") is defined to return the root.
		return t.nodes[RootIno], 0
	}
	if !validName(name) {
		return Node{}, syscall.EINVAL
	}
	ino, ok := t.children[parent]["/"+name]
	if !ok {
		return Node{}, syscall.ENOENT
	}
	return t.nodes[ino], 0
}

// Move renames and/or reparents a node. The root can never move, a node
// cannot become its own parent, and moves never cross device
// boundaries. A pre-existing node at the destination slot is deleted
// first, subtree included; this mirrors rename-without-no-replace
// semantics.
//
// Only the direct self-parent case is rejected. Moving a node beneath
// one of its deeper descendants is not detected; callers get the same
// undefined shape the kernel would have produced. This matches the
// original contract and is deliberately left as-is.
func (t *Table) Move(ino, newParent uint64, newName string) (Node, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[ino]
	if !ok || ino == RootIno {
		return Node{}, syscall.EINVAL
	}
	if !validName(newName) {
		return Node{}, syscall.EINVAL
	}
	parentNode, ok := t.nodes[newParent]
	if !ok || newParent == ino {
		return Node{}, syscall.EINVAL
	}
	if parentNode.Device != node.Device {
		return Node{}, syscall.ENOTSUP
	}

	key := "/" + newName
	if existing, ok := t.children[newParent][key]; ok && existing != ino {
		t.removeSubtreeLocked(existing)
	}

	delete(t.children[node.Parent], node.Name)
	node.Parent = newParent
	node.Name = key
	t.nodes[ino] = node
	t.children[newParent][key] = ino
	return node, 0
}

// Ref records one kernel lookup reference on ino. Every entry record
// delivered to the kernel adds one; Forget takes them away.
func (t *Table) Ref(ino uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[ino]; ok {
		t.lookups[ino]++
	}
}

// Forget drops nLookup kernel references from ino and removes the node,
// with its cached stat, once none remain. Descendants are left alone;
// the kernel forgets each ino it looked up individually. Reserved inos,
// unknown inos, and device anchors are refused (devices only go away
// through DetachDevice). Returns true when the node was removed.
func (t *Table) Forget(ino, nLookup uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino <= reservedEnd {
		return false
	}
	if _, ok := t.devices[ino]; ok {
		return false
	}
	node, ok := t.nodes[ino]
	if !ok {
		return false
	}
	if remaining := t.lookups[ino]; remaining > nLookup {
		t.lookups[ino] = remaining - nLookup
		return false
	}
	t.removeLocked(node)
	return true
}

// Drop removes a node outright, regardless of kernel references. Used
// when the backend itself reports the entry gone. Same refusals as
// Forget.
func (t *Table) Drop(ino uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino <= reservedEnd {
		return false
	}
	if _, ok := t.devices[ino]; ok {
		return false
	}
	node, ok := t.nodes[ino]
	if !ok {
		return false
	}
	t.removeLocked(node)
	return true
}

func (t *Table) removeLocked(node Node) {
	delete(t.nodes, node.Ino)
	delete(t.stats, node.Ino)
	delete(t.lookups, node.Ino)
	delete(t.children, node.Ino)
	if siblings, ok := t.children[node.Parent]; ok {
		if siblings[node.Name] == node.Ino {
			delete(siblings, node.Name)
		}
	}
	if set, ok := t.deviceInos[node.Device]; ok {
		set.Remove(node.Ino)
	}
}

func (t *Table) removeSubtreeLocked(ino uint64) {
	for _, child := range t.children[ino] {
		t.removeSubtreeLocked(child)
	}
	if node, ok := t.nodes[ino]; ok {
		t.removeLocked(node)
	}
}

// Path composes the absolute path of a node by walking parent links.
// O(depth) per call; trees here are shallow.
func (t *Table) Path(ino uint64) (string, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pathLocked(ino)
}

func (t *Table) pathLocked(ino uint64) (string, syscall.Errno) {
	if ino == RootIno {
		return "/", 0
	}
	var segments []string
	for ino != RootIno {
		node, ok := t.nodes[ino]
		if !ok {
			return "", syscall.ENOENT
		}
		segments = append(segments, node.Name)
		ino = node.Parent
		if len(segments) > 256 {
			// A parent chain this deep means the table was driven
			// into a cycle through an unchecked descendant move.
			return "", syscall.EINVAL
		}
	}
	var b strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		b.WriteString(segments[i])
	}
	return b.String(), 0
}

// AttachDevice mounts a backend namespace directly under the root,
// creating its anchor node and allocating a device number.
func (t *Table) AttachDevice(parent uint64, dev Device, ino uint64) (Node, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parent != RootIno {
		return Node{}, syscall.EINVAL
	}
	if dev.Mode != DeviceRW && dev.Mode != DeviceRO {
		return Node{}, syscall.EINVAL
	}
	node, errno := t.createLocked(parent, dev.Name, ino)
	if errno != 0 {
		return Node{}, errno
	}

	t.lastDevice++
	dev.Number = t.lastDevice
	dev.Ino = node.Ino

	// The anchor belongs to its own device, not the root's.
	t.deviceInos[0].Remove(node.Ino)
	node.Device = dev.Number
	t.nodes[node.Ino] = node

	t.devices[node.Ino] = dev
	t.deviceByNum[dev.Number] = node.Ino
	set := roaring64.New()
	set.Add(node.Ino)
	t.deviceInos[dev.Number] = set
	return node, 0
}

// DetachDevice removes a device and forgets every node that belongs to
// it. Returns false if ino is not a device anchor.
func (t *Table) DetachDevice(ino uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	dev, ok := t.devices[ino]
	if !ok {
		return false
	}
	// Release the anchor before tearing down membership so removeLocked
	// can treat it like any other node.
	delete(t.devices, ino)

	if set, ok := t.deviceInos[dev.Number]; ok {
		for _, member := range set.ToArray() {
			if node, ok := t.nodes[member]; ok {
				t.removeLocked(node)
			}
		}
	}
	delete(t.deviceInos, dev.Number)
	delete(t.deviceByNum, dev.Number)
	return true
}

// DeviceByIno returns the device anchored at ino.
func (t *Table) DeviceByIno(ino uint64) (Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dev, ok := t.devices[ino]
	return dev, ok
}

// Devices returns a snapshot of all attached devices.
func (t *Table) Devices() []Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Device, 0, len(t.devices))
	for _, dev := range t.devices {
		out = append(out, dev)
	}
	return out
}

// DevicePath composes the backend-facing path of a node: the generic
// path with the device's own name segment replaced by the device's
// external path prefix. Internal naming and backend naming can diverge
// this way.
func (t *Table) DevicePath(ino uint64) (string, syscall.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[ino]
	if !ok {
		return "", syscall.ENOENT
	}
	path, errno := t.pathLocked(ino)
	if errno != 0 {
		return "", errno
	}
	if node.Device == 0 {
		return path, 0
	}
	anchor, ok := t.deviceByNum[node.Device]
	if !ok {
		return "", syscall.ENOENT
	}
	dev := t.devices[anchor]
	remainder := strings.TrimPrefix(path, "/"+dev.Name)
	full := dev.PathPrefix + remainder
	if full == "" {
		full = "/"
	}
	return full, 0
}

// SetStat caches a stat for ino. ttl is in seconds; zero pins the entry
// until it is explicitly invalidated, negative values are already
// expired.
func (t *Table) SetStat(ino uint64, attr fuse.Attr, ttl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := statEntry{attr: attr}
	if ttl != 0 {
		entry.expiry = time.Now().Add(time.Duration(ttl * float64(time.Second)))
	}
	t.stats[ino] = entry
}

// GetStat returns the cached stat for ino. Expired entries are evicted
// lazily here.
func (t *Table) GetStat(ino uint64) (fuse.Attr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.stats[ino]
	if !ok {
		return fuse.Attr{}, false
	}
	if !entry.expiry.IsZero() && !time.Now().Before(entry.expiry) {
		delete(t.stats, ino)
		return fuse.Attr{}, false
	}
	return entry.attr, true
}

// ForgetStat drops the cached stat for ino.
func (t *Table) ForgetStat(ino uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, ino)
}

// Len reports the number of live nodes, root included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
