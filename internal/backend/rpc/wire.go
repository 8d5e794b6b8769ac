package rpc

// Wire messages of the provider service. Field names are kept short
// because deterministic CBOR encodes map keys as text.

type statRequest struct {
	Path string `cbor:"p"`
}

type metaReply struct {
	Mode  uint32 `cbor:"m"`
	Size  uint64 `cbor:"s"`
	Atime int64  `cbor:"a"`
	Mtime int64  `cbor:"t"`
	Ctime int64  `cbor:"c"`
}

type setStatRequest struct {
	Path  string  `cbor:"p"`
	Mode  *uint32 `cbor:"m,omitempty"`
	Size  *uint64 `cbor:"s,omitempty"`
	Atime *int64  `cbor:"a,omitempty"`
	Mtime *int64  `cbor:"t,omitempty"`
}

type readDirRequest struct {
	Path string `cbor:"p"`
}

type dirEntry struct {
	Name string `cbor:"n"`
	Mode uint32 `cbor:"m"`
}

type readDirBatch struct {
	Entries []dirEntry `cbor:"e"`
}

type openRequest struct {
	Path  string `cbor:"p"`
	Flags uint32 `cbor:"f"`
}

type openReply struct {
	Desc uint64 `cbor:"d"`
}

type readRequest struct {
	Path   string `cbor:"p"`
	Desc   uint64 `cbor:"d"`
	Offset uint64 `cbor:"o"`
	Size   uint32 `cbor:"s"`
}

type readReply struct {
	Data []byte `cbor:"b"`
}

type writeRequest struct {
	Path   string `cbor:"p"`
	Desc   uint64 `cbor:"d"`
	Offset uint64 `cbor:"o"`
	Data   []byte `cbor:"b"`
}

type writeReply struct {
	Written uint32 `cbor:"w"`
}

type releaseRequest struct {
	Desc uint64 `cbor:"d"`
}

type createRequest struct {
	Path string `cbor:"p"`
	Mode uint32 `cbor:"m"`
}

type createReply struct {
	Meta metaReply `cbor:"a"`
	Desc uint64    `cbor:"d"`
}

type mkdirRequest struct {
	Path string `cbor:"p"`
	Mode uint32 `cbor:"m"`
}

type pathRequest struct {
	Path string `cbor:"p"`
}

type renameRequest struct {
	OldPath string `cbor:"o"`
	NewPath string `cbor:"n"`
}

type emptyReply struct{}
