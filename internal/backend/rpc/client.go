package rpc

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/gatefs/gatefs/internal/backend"
)

// sessionIDKey carries the mount session through every call so the
// agent can tell gateways apart in its logs.
const sessionIDKey = "gatefs-session-id"

// Client is a backend.Provider talking to a remote agent.
type Client struct {
	conn    *grpc.ClientConn
	session string
	owned   bool
}

var _ backend.Provider = (*Client)(nil)

type clientOptions struct {
	dialOptions []grpc.DialOption
}

// Option configures Dial.
type Option func(*clientOptions)

// WithDialOptions appends extra grpc dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *clientOptions) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// Dial connects to an agent at target. The connection is owned by the
// returned client and closed with it.
func Dial(target string, opts ...Option) (*Client, error) {
	options := clientOptions{
		dialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	conn, err := grpc.NewClient(target, options.dialOptions...)
	if err != nil {
		return nil, err
	}
	client := NewClient(conn)
	client.owned = true
	return client, nil
}

// NewClient wraps an existing connection. The caller keeps ownership
// of conn.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, session: uuid.NewString()}
}

// SessionID returns the identifier sent with every call.
func (c *Client) SessionID() string {
	return c.session
}

func (c *Client) callContext(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, sessionIDKey, c.session)
}

func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) error {
	err := c.conn.Invoke(c.callContext(ctx), "/"+ServiceName+"/"+method, req, reply, grpc.ForceCodec(codec{}))
	if err != nil {
		return backend.ToErrno(err)
	}
	return nil
}

func metaFromWire(reply metaReply) backend.Meta {
	return backend.Meta{Mode: reply.Mode, Size: reply.Size, Atime: reply.Atime, Mtime: reply.Mtime, Ctime: reply.Ctime}
}

func (c *Client) Stat(ctx context.Context, path string) (backend.Meta, error) {
	var reply metaReply
	if err := c.invoke(ctx, "Stat", &statRequest{Path: path}, &reply); err != nil {
		return backend.Meta{}, err
	}
	return metaFromWire(reply), nil
}

func (c *Client) SetStat(ctx context.Context, path string, change backend.StatChange) (backend.Meta, error) {
	req := setStatRequest{Path: path, Mode: change.Mode, Size: change.Size, Atime: change.Atime, Mtime: change.Mtime}
	var reply metaReply
	if err := c.invoke(ctx, "SetStat", &req, &reply); err != nil {
		return backend.Meta{}, err
	}
	return metaFromWire(reply), nil
}

func (c *Client) ReadDir(ctx context.Context, path string, emit func(batch []backend.Entry)) error {
	desc := &grpc.StreamDesc{StreamName: "ReadDir", ServerStreams: true}
	stream, err := c.conn.NewStream(c.callContext(ctx), desc, "/"+ServiceName+"/ReadDir", grpc.ForceCodec(codec{}))
	if err != nil {
		return backend.ToErrno(err)
	}
	if err := stream.SendMsg(&readDirRequest{Path: path}); err != nil {
		return backend.ToErrno(err)
	}
	if err := stream.CloseSend(); err != nil {
		return backend.ToErrno(err)
	}
	for {
		var batch readDirBatch
		if err := stream.RecvMsg(&batch); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return backend.ToErrno(err)
		}
		entries := make([]backend.Entry, len(batch.Entries))
		for i, e := range batch.Entries {
			entries[i] = backend.Entry{Name: e.Name, Mode: e.Mode}
		}
		emit(entries)
	}
}

func (c *Client) Open(ctx context.Context, path string, flags uint32) (uint64, error) {
	var reply openReply
	if err := c.invoke(ctx, "Open", &openRequest{Path: path, Flags: flags}, &reply); err != nil {
		return 0, err
	}
	return reply.Desc, nil
}

func (c *Client) Read(ctx context.Context, path string, desc, offset uint64, size uint32) ([]byte, error) {
	var reply readReply
	req := readRequest{Path: path, Desc: desc, Offset: offset, Size: size}
	if err := c.invoke(ctx, "Read", &req, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (c *Client) Write(ctx context.Context, path string, desc, offset uint64, data []byte) (uint32, error) {
	var reply writeReply
	req := writeRequest{Path: path, Desc: desc, Offset: offset, Data: data}
	if err := c.invoke(ctx, "Write", &req, &reply); err != nil {
		return 0, err
	}
	return reply.Written, nil
}

func (c *Client) Release(ctx context.Context, desc uint64) error {
	var reply emptyReply
	return c.invoke(ctx, "Release", &releaseRequest{Desc: desc}, &reply)
}

func (c *Client) Create(ctx context.Context, path string, mode uint32) (backend.Meta, uint64, error) {
	var reply createReply
	if err := c.invoke(ctx, "Create", &createRequest{Path: path, Mode: mode}, &reply); err != nil {
		return backend.Meta{}, 0, err
	}
	return metaFromWire(reply.Meta), reply.Desc, nil
}

func (c *Client) Mkdir(ctx context.Context, path string, mode uint32) (backend.Meta, error) {
	var reply metaReply
	if err := c.invoke(ctx, "Mkdir", &mkdirRequest{Path: path, Mode: mode}, &reply); err != nil {
		return backend.Meta{}, err
	}
	return metaFromWire(reply), nil
}

func (c *Client) Unlink(ctx context.Context, path string) error {
	var reply emptyReply
	return c.invoke(ctx, "Unlink", &pathRequest{Path: path}, &reply)
}

func (c *Client) Rmdir(ctx context.Context, path string) error {
	var reply emptyReply
	return c.invoke(ctx, "Rmdir", &pathRequest{Path: path}, &reply)
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	var reply emptyReply
	return c.invoke(ctx, "Rename", &renameRequest{OldPath: oldPath, NewPath: newPath}, &reply)
}

func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}
