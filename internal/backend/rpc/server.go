package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/gatefs/gatefs/internal/backend"
)

// ServiceName is the fully qualified grpc service implemented by the
// agent and consumed by the gateway.
const ServiceName = "gatefs.v1.Provider"

// server adapts a backend.Provider to the wire service. Provider errors
// travel as grpc statuses via backend.ToStatus and come back out as
// errnos through backend.ToErrno on the client.
type server struct {
	provider backend.Provider
}

// RegisterProvider exposes provider on s.
func RegisterProvider(s *grpc.Server, provider backend.Provider) {
	s.RegisterService(&serviceDesc, &server{provider: provider})
}

func metaToWire(meta backend.Meta) metaReply {
	return metaReply{Mode: meta.Mode, Size: meta.Size, Atime: meta.Atime, Mtime: meta.Mtime, Ctime: meta.Ctime}
}

func (s *server) stat(ctx context.Context, req *statRequest) (*metaReply, error) {
	meta, err := s.provider.Stat(ctx, req.Path)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	reply := metaToWire(meta)
	return &reply, nil
}

func (s *server) setStat(ctx context.Context, req *setStatRequest) (*metaReply, error) {
	change := backend.StatChange{Mode: req.Mode, Size: req.Size, Atime: req.Atime, Mtime: req.Mtime}
	meta, err := s.provider.SetStat(ctx, req.Path, change)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	reply := metaToWire(meta)
	return &reply, nil
}

func (s *server) readDir(req *readDirRequest, stream grpc.ServerStream) error {
	var sendErr error
	err := s.provider.ReadDir(stream.Context(), req.Path, func(batch []backend.Entry) {
		if sendErr != nil {
			return
		}
		wire := readDirBatch{Entries: make([]dirEntry, len(batch))}
		for i, e := range batch {
			wire.Entries[i] = dirEntry{Name: e.Name, Mode: e.Mode}
		}
		sendErr = stream.SendMsg(&wire)
	})
	if err != nil {
		return backend.ToStatus(err)
	}
	return sendErr
}

func (s *server) open(ctx context.Context, req *openRequest) (*openReply, error) {
	desc, err := s.provider.Open(ctx, req.Path, req.Flags)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	return &openReply{Desc: desc}, nil
}

func (s *server) read(ctx context.Context, req *readRequest) (*readReply, error) {
	data, err := s.provider.Read(ctx, req.Path, req.Desc, req.Offset, req.Size)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	return &readReply{Data: data}, nil
}

func (s *server) write(ctx context.Context, req *writeRequest) (*writeReply, error) {
	n, err := s.provider.Write(ctx, req.Path, req.Desc, req.Offset, req.Data)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	return &writeReply{Written: n}, nil
}

func (s *server) release(ctx context.Context, req *releaseRequest) (*emptyReply, error) {
	if err := s.provider.Release(ctx, req.Desc); err != nil {
		return nil, backend.ToStatus(err)
	}
	return &emptyReply{}, nil
}

func (s *server) create(ctx context.Context, req *createRequest) (*createReply, error) {
	meta, desc, err := s.provider.Create(ctx, req.Path, req.Mode)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	return &createReply{Meta: metaToWire(meta), Desc: desc}, nil
}

func (s *server) mkdir(ctx context.Context, req *mkdirRequest) (*metaReply, error) {
	meta, err := s.provider.Mkdir(ctx, req.Path, req.Mode)
	if err != nil {
		return nil, backend.ToStatus(err)
	}
	reply := metaToWire(meta)
	return &reply, nil
}

func (s *server) unlink(ctx context.Context, req *pathRequest) (*emptyReply, error) {
	if err := s.provider.Unlink(ctx, req.Path); err != nil {
		return nil, backend.ToStatus(err)
	}
	return &emptyReply{}, nil
}

func (s *server) rmdir(ctx context.Context, req *pathRequest) (*emptyReply, error) {
	if err := s.provider.Rmdir(ctx, req.Path); err != nil {
		return nil, backend.ToStatus(err)
	}
	return &emptyReply{}, nil
}

func (s *server) rename(ctx context.Context, req *renameRequest) (*emptyReply, error) {
	if err := s.provider.Rename(ctx, req.OldPath, req.NewPath); err != nil {
		return nil, backend.ToStatus(err)
	}
	return &emptyReply{}, nil
}

func unaryHandler[Req any, Reply any](call func(*server, context.Context, *Req) (*Reply, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*server), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/"}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(*server), ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

func readDirStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(readDirRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*server).readDir(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stat", Handler: unaryHandler((*server).stat)},
		{MethodName: "SetStat", Handler: unaryHandler((*server).setStat)},
		{MethodName: "Open", Handler: unaryHandler((*server).open)},
		{MethodName: "Read", Handler: unaryHandler((*server).read)},
		{MethodName: "Write", Handler: unaryHandler((*server).write)},
		{MethodName: "Release", Handler: unaryHandler((*server).release)},
		{MethodName: "Create", Handler: unaryHandler((*server).create)},
		{MethodName: "Mkdir", Handler: unaryHandler((*server).mkdir)},
		{MethodName: "Unlink", Handler: unaryHandler((*server).unlink)},
		{MethodName: "Rmdir", Handler: unaryHandler((*server).rmdir)},
		{MethodName: "Rename", Handler: unaryHandler((*server).rename)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ReadDir", Handler: readDirStreamHandler, ServerStreams: true},
	},
}
