package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// SessionOptions configures the kernel channel.
type SessionOptions struct {
	FsName     string
	AllowOther bool
	Debug      bool
	Logger     *slog.Logger
}

// Session owns the kernel channel for one mounted gateway. The serve
// loop reads requests until the kernel unmounts the filesystem or the
// channel fails, then reports the outcome through the stop callback.
type Session struct {
	gateway    *Gateway
	server     *fuse.Server
	logger     *slog.Logger
	mountpoint string

	stopOnce sync.Once
	done     chan struct{}
}

// NewSession mounts g at mountpoint. The session is not serving until
// Start is called.
func NewSession(g *Gateway, mountpoint string, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fsName := opts.FsName
	if fsName == "" {
		fsName = "gatefs"
	}
	server, err := fuse.NewServer(g, mountpoint, &fuse.MountOptions{
		FsName:     fsName,
		Name:       "gatefs",
		AllowOther: opts.AllowOther,
		Debug:      opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	return &Session{
		gateway:    g,
		server:     server,
		logger:     logger.With("component", "session"),
		mountpoint: mountpoint,
		done:       make(chan struct{}),
	}, nil
}

// Start begins serving kernel requests. onStopped is invoked exactly
// once, after the serve loop ends: with ENODEV when the kernel unmounts
// the filesystem, which is the only way the loop terminates.
func (s *Session) Start(onStopped func(error)) error {
	go func() {
		s.server.Serve()
		s.stopOnce.Do(func() {
			close(s.done)
			s.logger.Info("kernel channel closed", "mountpoint", s.mountpoint)
			if onStopped != nil {
				onStopped(syscall.ENODEV)
			}
		})
	}()
	if err := s.server.WaitMount(); err != nil {
		s.server.Unmount()
		return fmt.Errorf("wait mount: %w", err)
	}
	s.logger.Info("session started", "mountpoint", s.mountpoint)
	return nil
}

// Unmount asks the kernel to release the mountpoint. The serve loop
// ends once the kernel drains outstanding requests.
func (s *Session) Unmount() error {
	return s.server.Unmount()
}

// Wait blocks until the serve loop has ended.
func (s *Session) Wait() {
	s.server.Wait()
}
