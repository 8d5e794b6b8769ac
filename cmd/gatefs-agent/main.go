// GateFS Agent - serves a local directory to gatefs daemons.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/gatefs/gatefs/internal/backend"
	"github.com/gatefs/gatefs/internal/backend/rpc"
)

func main() {
	addr := flag.String("listen", ":9480", "Agent listen address")
	root := flag.String("root", "", "Directory to export (required)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *root == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gatefs-agent", "listen", *addr, "root", *root)

	provider, err := backend.NewLocal(*root)
	if err != nil {
		logger.Error("failed to open export root", "root", *root, "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	rpc.RegisterProvider(grpcServer, provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("agent listening", "addr", *addr)
		return grpcServer.Serve(lis)
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		stopCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopCh)
		}()
		select {
		case <-stopCh:
			logger.Info("agent stopped gracefully")
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timeout, forcing stop")
			grpcServer.Stop()
		}
		return nil
	})

	if err := group.Wait(); err != nil && err != grpc.ErrServerStopped {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
