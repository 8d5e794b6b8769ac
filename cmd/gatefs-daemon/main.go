// GateFS daemon - mounts the virtual filesystem gateway.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatefs/gatefs/internal/backend"
	"github.com/gatefs/gatefs/internal/backend/rpc"
	"github.com/gatefs/gatefs/internal/gateway"
	"github.com/gatefs/gatefs/internal/inode"
	"github.com/gatefs/gatefs/internal/metacache"
)

const exSoftware = 70

func main() {
	mountpoint := flag.String("mount", "", "Mount point (required)")
	backendAddr := flag.String("backend", "localhost:9480", "GateFS agent address")
	fakeBackend := flag.Bool("fake-backend", false, "Use an in-memory backend instead of an agent")
	storageName := flag.String("storage-name", "storage", "Name the backend is mounted under")
	storagePrefix := flag.String("storage-prefix", "/", "Backend path prefix for the mounted device")
	storageMode := flag.String("storage-mode", "rw", "Device mode: rw or ro")
	cacheDir := flag.String("cache", "", "Metadata cache directory (optional, disables cache if empty)")
	keepCache := flag.Bool("keep-cache", false, "Keep existing cache on mount (default: clear cache)")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the filesystem")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *mountpoint == "" {
		flag.Usage()
		os.Exit(1)
	}

	var mode inode.DeviceMode
	switch *storageMode {
	case "rw":
		mode = inode.DeviceRW
	case "ro":
		mode = inode.DeviceRO
	default:
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

	logger.Info("starting gatefs-daemon",
		"mount", *mountpoint,
		"backend", *backendAddr,
		"fake", *fakeBackend,
		"storage", *storageName,
		"mode", *storageMode,
		"cache", *cacheDir,
	)

	// Connect the backend provider
	var provider backend.Provider
	if *fakeBackend {
		provider = backend.NewMemory()
		logger.Info("using in-memory backend")
	} else {
		client, err := rpc.Dial(*backendAddr)
		if err != nil {
			logger.Error("failed to connect to agent", "addr", *backendAddr, "error", err)
			os.Exit(exSoftware)
		}
		logger.Info("connected to agent", "addr", *backendAddr, "session", client.SessionID())
		provider = client
	}

	// Wrap with the metadata cache if a directory was given
	if *cacheDir != "" {
		if !*keepCache {
			logger.Info("clearing cache directory", "dir", *cacheDir)
			if err := os.RemoveAll(*cacheDir); err != nil {
				logger.Warn("failed to clear cache directory", "error", err)
			}
		}
		cached, err := metacache.New(provider, *cacheDir, metacache.Options{Logger: logger})
		if err != nil {
			logger.Warn("failed to initialize cache, continuing without cache", "error", err)
		} else {
			provider = cached
		}
	}
	defer provider.Close()

	g := gateway.New(gateway.Options{Logger: logger})
	if _, err := g.AttachDevice(*storageName, *storagePrefix, mode, provider); err != nil {
		logger.Error("failed to attach device", "name", *storageName, "error", err)
		os.Exit(exSoftware)
	}

	session, err := gateway.NewSession(g, *mountpoint, gateway.SessionOptions{
		AllowOther: *allowOther,
		Debug:      *debug,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to mount", "error", err)
		os.Exit(exSoftware)
	}

	if err := session.Start(func(reason error) {
		logger.Info("session stopped", "reason", reason)
	}); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(exSoftware)
	}

	logger.Info("filesystem mounted", "mountpoint", *mountpoint)

	// Handle unmount on signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, unmounting", "signal", sig)
		if err := session.Unmount(); err != nil {
			logger.Error("unmount error", "error", err)
		}
	}()

	// Wait for unmount
	session.Wait()
	logger.Info("filesystem unmounted")
}
