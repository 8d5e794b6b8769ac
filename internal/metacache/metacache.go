// Package metacache wraps a backend provider with NutsDB-backed
// metadata caching.
package metacache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nutsdb/nutsdb"
	"golang.org/x/sync/singleflight"

	"github.com/gatefs/gatefs/internal/backend"
)

const (
	statBucket = "stat_cache"
	listBucket = "list_cache"
)

// DefaultStatTTL is the default time-to-live for cached stats.
const DefaultStatTTL = 30 * time.Second

// DefaultListTTL is the default time-to-live for cached listings.
const DefaultListTTL = 30 * time.Second

type statEntry struct {
	Mode  uint32 `json:"mode"`
	Size  uint64 `json:"size"`
	Atime int64  `json:"atime"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime"`
}

type listEntry struct {
	Name string `json:"name"`
	Mode uint32 `json:"mode"`
}

// Options configures a Provider.
type Options struct {
	StatTTL time.Duration
	ListTTL time.Duration
	Logger  *slog.Logger
}

// Provider decorates a backend.Provider with a persistent metadata
// cache. Stat and ReadDir consult the cache first; every mutation
// invalidates the affected paths before delegating.
type Provider struct {
	inner   backend.Provider
	db      *nutsdb.DB
	group   singleflight.Group
	statTTL uint32
	listTTL uint32
	logger  *slog.Logger
}

var _ backend.Provider = (*Provider)(nil)

// New opens the cache database at dir and wraps inner with it.
func New(inner backend.Provider, dir string, opts Options) (*Provider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metacache")

	statTTL := opts.StatTTL
	if statTTL <= 0 {
		statTTL = DefaultStatTTL
	}
	listTTL := opts.ListTTL
	if listTTL <= 0 {
		listTTL = DefaultListTTL
	}

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(64*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		logger.Error("failed to open cache database", "dir", dir, "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, statBucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		if err := tx.NewBucket(nutsdb.DataStructureBTree, listBucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create cache buckets", "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("metadata cache initialized", "dir", dir, "stat_ttl", statTTL, "list_ttl", listTTL)
	return &Provider{
		inner:   inner,
		db:      db,
		statTTL: uint32(statTTL.Seconds()),
		listTTL: uint32(listTTL.Seconds()),
		logger:  logger,
	}, nil
}

func cacheKey(path string) []byte {
	if path == "" {
		return []byte("/")
	}
	return []byte(path)
}

func (p *Provider) getStat(path string) (backend.Meta, bool) {
	var entry statEntry
	err := p.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(statBucket, cacheKey(path))
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return backend.Meta{}, false
	}
	p.logger.Debug("cache hit", "type", "stat", "path", path)
	return backend.Meta{Mode: entry.Mode, Size: entry.Size, Atime: entry.Atime, Mtime: entry.Mtime, Ctime: entry.Ctime}, true
}

func (p *Provider) putStat(path string, meta backend.Meta) {
	entry := statEntry{Mode: meta.Mode, Size: meta.Size, Atime: meta.Atime, Mtime: meta.Mtime, Ctime: meta.Ctime}
	err := p.db.Update(func(tx *nutsdb.Tx) error {
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return tx.Put(statBucket, cacheKey(path), data, p.statTTL)
	})
	if err != nil {
		p.logger.Warn("failed to cache stat", "path", path, "error", err)
	}
}

func (p *Provider) invalidate(path string) {
	p.db.Update(func(tx *nutsdb.Tx) error {
		tx.Delete(statBucket, cacheKey(path))
		tx.Delete(listBucket, cacheKey(path))
		return nil
	})
	p.logger.Debug("invalidated cache", "path", path)
}

func parentOf(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

// invalidateEntry drops the path itself and its parent's listing.
func (p *Provider) invalidateEntry(path string) {
	p.invalidate(path)
	p.invalidate(parentOf(path))
}

func (p *Provider) Stat(ctx context.Context, path string) (backend.Meta, error) {
	if meta, ok := p.getStat(path); ok {
		return meta, nil
	}
	// Concurrent misses on the same path collapse into one backend call.
	v, err, _ := p.group.Do(path, func() (interface{}, error) {
		meta, err := p.inner.Stat(ctx, path)
		if err != nil {
			return backend.Meta{}, err
		}
		p.putStat(path, meta)
		return meta, nil
	})
	if err != nil {
		return backend.Meta{}, err
	}
	return v.(backend.Meta), nil
}

func (p *Provider) SetStat(ctx context.Context, path string, change backend.StatChange) (backend.Meta, error) {
	meta, err := p.inner.SetStat(ctx, path, change)
	if err != nil {
		return backend.Meta{}, err
	}
	p.putStat(path, meta)
	return meta, nil
}

func (p *Provider) ReadDir(ctx context.Context, path string, emit func(batch []backend.Entry)) error {
	var cached []listEntry
	err := p.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(listBucket, cacheKey(path))
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &cached)
	})
	if err == nil {
		p.logger.Debug("cache hit", "type", "list", "path", path, "entries", len(cached))
		batch := make([]backend.Entry, len(cached))
		for i, e := range cached {
			batch[i] = backend.Entry{Name: e.Name, Mode: e.Mode}
		}
		emit(batch)
		return nil
	}

	var collected []listEntry
	err = p.inner.ReadDir(ctx, path, func(batch []backend.Entry) {
		for _, e := range batch {
			collected = append(collected, listEntry{Name: e.Name, Mode: e.Mode})
		}
		emit(batch)
	})
	if err != nil {
		return err
	}

	putErr := p.db.Update(func(tx *nutsdb.Tx) error {
		data, err := json.Marshal(collected)
		if err != nil {
			return err
		}
		return tx.Put(listBucket, cacheKey(path), data, p.listTTL)
	})
	if putErr != nil {
		p.logger.Warn("failed to cache listing", "path", path, "error", putErr)
	}
	return nil
}

func (p *Provider) Open(ctx context.Context, path string, flags uint32) (uint64, error) {
	return p.inner.Open(ctx, path, flags)
}

func (p *Provider) Read(ctx context.Context, path string, desc, offset uint64, size uint32) ([]byte, error) {
	return p.inner.Read(ctx, path, desc, offset, size)
}

func (p *Provider) Write(ctx context.Context, path string, desc, offset uint64, data []byte) (uint32, error) {
	n, err := p.inner.Write(ctx, path, desc, offset, data)
	if err == nil {
		p.invalidate(path)
	}
	return n, err
}

func (p *Provider) Release(ctx context.Context, desc uint64) error {
	return p.inner.Release(ctx, desc)
}

func (p *Provider) Create(ctx context.Context, path string, mode uint32) (backend.Meta, uint64, error) {
	meta, desc, err := p.inner.Create(ctx, path, mode)
	if err != nil {
		return backend.Meta{}, 0, err
	}
	p.invalidate(parentOf(path))
	p.putStat(path, meta)
	return meta, desc, nil
}

func (p *Provider) Mkdir(ctx context.Context, path string, mode uint32) (backend.Meta, error) {
	meta, err := p.inner.Mkdir(ctx, path, mode)
	if err != nil {
		return backend.Meta{}, err
	}
	p.invalidate(parentOf(path))
	p.putStat(path, meta)
	return meta, nil
}

func (p *Provider) Unlink(ctx context.Context, path string) error {
	if err := p.inner.Unlink(ctx, path); err != nil {
		return err
	}
	p.invalidateEntry(path)
	return nil
}

func (p *Provider) Rmdir(ctx context.Context, path string) error {
	if err := p.inner.Rmdir(ctx, path); err != nil {
		return err
	}
	p.invalidateEntry(path)
	return nil
}

func (p *Provider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := p.inner.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	p.invalidateEntry(oldPath)
	p.invalidateEntry(newPath)
	return nil
}

// Close closes the cache database and then the wrapped provider.
func (p *Provider) Close() error {
	p.logger.Info("closing metadata cache")
	if err := p.db.Close(); err != nil {
		p.inner.Close()
		return err
	}
	return p.inner.Close()
}
