package cmd

import (
	"context"
	"fmt"

	"github.com/aweris/dedupfs"
	"github.com/aweris/dedupfs/internal/config"
	"github.com/aweris/dedupfs/internal/index"
	"github.com/aweris/dedupfs/internal/logging"
	"github.com/aweris/dedupfs/internal/remote"
	"github.com/aweris/dedupfs/internal/staging"
	"github.com/aweris/dedupfs/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app holds everything a command needs, built once from the loaded config.
type app struct {
	engine   *dedupfs.Engine
	logger   *zap.Logger
	registry *prometheus.Registry
	idx      dedupfs.Index
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobs(cfg)
	if err != nil {
		return nil, err
	}
	idx, err := openIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}

	area, err := staging.NewArea(cfg.Staging.Dir)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	hasher, err := dedupfs.NewHasher(cfg.Hash.Algorithm)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	engine, err := dedupfs.New(blobs, idx,
		dedupfs.WithHasher(hasher),
		dedupfs.WithStaging(area),
		dedupfs.WithAllowedExtensions(cfg.Upload.AllowedExtensions...),
		dedupfs.WithDefaultExtension(cfg.Upload.DefaultExtension),
		dedupfs.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		dedupfs.WithGracePeriod(cfg.GC.GracePeriod),
		dedupfs.WithConcurrency(cfg.GC.Concurrency),
		dedupfs.WithLogger(logger),
		dedupfs.WithRegisterer(registry),
	)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	return &app{engine: engine, logger: logger, registry: registry, idx: idx}, nil
}

func (a *app) Close() error {
	err := a.idx.Close()
	_ = a.logger.Sync()
	return err
}

func openBlobs(cfg *config.Config) (dedupfs.Store, error) {
	switch cfg.Blobs.Backend {
	case config.BlobsMemory:
		return store.NewMemoryStore(), nil
	default:
		return store.NewLocalStore(cfg.Blobs.Dir, blobCacheSize(cfg), cfg.Blobs.CompressionLevel, cfg.Blobs.Compression)
	}
}

// blobCacheSize enables the existence cache only with the bolt index. Its
// file lock keeps every other dedupfs process off the data directory, so no
// one else can delete a blob behind the cache.
func blobCacheSize(cfg *config.Config) int {
	if cfg.Index.Backend != config.IndexBolt {
		return 0
	}
	return cfg.Blobs.CacheSize
}

func openIndex(ctx context.Context, cfg *config.Config) (dedupfs.Index, error) {
	switch cfg.Index.Backend {
	case config.IndexMemory:
		return index.NewMemoryIndex(), nil
	case config.IndexRedis:
		return index.OpenRedisIndex(ctx, index.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return index.OpenBoltIndex(cfg.Index.Path)
	}
}

// openRemote resolves the backup target from the argument or remote.ref.
func openRemote(cfg *config.Config, logger *zap.Logger, ref string) (*remote.OCIRemote, error) {
	if ref == "" {
		ref = cfg.Remote.Ref
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: pass a ref or set remote.ref", dedupfs.ErrNoRemote)
	}
	auth := remote.NewBasicAuthenticator(cfg.Remote.Username, cfg.Remote.Password)
	r, err := remote.NewOCIRemote(ref, auth, logger)
	if err != nil {
		return nil, err
	}
	r.SetConcurrency(cfg.Remote.Concurrency)
	return r, nil
}

// closeWith folds a close error into the command's result.
func closeWith(c interface{ Close() error }, err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
