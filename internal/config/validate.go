package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/aweris/dedupfs/internal/logging"
)

var (
	ErrReadConfig           = errors.New("config: read config file")
	ErrDecodeConfig         = errors.New("config: decode config")
	ErrEmptyDataDir         = errors.New("config: data_dir cannot be empty")
	ErrInvalidListenAddr    = errors.New("config: invalid listen address")
	ErrInvalidIndexBackend  = errors.New("config: index.backend must be \"bolt\", \"redis\", or \"memory\"")
	ErrInvalidBlobsBackend  = errors.New("config: blobs.backend must be \"local\" or \"memory\"")
	ErrInvalidHashAlgorithm = errors.New("config: hash.algorithm must be \"md5\" or \"blake3\"")
	ErrInvalidExtensions    = errors.New("config: invalid upload extensions")
	ErrInvalidCompression   = errors.New("config: blobs.compression_level must be between 1 and 3")
	ErrInvalidLogConfig     = errors.New("config: invalid log settings")
	ErrInvalidLimit         = errors.New("config: value must not be negative")
)

func wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Validate returns the first problem found, or nil.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		return wrap(ErrInvalidListenAddr, err)
	}
	if c.Server.MaxUploadBytes < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: server limits", ErrInvalidLimit)
	}

	switch c.Index.Backend {
	case IndexBolt, IndexMemory:
	case IndexRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required", ErrInvalidIndexBackend)
		}
	default:
		return ErrInvalidIndexBackend
	}

	switch c.Blobs.Backend {
	case BlobsLocal, BlobsMemory:
	default:
		return ErrInvalidBlobsBackend
	}
	if c.Blobs.Compression && (c.Blobs.CompressionLevel < 1 || c.Blobs.CompressionLevel > 3) {
		return ErrInvalidCompression
	}

	switch strings.ToLower(c.Hash.Algorithm) {
	case "md5", "blake3":
	default:
		return ErrInvalidHashAlgorithm
	}

	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("%w: allow-list is empty", ErrInvalidExtensions)
	}
	def := strings.ToLower(strings.TrimPrefix(c.Upload.DefaultExtension, "."))
	allowed := slices.ContainsFunc(c.Upload.AllowedExtensions, func(ext string) bool {
		return strings.ToLower(strings.TrimPrefix(ext, ".")) == def
	})
	if !allowed {
		return fmt.Errorf("%w: default %q is not allowed", ErrInvalidExtensions, c.Upload.DefaultExtension)
	}

	if c.GC.GracePeriod < 0 || c.GC.Concurrency < 0 || c.Remote.Concurrency < 0 {
		return fmt.Errorf("%w: gc or remote settings", ErrInvalidLimit)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return wrap(ErrInvalidLogConfig, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatJSON, logging.FormatConsole, "":
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidLogConfig, c.Log.Format)
	}

	return nil
}
