package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aweris/dedupfs/internal/compression"
)

// LocalStore implements Store on the local filesystem.
//
// Storage layout:
//
//	basePath/
//	  objects/
//	    ab/cd123...  (format byte, then a zstd frame or the plain bytes)
//	  tmp/
//	    put-*        (in-flight writes, renamed into objects/ on success)
type LocalStore struct {
	basePath   string
	cache      Cache
	compressor *compression.Compressor
}

// NewLocalStore creates the directory layout under basePath.
//
// A positive cacheSize lets Exists answer from memory for hashes this store
// has already seen. That is only sound while no other process deletes blobs
// under basePath; pass 0 when the directory is shared.
func NewLocalStore(basePath string, cacheSize int, compressionLevel int, compressionEnabled bool) (*LocalStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("store: empty base path")
	}

	for _, dir := range []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "tmp"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &LocalStore{
		basePath:   basePath,
		cache:      NewLRUCache(cacheSize),
		compressor: compression.NewCompressor(compressionLevel, compressionEnabled),
	}, nil
}

// Exists checks if a blob exists.
func (s *LocalStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	if s.cache.Has(hash) {
		return true, nil
	}

	_, err := os.Stat(s.objectPath(hash))
	if err == nil {
		s.cache.Add(hash)
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Put writes to a temp file first and renames it into place, so readers never
// observe a partially written blob.
func (s *LocalStore) Put(ctx context.Context, hash string, r io.Reader) (err error) {
	if err := ValidateHash(hash); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.basePath, "tmp"), "put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w, err := s.compressor.Writer(tmp)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err = io.Copy(w, contextReader{ctx: ctx, r: r}); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to flush blob: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}

	path := s.objectPath(hash)
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}

	s.cache.Add(hash)
	return nil
}

// Get opens a blob for reading.
func (s *LocalStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}

	f, err := os.Open(s.objectPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.cache.Remove(hash)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	rc, err := s.compressor.Reader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return readCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
}

// Delete removes a blob. Missing blobs are ignored.
func (s *LocalStore) Delete(ctx context.Context, hash string) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}

	s.cache.Remove(hash)
	if err := os.Remove(s.objectPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Walk visits every blob under objects/.
func (s *LocalStore) Walk(ctx context.Context, fn func(BlobInfo) error) error {
	objectsDir := filepath.Join(s.basePath, "objects")

	shards, err := os.ReadDir(objectsDir)
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(objectsDir, shard.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to list shard %s: %w", shard.Name(), err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			hash := shard.Name() + entry.Name()
			if entry.IsDir() || ValidateHash(hash) != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return err
			}
			if err := fn(BlobInfo{Hash: hash, Size: info.Size(), ModTime: info.ModTime()}); err != nil {
				return err
			}
		}
	}
	return nil
}

// objectPath returns the filesystem path for a blob hash.
// Git-style sharding: objects/ab/cd123...
func (s *LocalStore) objectPath(hash string) string {
	return filepath.Join(s.basePath, "objects", hash[:2], hash[2:])
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
