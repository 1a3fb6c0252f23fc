// Package staging buffers request payloads in temporary files.
//
// Every inbound upload and outbound download passes through a File that lives
// for exactly one request. A File is acquired, written (hashing as it goes),
// sealed, read back any number of times, and released. Release is idempotent
// and must run on every exit path; callers defer it right after Acquire.
package staging

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrReleased = errors.New("staging: file released")
	ErrSealed   = errors.New("staging: file sealed")
	ErrTooLarge = errors.New("staging: payload exceeds size limit")
)

// Area is a directory holding staged files.
type Area struct {
	dir string
}

// NewArea creates dir if needed. An empty dir selects a subdirectory of the
// system temp directory.
func NewArea(dir string) (*Area, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "dedupfs-staging")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("staging: create directory: %w", err)
	}
	return &Area{dir: dir}, nil
}

func (a *Area) Dir() string { return a.dir }

// Acquire creates an empty staged file. h receives every written byte; it may
// be nil when no fingerprint is needed.
func (a *Area) Acquire(h hash.Hash) (*File, error) {
	path := filepath.Join(a.dir, "stage-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("staging: create file: %w", err)
	}
	return &File{path: path, w: f, hasher: h}, nil
}

// Fill acquires a file and copies r into it, stopping with ErrTooLarge once
// more than limit bytes arrive (limit <= 0 disables the check). The returned
// file is sealed. On error nothing is left behind.
func (a *Area) Fill(r io.Reader, h hash.Hash, limit int64) (*File, error) {
	f, err := a.Acquire(h)
	if err != nil {
		return nil, err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Release()
		return nil, err
	}
	if limit > 0 && f.Size() > limit {
		_ = f.Release()
		return nil, ErrTooLarge
	}
	if err := f.Seal(); err != nil {
		_ = f.Release()
		return nil, err
	}
	return f, nil
}

// File is one staged payload.
type File struct {
	path   string
	hasher hash.Hash

	mu       sync.Mutex
	w        *os.File
	size     int64
	sum      string
	readers  []io.Closer
	released bool
}

// Write appends to the file and feeds the hasher.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return 0, ErrReleased
	}
	if f.w == nil {
		return 0, ErrSealed
	}

	n, err := f.w.Write(p)
	if f.hasher != nil {
		f.hasher.Write(p[:n])
	}
	f.size += int64(n)
	return n, err
}

// Seal closes the write handle and fixes the hash. Further writes fail.
func (f *File) Seal() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return ErrReleased
	}
	if f.w == nil {
		return nil
	}
	err := f.w.Close()
	f.w = nil
	if f.hasher != nil {
		f.sum = hex.EncodeToString(f.hasher.Sum(nil))
	}
	return err
}

// Hash returns the lowercase hex digest of everything written. Empty until
// the file is sealed or when no hasher was given.
func (f *File) Hash() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sum
}

func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Open returns a reader over the sealed content. Readers are closed by
// Release if the caller has not closed them already.
func (f *File) Open() (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return nil, ErrReleased
	}
	if f.w != nil {
		return nil, fmt.Errorf("staging: file not sealed")
	}
	r, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("staging: open file: %w", err)
	}
	f.readers = append(f.readers, r)
	return r, nil
}

// Release closes every handle and removes the file. Safe to call repeatedly.
func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return nil
	}
	f.released = true

	if f.w != nil {
		_ = f.w.Close()
		f.w = nil
	}
	for _, r := range f.readers {
		_ = r.Close()
	}
	f.readers = nil

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("staging: remove file: %w", err)
	}
	return nil
}
