package dedupfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aweris/dedupfs/internal/index"
	"github.com/aweris/dedupfs/internal/staging"
	"github.com/aweris/dedupfs/internal/store"
	"go.uber.org/zap"
)

// MaxNameLength bounds a file name in bytes.
const MaxNameLength = 1024

// Result reports what a successful write or delete did.
type Result int

const (
	Created Result = iota + 1
	Updated
	Deleted
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Engine coordinates the index and the blob store. It owns every blob
// lifecycle decision and holds no mutable state of its own; concurrent calls
// are safe and interleave freely.
//
// Two check-then-act sequences are deliberately not atomic. Concurrent writers
// of the same new content may both pass Exists and both Put, which is harmless
// because a hash always maps to the same bytes. A reclaim may count zero
// references for a hash just before another writer's index row for that hash
// lands, deleting a blob that is about to be referenced again; the later Get
// then fails with ErrBlobMissing. Likewise a failed blob write after a
// successful index write leaves a dangling reference. Neither case is
// repaired automatically; GC reports dangling records.
type Engine struct {
	blobs   Store
	idx     Index
	hasher  Hasher
	staging *staging.Area

	allowed    map[string]struct{}
	defaultExt string
	maxUpload  int64

	grace       time.Duration
	concurrency int

	logger  *zap.Logger
	metrics *metrics
	now     func() time.Time
}

// New builds an engine over the given backends.
func New(blobs Store, idx Index, opts ...Option) (*Engine, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	area := options.Staging
	if area == nil {
		var err error
		if area, err = staging.NewArea(""); err != nil {
			return nil, err
		}
	}

	allowed := make(map[string]struct{}, len(options.AllowedExtensions))
	for _, ext := range options.AllowedExtensions {
		allowed[normalizeExtension(ext)] = struct{}{}
	}
	defaultExt := normalizeExtension(options.DefaultExtension)
	if _, ok := allowed[defaultExt]; !ok {
		return nil, fmt.Errorf("dedupfs: default extension %q is not in the allow-list", defaultExt)
	}

	return &Engine{
		blobs:       blobs,
		idx:         idx,
		hasher:      options.Hasher,
		staging:     area,
		allowed:     allowed,
		defaultExt:  defaultExt,
		maxUpload:   options.MaxUploadBytes,
		grace:       options.GracePeriod,
		concurrency: options.Concurrency,
		logger:      options.Logger,
		metrics:     newMetrics(options.Registerer),
		now:         options.Now,
	}, nil
}

// Hasher returns the fingerprint algorithm in use.
func (e *Engine) Hasher() Hasher { return e.hasher }

// MaxUploadBytes returns the configured payload cap; zero or less means none.
func (e *Engine) MaxUploadBytes() int64 { return e.maxUpload }

// Create binds name to the content of r. It fails with ErrConflict when the
// name is already bound, whatever the new content, and never touches the blob
// store in that case. An empty ext selects the default extension.
func (e *Engine) Create(ctx context.Context, name, ext string, r io.Reader) (res Result, err error) {
	defer func() { e.metrics.observe("create", err, "created") }()

	ext, err = e.admit(name, ext)
	if err != nil {
		return 0, err
	}
	staged, err := e.stage(r)
	if err != nil {
		return 0, err
	}
	defer staged.Release()

	now := e.now().UTC()
	rec := FileRecord{
		Name:      name,
		Hash:      staged.Hash(),
		Extension: ext,
		Size:      staged.Size(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.idx.Create(ctx, rec); err != nil {
		if errors.Is(err, index.ErrAlreadyExists) {
			return 0, fmt.Errorf("%w: %q", ErrConflict, name)
		}
		return 0, storageErr("create record", err)
	}

	if err := e.ensureBlob(ctx, staged); err != nil {
		e.logger.Error("record written but blob write failed",
			zap.String("name", name), zap.String("hash", rec.Hash), zap.Error(err))
		return 0, err
	}

	e.logger.Debug("created file", zap.String("name", name), zap.String("hash", rec.Hash), zap.Int64("size", rec.Size))
	return Created, nil
}

// Update binds name to the content of r whether or not it was bound before.
// It returns Created for a fresh name and Updated otherwise. When the content
// changes, the previous blob is reclaimed once nothing references it.
func (e *Engine) Update(ctx context.Context, name, ext string, r io.Reader) (res Result, err error) {
	defer func() { e.metrics.observe("update", err, res.String()) }()

	ext, err = e.admit(name, ext)
	if err != nil {
		return 0, err
	}
	staged, err := e.stage(r)
	if err != nil {
		return 0, err
	}
	defer staged.Release()

	now := e.now().UTC()
	rec := FileRecord{
		Name:      name,
		Hash:      staged.Hash(),
		Extension: ext,
		Size:      staged.Size(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	prev, err := e.idx.Replace(ctx, rec)
	if err != nil {
		return 0, storageErr("replace record", err)
	}

	if err := e.ensureBlob(ctx, staged); err != nil {
		e.logger.Error("record written but blob write failed",
			zap.String("name", name), zap.String("hash", rec.Hash), zap.Error(err))
		return 0, err
	}

	switch {
	case prev == nil:
		e.logger.Debug("created file", zap.String("name", name), zap.String("hash", rec.Hash))
		return Created, nil
	case prev.Hash == rec.Hash:
		e.logger.Debug("content unchanged", zap.String("name", name), zap.String("hash", rec.Hash))
		return Updated, nil
	}

	// The index already carries the new hash, so the old one no longer
	// counts itself.
	if err := e.reclaim(ctx, prev.Hash); err != nil {
		return 0, err
	}
	e.logger.Debug("updated file",
		zap.String("name", name), zap.String("old_hash", prev.Hash), zap.String("hash", rec.Hash))
	return Updated, nil
}

// Delete unbinds name and reclaims its blob if no other name references it.
func (e *Engine) Delete(ctx context.Context, name string) (res Result, err error) {
	defer func() { e.metrics.observe("delete", err, "deleted") }()

	rec, err := e.lookup(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := e.idx.Delete(ctx, name); err != nil {
		return 0, storageErr("delete record", err)
	}
	if err := e.reclaim(ctx, rec.Hash); err != nil {
		return 0, err
	}

	e.logger.Debug("deleted file", zap.String("name", name), zap.String("hash", rec.Hash))
	return Deleted, nil
}

// Download is the content of one file staged for a single response. Close
// releases the staged copy and must be called on every path.
type Download struct {
	io.Reader
	Record FileRecord

	file *staging.File
	size int64
}

// Size is the number of bytes Read will yield.
func (d *Download) Size() int64 { return d.size }

func (d *Download) Close() error { return d.file.Release() }

// Get stages the content bound to name. The caller owns the returned Download.
func (e *Engine) Get(ctx context.Context, name string) (dl *Download, err error) {
	defer func() { e.metrics.observe("get", err, "ok") }()

	rec, err := e.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	rc, err := e.blobs.Get(ctx, rec.Hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("dangling record", zap.String("name", name), zap.String("hash", rec.Hash))
			return nil, fmt.Errorf("%w: %q references %s", ErrBlobMissing, name, rec.Hash)
		}
		return nil, storageErr("get blob", err)
	}
	defer rc.Close()

	f, err := e.staging.Acquire(nil)
	if err != nil {
		return nil, storageErr("stage download", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Release()
		return nil, storageErr("read blob", err)
	}
	if err := f.Seal(); err != nil {
		_ = f.Release()
		return nil, storageErr("stage download", err)
	}
	r, err := f.Open()
	if err != nil {
		_ = f.Release()
		return nil, storageErr("stage download", err)
	}

	return &Download{Reader: r, Record: rec, file: f, size: f.Size()}, nil
}

// Stat returns the record bound to name without touching the blob store.
func (e *Engine) Stat(ctx context.Context, name string) (FileRecord, error) {
	return e.lookup(ctx, name)
}

func (e *Engine) lookup(ctx context.Context, name string) (FileRecord, error) {
	rec, err := e.idx.Get(ctx, name)
	if errors.Is(err, index.ErrNotFound) {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return FileRecord{}, storageErr("get record", err)
	}
	return rec, nil
}

// admit validates name and resolves ext against the allow-list.
func (e *Engine) admit(name, ext string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	ext = normalizeExtension(ext)
	if ext == "" {
		ext = e.defaultExt
	}
	if _, ok := e.allowed[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
	}
	return ext, nil
}

func (e *Engine) stage(r io.Reader) (*staging.File, error) {
	if r == nil {
		return nil, ErrEmptyContent
	}
	f, err := e.staging.Fill(r, e.hasher.New(), e.maxUpload)
	if errors.Is(err, staging.ErrTooLarge) {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, e.maxUpload)
	}
	if err != nil {
		return nil, storageErr("stage upload", err)
	}
	if f.Size() == 0 {
		_ = f.Release()
		return nil, ErrEmptyContent
	}
	return f, nil
}

// ensureBlob uploads the staged content unless the store already holds it.
func (e *Engine) ensureBlob(ctx context.Context, f *staging.File) error {
	hash := f.Hash()
	ok, err := e.blobs.Exists(ctx, hash)
	if err != nil {
		return storageErr("check blob", err)
	}
	if ok {
		e.metrics.deduplicated.Inc()
		return nil
	}

	r, err := f.Open()
	if err != nil {
		return storageErr("open staged upload", err)
	}
	defer r.Close()

	if err := e.blobs.Put(ctx, hash, r); err != nil {
		return storageErr("put blob", err)
	}
	e.metrics.written.Inc()
	return nil
}

// reclaim deletes the blob for hash when no record references it. The index
// row that dropped the reference must already be written.
func (e *Engine) reclaim(ctx context.Context, hash string) error {
	n, err := e.idx.CountByHash(ctx, hash)
	if err != nil {
		return storageErr("count references", err)
	}
	if n > 0 {
		return nil
	}
	if err := e.blobs.Delete(ctx, hash); err != nil {
		return storageErr("delete blob", err)
	}
	e.metrics.reclaimed.Inc()
	e.logger.Debug("reclaimed blob", zap.String("hash", hash))
	return nil
}

// ValidateName reports whether name can be bound. Names are opaque keys but
// must be non-empty, at most MaxNameLength bytes, free of '/' and NUL, and
// not "." or "..".
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// ExtensionOf returns the lowercase extension of filename without the dot, or
// "" when it has none.
func ExtensionOf(filename string) string {
	return normalizeExtension(path.Ext(filename))
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
