// Package store implements the content-addressed blob layer.
//
// A blob is an anonymous byte sequence keyed by its content hash. The store
// knows nothing about names or reference counts; deciding when a blob may be
// deleted belongs to the dedupfs engine.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound indicates no blob is stored under the given hash.
	ErrNotFound = errors.New("store: blob not found")

	// ErrInvalidHash indicates the hash is not a lowercase hex string of a
	// supported digest length.
	ErrInvalidHash = errors.New("store: invalid content hash")
)

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Hash    string
	Size    int64 // bytes at rest, after compression
	ModTime time.Time
}

// Store handles blob storage.
type Store interface {
	// Exists reports whether a blob with exactly this hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)

	// Put stores the full content read from r under hash. Writing a hash that
	// is already present replaces it with identical bytes.
	Put(ctx context.Context, hash string, r io.Reader) error

	// Get opens the blob for reading. Returns ErrNotFound if absent.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, hash string) error

	// Walk calls fn for every stored blob, in no particular order.
	Walk(ctx context.Context, fn func(BlobInfo) error) error
}

// ValidateHash accepts 32 (MD5) or 64 (BLAKE3) lowercase hex characters.
// Anything else could escape the sharded directory layout.
func ValidateHash(hash string) error {
	if len(hash) != 32 && len(hash) != 64 {
		return ErrInvalidHash
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidHash
		}
	}
	return nil
}
