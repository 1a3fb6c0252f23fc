package dedupfs

import (
	"context"

	"github.com/aweris/dedupfs/internal/index"
	"github.com/aweris/dedupfs/internal/remote"
	"github.com/aweris/dedupfs/internal/store"
)

// Store is the blob backend contract.
// Re-exported from internal/store for convenience.
type Store = store.Store

// BlobInfo describes one stored blob.
type BlobInfo = store.BlobInfo

// Index is the metadata backend contract.
// Re-exported from internal/index for convenience.
type Index = index.Index

// FileRecord binds a name to the hash of its current content.
type FileRecord = index.FileRecord

// Snapshot is a self-contained copy of the index and its referenced blobs.
type Snapshot = remote.Snapshot

// Remote stores and retrieves snapshots.
type Remote interface {
	Push(ctx context.Context, snap Snapshot) (ref string, err error)
	Pull(ctx context.Context) (Snapshot, error)
}
