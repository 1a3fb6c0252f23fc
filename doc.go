// Package dedupfs provides content-deduplicated file storage.
//
// Files are stored by name, but their bytes are stored by hash: two names
// holding identical content share one blob. An Index binds each name to the
// hash of its current content and a Store holds the blobs. The Engine is the
// only component that decides when a blob is written or removed.
//
// Basic usage:
//
//	blobs, _ := store.NewLocalStore("/var/lib/dedupfs/blobs", 4096, 3, true)
//	idx, _ := index.OpenBoltIndex("/var/lib/dedupfs/index.db")
//	engine, _ := dedupfs.New(blobs, idx, dedupfs.WithLogger(logger))
//
//	engine.Create(ctx, "a.txt", "txt", strings.NewReader("hello"))
//	engine.Create(ctx, "b.txt", "txt", strings.NewReader("hello")) // same blob
//
//	dl, _ := engine.Get(ctx, "a.txt")
//	defer dl.Close()
//	io.Copy(w, dl)
//
//	engine.Delete(ctx, "a.txt") // blob kept, b.txt still references it
//	engine.Delete(ctx, "b.txt") // blob removed
//
// Writes follow a fixed order: the index row is written before the blob and
// removed before its blob is reclaimed. Reclaiming counts references by
// scanning the index and is not atomic with concurrent writers; see Engine.
//
// Backups are whole-store snapshots pushed to and pulled from an OCI
// registry with Push and Pull.
package dedupfs
