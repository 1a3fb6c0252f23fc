package dedupfs

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aweris/dedupfs/internal/store"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// GCReport summarizes one garbage collection pass.
type GCReport struct {
	Scanned    int      `json:"scanned"`
	Referenced int      `json:"referenced"`
	Young      int      `json:"young"`
	Orphans    []string `json:"orphans"`
	Removed    int      `json:"removed"`
	FreedBytes int64    `json:"freed_bytes"`
	Dangling   []string `json:"dangling"` // names whose content is missing
	DryRun     bool     `json:"dry_run"`
}

// GC deletes blobs that no record references and that are older than the
// grace period. Blobs are listed before records are read, so a blob written
// for a record that lands during the pass is either too young or already
// referenced. A dedup write that re-references an old orphan while GC runs
// can still lose its blob; Get then reports ErrBlobMissing.
func (e *Engine) GC(ctx context.Context, dryRun bool) (GCReport, error) {
	report := GCReport{DryRun: dryRun}

	var blobs []BlobInfo
	if err := e.blobs.Walk(ctx, func(info BlobInfo) error {
		blobs = append(blobs, info)
		return nil
	}); err != nil {
		return report, storageErr("walk blobs", err)
	}
	report.Scanned = len(blobs)

	present := make(map[string]struct{}, len(blobs))
	for _, b := range blobs {
		present[b.Hash] = struct{}{}
	}

	referenced := make(map[string]struct{})
	var unseen []FileRecord
	if err := e.idx.Walk(ctx, func(rec FileRecord) error {
		referenced[rec.Hash] = struct{}{}
		if _, ok := present[rec.Hash]; !ok {
			unseen = append(unseen, rec)
		}
		return nil
	}); err != nil {
		return report, storageErr("walk records", err)
	}

	// Content written after the blob walk is not dangling.
	for _, rec := range unseen {
		ok, err := e.blobs.Exists(ctx, rec.Hash)
		if err != nil {
			return report, storageErr("check blob", err)
		}
		if !ok {
			report.Dangling = append(report.Dangling, rec.Name)
		}
	}
	sort.Strings(report.Dangling)

	cutoff := e.now().Add(-e.grace)
	var orphans []BlobInfo
	for _, b := range blobs {
		switch {
		case hasKey(referenced, b.Hash):
			report.Referenced++
		case b.ModTime.After(cutoff):
			report.Young++
		default:
			orphans = append(orphans, b)
			report.Orphans = append(report.Orphans, b.Hash)
		}
	}
	sort.Strings(report.Orphans)

	if dryRun || len(orphans) == 0 {
		e.logGC(report)
		return report, nil
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(e.concurrency).WithContext(ctx)
	for _, b := range orphans {
		p.Go(func(ctx context.Context) error {
			if err := e.blobs.Delete(ctx, b.Hash); err != nil {
				return storageErr("delete blob "+b.Hash, err)
			}
			e.metrics.reclaimed.Inc()
			mu.Lock()
			report.Removed++
			report.FreedBytes += b.Size
			mu.Unlock()
			return nil
		})
	}
	err := p.Wait()
	e.logGC(report)
	return report, err
}

func (e *Engine) logGC(r GCReport) {
	e.logger.Info("gc finished",
		zap.Bool("dry_run", r.DryRun),
		zap.Int("scanned", r.Scanned),
		zap.Int("orphans", len(r.Orphans)),
		zap.Int("removed", r.Removed),
		zap.Int64("freed_bytes", r.FreedBytes),
		zap.Int("dangling", len(r.Dangling)))
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// Stats describes the store as a whole.
type Stats struct {
	Files        int       `json:"files"`
	UniqueHashes int       `json:"unique_hashes"`
	LogicalBytes int64     `json:"logical_bytes"`
	UniqueBytes  int64     `json:"unique_bytes"`
	Blobs        int       `json:"blobs"`
	StoredBytes  int64     `json:"stored_bytes"`
	Algorithm    string    `json:"algorithm"`
	ScannedAt    time.Time `json:"scanned_at"`
}

// DedupRatio is logical size over unique content size. A store where every
// name holds distinct content has a ratio of 1.
func (s Stats) DedupRatio() float64 {
	if s.UniqueBytes == 0 {
		return 0
	}
	return float64(s.LogicalBytes) / float64(s.UniqueBytes)
}

// Stats walks both stores. StoredBytes is the on-disk size and reflects
// compression when the blob store applies it.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Algorithm: e.hasher.Name(), ScannedAt: e.now().UTC()}

	sizes := make(map[string]int64)
	if err := e.idx.Walk(ctx, func(rec FileRecord) error {
		s.Files++
		s.LogicalBytes += rec.Size
		sizes[rec.Hash] = rec.Size
		return nil
	}); err != nil {
		return s, storageErr("walk records", err)
	}
	s.UniqueHashes = len(sizes)
	for _, n := range sizes {
		s.UniqueBytes += n
	}

	if err := e.blobs.Walk(ctx, func(info BlobInfo) error {
		s.Blobs++
		s.StoredBytes += info.Size
		return nil
	}); err != nil {
		return s, storageErr("walk blobs", err)
	}
	return s, nil
}

// List returns every record whose name starts with prefix, sorted by name.
func (e *Engine) List(ctx context.Context, prefix string) ([]FileRecord, error) {
	var recs []FileRecord
	if err := e.idx.Walk(ctx, func(rec FileRecord) error {
		if strings.HasPrefix(rec.Name, prefix) {
			recs = append(recs, rec)
		}
		return nil
	}); err != nil {
		return nil, storageErr("walk records", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// Verify re-hashes every stored blob and returns the hashes whose content no
// longer matches its key.
func (e *Engine) Verify(ctx context.Context) ([]string, error) {
	var hashes []string
	if err := e.blobs.Walk(ctx, func(info BlobInfo) error {
		hashes = append(hashes, info.Hash)
		return nil
	}); err != nil {
		return nil, storageErr("walk blobs", err)
	}

	var (
		mu      sync.Mutex
		corrupt []string
	)
	p := pool.New().WithMaxGoroutines(e.concurrency).WithContext(ctx)
	for _, hash := range hashes {
		p.Go(func(ctx context.Context) error {
			ok, err := e.verifyBlob(ctx, hash)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				corrupt = append(corrupt, hash)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(corrupt)
	return corrupt, nil
}

func (e *Engine) verifyBlob(ctx context.Context, hash string) (bool, error) {
	rc, err := e.blobs.Get(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, storageErr("get blob", err)
	}
	defer rc.Close()

	h := e.hasher.New()
	if _, err := io.Copy(h, rc); err != nil {
		return false, storageErr("read blob "+hash, err)
	}
	return hex.EncodeToString(h.Sum(nil)) == hash, nil
}
