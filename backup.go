package dedupfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aweris/dedupfs/internal/index"
	"github.com/aweris/dedupfs/internal/store"
	"go.uber.org/zap"
)

// BackupReport summarizes a Push or Pull.
type BackupReport struct {
	Ref     string   `json:"ref,omitempty"`
	Files   int      `json:"files"`
	Blobs   int      `json:"blobs"`
	Bytes   int64    `json:"bytes"`
	Skipped []string `json:"skipped,omitempty"`
}

// Push uploads every record and the blobs they reference to r. Records whose
// content is missing from the blob store are left out and listed in Skipped.
func (e *Engine) Push(ctx context.Context, r Remote) (BackupReport, error) {
	var report BackupReport
	if r == nil {
		return report, ErrNoRemote
	}

	recs, err := e.List(ctx, "")
	if err != nil {
		return report, err
	}

	blobs := make(map[string][]byte)
	kept := recs[:0]
	for _, rec := range recs {
		if _, ok := blobs[rec.Hash]; !ok {
			data, err := e.readBlob(ctx, rec.Hash)
			if errors.Is(err, store.ErrNotFound) {
				report.Skipped = append(report.Skipped, rec.Name)
				continue
			}
			if err != nil {
				return report, err
			}
			blobs[rec.Hash] = data
			report.Bytes += int64(len(data))
		}
		kept = append(kept, rec)
	}

	encoded, err := index.EncodeRecords(kept)
	if err != nil {
		return report, fmt.Errorf("encode index: %w", err)
	}

	ref, err := r.Push(ctx, Snapshot{Algorithm: e.hasher.Name(), Index: encoded, Blobs: blobs})
	if err != nil {
		return report, fmt.Errorf("push: %w", err)
	}

	report.Ref = ref
	report.Files = len(kept)
	report.Blobs = len(blobs)
	e.logger.Info("pushed backup",
		zap.String("ref", ref), zap.Int("files", report.Files), zap.Int("blobs", report.Blobs))
	return report, nil
}

// Pull merges the snapshot held by r into the local store. Every blob is
// verified against its hash before anything is written. Names in the
// snapshot are upserted and their displaced content reclaimed; local names
// absent from the snapshot are left alone. Names the engine would refuse on
// upload are listed in Skipped instead of restored.
func (e *Engine) Pull(ctx context.Context, r Remote) (BackupReport, error) {
	var report BackupReport
	if r == nil {
		return report, ErrNoRemote
	}

	snap, err := r.Pull(ctx)
	if err != nil {
		return report, fmt.Errorf("pull: %w", err)
	}
	if snap.Algorithm != "" && snap.Algorithm != e.hasher.Name() {
		return report, fmt.Errorf("%w: snapshot %s, store %s", ErrAlgorithmMismatch, snap.Algorithm, e.hasher.Name())
	}

	recs, err := index.DecodeRecords(snap.Index)
	if err != nil {
		return report, fmt.Errorf("decode index: %w", err)
	}
	valid := recs[:0]
	for _, rec := range recs {
		if err := ValidateName(rec.Name); err != nil {
			e.logger.Warn("skipping invalid name in snapshot", zap.String("name", rec.Name))
			report.Skipped = append(report.Skipped, rec.Name)
			continue
		}
		valid = append(valid, rec)
	}
	recs = valid

	for hash, data := range snap.Blobs {
		if got := e.hasher.Fingerprint(data); got != hash {
			return report, fmt.Errorf("%w: %s hashes to %s", ErrHashMismatch, hash, got)
		}
	}

	for hash, data := range snap.Blobs {
		ok, err := e.blobs.Exists(ctx, hash)
		if err != nil {
			return report, storageErr("check blob", err)
		}
		if ok {
			continue
		}
		if err := e.blobs.Put(ctx, hash, bytes.NewReader(data)); err != nil {
			return report, storageErr("put blob", err)
		}
		e.metrics.written.Inc()
		report.Blobs++
		report.Bytes += int64(len(data))
	}

	for _, rec := range recs {
		if _, ok := snap.Blobs[rec.Hash]; !ok {
			ok, err := e.blobs.Exists(ctx, rec.Hash)
			if err != nil {
				return report, storageErr("check blob", err)
			}
			if !ok {
				report.Skipped = append(report.Skipped, rec.Name)
				continue
			}
		}

		prev, err := e.idx.Replace(ctx, rec)
		if err != nil {
			return report, storageErr("replace record", err)
		}
		if prev != nil && prev.Hash != rec.Hash {
			if err := e.reclaim(ctx, prev.Hash); err != nil {
				return report, err
			}
		}
		report.Files++
	}

	e.logger.Info("pulled backup",
		zap.Int("files", report.Files), zap.Int("blobs", report.Blobs), zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func (e *Engine) readBlob(ctx context.Context, hash string) ([]byte, error) {
	rc, err := e.blobs.Get(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("get blob", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageErr("read blob "+hash, err)
	}
	return data, nil
}
