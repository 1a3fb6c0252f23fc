package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketFiles = []byte("files")

// BoltIndex stores records in a single bbolt bucket keyed by name.
//
// bbolt serializes write transactions, so the read-then-put inside Create and
// Replace is atomic with respect to every other writer of the same file.
type BoltIndex struct {
	db *bbolt.DB
}

// Compile-time interface check.
var _ Index = (*BoltIndex)(nil)

// OpenBoltIndex opens or creates the database at dbPath. The parent directory
// is created if it does not exist.
func OpenBoltIndex(dbPath string) (*BoltIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("index: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("index: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return fmt.Errorf("create bucket %q: %w", bucketFiles, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: create buckets: %w", err)
	}

	return &BoltIndex{db: db}, nil
}

// Close closes the underlying database.
func (b *BoltIndex) Close() error { return b.db.Close() }

func (b *BoltIndex) Get(ctx context.Context, name string) (FileRecord, error) {
	var rec FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	if err != nil {
		return FileRecord{}, err
	}
	return rec, nil
}

func (b *BoltIndex) Create(ctx context.Context, rec FileRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFiles)
		if bucket.Get([]byte(rec.Name)) != nil {
			return ErrAlreadyExists
		}
		if err := bucket.Put([]byte(rec.Name), data); err != nil {
			return fmt.Errorf("index: put record: %w", err)
		}
		return nil
	})
}

func (b *BoltIndex) Replace(ctx context.Context, rec FileRecord) (*FileRecord, error) {
	var prev *FileRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFiles)
		if old := bucket.Get([]byte(rec.Name)); old != nil {
			decoded, err := decodeRecord(old)
			if err != nil {
				return err
			}
			prev = &decoded
			rec.CreatedAt = decoded.CreatedAt
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(rec.Name), data); err != nil {
			return fmt.Errorf("index: put record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (b *BoltIndex) Delete(ctx context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFiles).Delete([]byte(name)); err != nil {
			return fmt.Errorf("index: delete record: %w", err)
		}
		return nil
	})
}

func (b *BoltIndex) CountByHash(ctx context.Context, hash string) (int, error) {
	n := 0
	err := b.Walk(ctx, func(rec FileRecord) error {
		if rec.Hash == hash {
			n++
		}
		return nil
	})
	return n, err
}

// Walk runs fn inside a read transaction; fn must not write to the index.
func (b *BoltIndex) Walk(ctx context.Context, fn func(FileRecord) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}
