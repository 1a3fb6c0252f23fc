// Package index implements the name → content-hash metadata layer.
//
// Each FileRecord binds one name to the hash of its current content. The
// index never touches blob storage; it only answers which names reference a
// hash.
package index

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no record exists for the name.
	ErrNotFound = errors.New("index: record not found")

	// ErrAlreadyExists is returned by Create when the name is taken. It is
	// the expected outcome of the conditional put, not a backend failure.
	ErrAlreadyExists = errors.New("index: record already exists")
)

// FileRecord is the current binding of a name to content.
type FileRecord struct {
	Name      string    `cbor:"1,keyasint" json:"name"`
	Hash      string    `cbor:"2,keyasint" json:"hash"`
	Extension string    `cbor:"3,keyasint" json:"extension"`
	Size      int64     `cbor:"4,keyasint" json:"size"`
	CreatedAt time.Time `cbor:"5,keyasint" json:"created_at"`
	UpdatedAt time.Time `cbor:"6,keyasint" json:"updated_at"`
}

// Index is the metadata backend contract.
type Index interface {
	// Get returns the record for name or ErrNotFound.
	Get(ctx context.Context, name string) (FileRecord, error)

	// Create stores rec only if no record exists for rec.Name, atomically.
	// Returns ErrAlreadyExists otherwise.
	Create(ctx context.Context, rec FileRecord) error

	// Replace unconditionally stores rec and returns the record it replaced,
	// or nil if the name was unused. The previous CreatedAt is carried over.
	Replace(ctx context.Context, rec FileRecord) (*FileRecord, error)

	// Delete removes the record for name. Deleting an unused name is not an
	// error.
	Delete(ctx context.Context, name string) error

	// CountByHash scans all records and counts those referencing hash.
	CountByHash(ctx context.Context, hash string) (int, error)

	// Walk calls fn for every record, in no particular order.
	Walk(ctx context.Context, fn func(FileRecord) error) error

	Close() error
}
