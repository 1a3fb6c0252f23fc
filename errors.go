package dedupfs

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest is the parent of every error caused by the caller's input.
	ErrBadRequest          = errors.New("dedupfs: bad request")
	ErrEmptyContent        = fmt.Errorf("%w: empty content", ErrBadRequest)
	ErrExtensionNotAllowed = fmt.Errorf("%w: extension not allowed", ErrBadRequest)
	ErrInvalidName         = fmt.Errorf("%w: invalid name", ErrBadRequest)
	ErrTooLarge            = fmt.Errorf("%w: content too large", ErrBadRequest)

	// ErrConflict is returned by Create when the name is already bound.
	ErrConflict = errors.New("dedupfs: file exists")

	// ErrNotFound indicates the name is unused.
	ErrNotFound = errors.New("dedupfs: not found")

	// ErrBlobMissing means the index references content the blob store no
	// longer holds: a dangling reference left by a failed write or by the
	// count-then-delete race.
	ErrBlobMissing = fmt.Errorf("%w: content missing from blob store", ErrNotFound)

	// ErrStorage wraps unexpected backend failures. The engine never retries.
	ErrStorage = errors.New("dedupfs: storage failure")

	ErrNoRemote          = errors.New("dedupfs: no remote configured")
	ErrHashMismatch      = errors.New("dedupfs: content does not match its hash")
	ErrAlgorithmMismatch = errors.New("dedupfs: snapshot uses a different hash algorithm")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
