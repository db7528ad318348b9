package repository

import (
	"errors"
	"fmt"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

var (
	// ErrStructural is returned for URLs that lack a protocol or a host.
	ErrStructural = errors.New("malformed url")

	// ErrNotFound is returned when a lookup without create finds nothing.
	ErrNotFound = errors.New("not found")

	// ErrWrongKind is returned when a node exists but is of the other kind.
	ErrWrongKind = errors.New("wrong node kind")

	// ErrVersionAlreadyCommitted is returned by content mutation on a
	// committed version.
	ErrVersionAlreadyCommitted = errors.New("version already committed")

	// ErrInvalidPreferredVersion is returned when the preferred version is
	// not a committed version of the file.
	ErrInvalidPreferredVersion = errors.New("invalid preferred version")

	// ErrWrongVersionImplementation is returned for version handles that
	// were not produced by this repository.
	ErrWrongVersionImplementation = errors.New("wrong version implementation")

	// ErrNoPreferredVersion is returned by operations that act on the
	// preferred version of a file that has none.
	ErrNoPreferredVersion = errors.New("no preferred version")

	// ErrNoContent is returned when opening a version without live content.
	ErrNoContent = errors.New("version has no content")

	// ErrBackingStore marks failures of the metadata store or the segment
	// files underneath the repository.
	ErrBackingStore = errors.New("backing store failure")

	// ErrClosed is returned by a shard after Close.
	ErrClosed = errors.New("shard closed")
)

// Error is the error type returned by repository operations.
//
// Err is one of the sentinels above, possibly joined with the underlying
// cause, so callers test with errors.Is and never depend on store types.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapErr translates err into a repository Error. Store not-found and
// wrong-kind codes become the matching sentinels; any other foreign error
// becomes ErrBackingStore.
func wrapErr(op, url string, err error) error {
	if err == nil {
		return nil
	}

	var re *Error
	if errors.As(err, &re) {
		return err
	}

	switch {
	case isRepositoryError(err):
	case metadata.HasCode(err, metadata.ErrNotFound):
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case metadata.HasCode(err, metadata.ErrWrongKind):
		err = fmt.Errorf("%w: %w", ErrWrongKind, err)
	case metadata.HasCode(err, metadata.ErrStoreClosed):
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		err = fmt.Errorf("%w: %w", ErrBackingStore, err)
	}
	return &Error{Op: op, URL: url, Err: err}
}

func isRepositoryError(err error) bool {
	for _, sentinel := range []error{
		ErrStructural, ErrNotFound, ErrWrongKind, ErrVersionAlreadyCommitted,
		ErrInvalidPreferredVersion, ErrWrongVersionImplementation,
		ErrNoPreferredVersion, ErrNoContent, ErrBackingStore, ErrClosed,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
