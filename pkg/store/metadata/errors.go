package metadata

import (
	"errors"
	"fmt"
)

// StoreError represents a domain error from node store operations.
//
// These are business logic errors (node not found, name already taken, etc.)
// as opposed to infrastructure errors, which are returned wrapped as-is.
// The repository layer translates StoreError codes into its own error kinds.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path identifies the node, version or key related to the error (if any)
	Path string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// Is reports whether target is a StoreError with the same code, so callers can
// write errors.Is(err, &StoreError{Code: ErrNotFound}).
func (e *StoreError) Is(target error) bool {
	var t *StoreError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested node, version, root or blob doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates a record with the same key already exists
	ErrAlreadyExists

	// ErrInvalidArgument indicates invalid parameters were provided
	// Examples: empty node ID, child name containing a separator
	ErrInvalidArgument

	// ErrWrongKind indicates a node exists but is of the other kind
	// (a file where an internal node was required, or vice versa)
	ErrWrongKind

	// ErrIOError indicates the backing database failed
	ErrIOError

	// ErrStoreClosed indicates the store was used after Close
	ErrStoreClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrAlreadyExists:
		return "already exists"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrWrongKind:
		return "wrong node kind"
	case ErrIOError:
		return "i/o error"
	case ErrStoreClosed:
		return "store closed"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// NewNotFoundError builds an ErrNotFound StoreError for the given entity.
func NewNotFoundError(entity, path string) *StoreError {
	return &StoreError{
		Code:    ErrNotFound,
		Message: entity + " not found",
		Path:    path,
	}
}

// NewInvalidArgumentError builds an ErrInvalidArgument StoreError.
func NewInvalidArgumentError(message, path string) *StoreError {
	return &StoreError{
		Code:    ErrInvalidArgument,
		Message: message,
		Path:    path,
	}
}

// NewWrongKindError reports that the node at path is not of the wanted kind.
func NewWrongKindError(want NodeKind, path string) *StoreError {
	return &StoreError{
		Code:    ErrWrongKind,
		Message: "expected " + want.String(),
		Path:    path,
	}
}

// ErrClosed is returned by stores after Close.
var ErrClosed = &StoreError{Code: ErrStoreClosed, Message: "metadata store is closed"}

// IsNotFoundError reports whether err carries an ErrNotFound StoreError.
func IsNotFoundError(err error) bool {
	return HasCode(err, ErrNotFound)
}

// HasCode reports whether err (or anything it wraps) is a StoreError with code.
func HasCode(err error, code ErrorCode) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
