package models

import "errors"

var (
	// ErrNotFound: the target of an operation does not exist. Surfaced to
	// the caller, never retried.
	ErrNotFound = errors.New("not found")
	// ErrNotAllowed: the operation is illegal for the record (updating an
	// immutable edge, commenting where comments are off, acting on your own
	// content where disallowed).
	ErrNotAllowed = errors.New("operation not allowed")
)
