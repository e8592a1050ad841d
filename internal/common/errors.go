package common

import "errors"

// Sentinel errors shared across the snapshot engine. Callers match with
// errors.Is after unwrapping whatever context the layers added.
var (
	// ErrNotFound - a blob, tree or checkpoint node was referenced but is absent.
	// Always fatal on the restore path.
	ErrNotFound = errors.New("not found")

	// ErrCorruptTree - a tree document failed to parse or references a missing blob.
	ErrCorruptTree = errors.New("corrupt tree")

	// ErrConflict - HEAD moved between read and write of an active-path update.
	ErrConflict = errors.New("concurrent mutation conflict")

	// ErrIO - disk read/write failed after retries.
	ErrIO = errors.New("I/O error")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
