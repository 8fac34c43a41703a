// Package store defines the persistence errors shared by every backend.
// Concrete implementations live in subpackages.
package store

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a guarded update matched no row because the
// record's status changed underneath the caller. The record is untouched.
var ErrConflict = errors.New("record status changed concurrently")

// ErrDuplicate is returned when an insert violates a uniqueness rule, such
// as two active templates for the same signal.
var ErrDuplicate = errors.New("record already exists")
