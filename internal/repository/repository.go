package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing
// correlation key. Intake treats it as a replayed delivery.
var ErrDuplicate = errors.New("duplicate correlation key")
