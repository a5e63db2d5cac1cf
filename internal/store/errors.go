package store

import "errors"

// Sentinel errors returned by store implementations. Dispatcher and
// supervisor-side callers map these to wire error codes (see
// internal/dispatcher/errors.go) — store implementations never return the
// wire codes themselves, keeping the store layer storage-concern-only, per
// the interface-abstraction re-architecture note in SPEC_FULL.md §9.
var (
	// ErrNotFound is returned when a lookup by primary key finds nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-swap loses a race: a
	// status CAS whose expected value no longer matches, a cursor
	// regression, or a trigger-job claim that another worker already won.
	ErrConflict = errors.New("store: conflict")

	// ErrIdempotencyConflict is returned when a replayed idempotency key or
	// request id is associated with a different payload than the one
	// originally stored.
	ErrIdempotencyConflict = errors.New("store: idempotency conflict")

	// ErrInvalidArgument is returned for store-layer validation failures
	// that are the caller's fault (e.g. since_seq beyond the latest seq).
	ErrInvalidArgument = errors.New("store: invalid argument")
)
