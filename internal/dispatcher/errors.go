// Package dispatcher implements the request dispatcher (spec §4.3): the
// six-step pipeline (authenticate, authorize, identity-hint check,
// workspace-boundary check, operation-specific invariants, audit) wrapping
// every protocol operation, plus the wire error code mapping (spec §7).
package dispatcher

import (
	"errors"
	"net/http"

	"github.com/agent-bridge/bridge/internal/store"
)

// Error is the dispatcher's wire-visible error shape. It satisfies the
// error interface so handlers can return it like any other error while
// still carrying the HTTP status and structured details the API layer
// needs for the envelope in spec §6/§7.
type Error struct {
	Code       string
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: message}
}

// WithDetails returns a copy of e carrying details — used at call sites
// that need to attach structured context (e.g. the CLAIM_MISMATCH subcode
// and the name of the mismatched field).
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	return &Error{Code: e.Code, HTTPStatus: e.HTTPStatus, Message: e.Message, Details: details}
}

// The fixed wire error taxonomy (spec §7).
var (
	ErrUnauthorized    = newError("UNAUTHORIZED", http.StatusUnauthorized, "missing or invalid bearer token")
	ErrForbidden       = newError("FORBIDDEN", http.StatusForbidden, "operation not permitted for this role or identity")
	ErrWorkspaceMismatch = newError("WORKSPACE_MISMATCH", http.StatusForbidden, "resource belongs to a different workspace")
	ErrNotFound        = newError("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrInvalidArgument = newError("INVALID_ARGUMENT", http.StatusBadRequest, "invalid request argument")
	ErrInvalidTransition = newError("INVALID_THREAD_TRANSITION", http.StatusConflict, "disallowed thread status transition")
	ErrConflict        = newError("CONFLICT", http.StatusConflict, "conflicting concurrent write")
	ErrIdempotencyConflict = newError("IDEMPOTENCY_CONFLICT", http.StatusConflict, "idempotency key reused with a different payload")
	ErrInternal        = newError("INTERNAL", http.StatusInternalServerError, "internal error")
)

// mapStoreError converts a store-layer sentinel into a wire Error.
// Domain code that wants a more specific code (e.g. INVALID_THREAD_TRANSITION
// instead of plain CONFLICT) should check its own preconditions before
// calling the store, rather than relying on this generic fallback.
func mapStoreError(err error) *Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrConflict
	case errors.Is(err, store.ErrIdempotencyConflict):
		return ErrIdempotencyConflict
	case errors.Is(err, store.ErrInvalidArgument):
		return ErrInvalidArgument
	default:
		return ErrInternal
	}
}
