package auth

import "errors"

// Sentinel errors returned by Verifier implementations. Callers compare
// with errors.Is — internal/api's Authenticate middleware maps both to the
// UNAUTHORIZED wire error (dispatcher.ErrUnauthorized), but keeping them
// distinct lets a future
// verifier surface a more specific audit detail.
var (
	// ErrTokenExpired is returned when a bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
