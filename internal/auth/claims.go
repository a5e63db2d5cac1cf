// Package auth defines the bearer-token identity the dispatcher consumes.
// Signature verification itself is an external collaborator per the system
// design (see SPEC_FULL.md §4.12): this package exposes the Verifier
// interface the dispatcher depends on, plus one concrete RS256 adapter
// (JWTVerifier) so the service is runnable standalone. A JWKS-backed OIDC
// verifier is a second, unimplemented slot behind the same interface.
package auth

import "context"

// Role is the authenticated caller's role within its workspace. The
// dispatcher's permission table (internal/dispatcher) is keyed on this type.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleCoordinator Role = "coordinator"
	RoleAuditor     Role = "auditor"
)

// Claims is the identity resolved from a verified bearer token. Every
// dispatcher operation authenticates to exactly one Claims value before
// any authorization or domain logic runs.
type Claims struct {
	AgentID     string
	WorkspaceID string
	Role        Role
	SessionID   string
	JWTID       string
}

// Verifier resolves a raw "Authorization: Bearer <token>" value into Claims.
// Implementations return ErrTokenExpired or ErrTokenInvalid on failure —
// internal/api's Authenticate middleware maps both to the UNAUTHORIZED wire
// error code.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (Claims, error)
}
