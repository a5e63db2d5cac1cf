package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// rsaKeyBits is the RSA key size used when generating an ephemeral key pair.
// 2048 bits is the minimum recommended for RS256.
const rsaKeyBits = 2048

// tokenClaims is the wire shape of the JWT the bridge expects upstream auth
// to have issued. It embeds jwt.RegisteredClaims for exp/iat/iss handling
// and carries the bridge-specific fields in custom claims.
type tokenClaims struct {
	jwt.RegisteredClaims

	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id"`
}

// JWTVerifier is the bundled RS256 implementation of Verifier. It is the one
// concrete adapter shipped for the "access-token signature verification"
// external collaborator named in SPEC_FULL.md §4.12 — real deployments are
// expected to swap in a JWKS-backed verifier without touching the dispatcher.
type JWTVerifier struct {
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey // non-nil only for the generated-key constructor; used by tests to mint tokens
	issuer     string
}

// NewJWTVerifierFromFile loads an RSA public key in PEM/PKIX format from
// disk. Use this in production where the signing key is owned by a
// separate identity service and only the public key is distributed here.
func NewJWTVerifierFromFile(publicKeyPath, issuer string) (*JWTVerifier, error) {
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}

	pubBlock, _ := pem.Decode(pubBytes)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &JWTVerifier{publicKey: publicKey, issuer: issuer}, nil
}

// NewJWTVerifierGenerated creates a JWTVerifier backed by a freshly
// generated, in-memory RSA key pair. Intended for local development and for
// tests that need to mint tokens via SignForTest — never for production,
// since keys are not persisted and all issued tokens are invalidated on
// restart.
func NewJWTVerifierGenerated(issuer string) (*JWTVerifier, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}
	return &JWTVerifier{
		publicKey:  &privateKey.PublicKey,
		privateKey: privateKey,
		issuer:     issuer,
	}, nil
}

// Verify parses and validates an RS256 JWT, returning the resolved Claims.
func (v *JWTVerifier) Verify(_ context.Context, bearerToken string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		bearerToken,
		&tokenClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}

	return Claims{
		AgentID:     tc.AgentID,
		WorkspaceID: tc.WorkspaceID,
		Role:        Role(tc.Role),
		SessionID:   tc.SessionID,
		JWTID:       tc.ID,
	}, nil
}

// SignForTest mints a token for the given claims, valid for the given TTL.
// Only usable on a verifier constructed with NewJWTVerifierGenerated (it
// needs the private key). Exists so package tests can exercise Verify
// without a separate token-issuing service.
func (v *JWTVerifier) SignForTest(c Claims, ttl time.Duration) (string, error) {
	if v.privateKey == nil {
		return "", errors.New("auth: verifier has no private key, construct with NewJWTVerifierGenerated")
	}
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		AgentID:     c.AgentID,
		WorkspaceID: c.WorkspaceID,
		Role:        string(c.Role),
		SessionID:   c.SessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(v.privateKey)
}
