package auth

import (
	"context"
	"testing"
	"time"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifierGenerated("https://issuer.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated: %v", err)
	}

	want := Claims{AgentID: "agent_a", WorkspaceID: "ws1", Role: RoleCoordinator, SessionID: "sess_1"}
	token, err := v.SignForTest(want, time.Hour)
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}

	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.AgentID != want.AgentID || got.WorkspaceID != want.WorkspaceID || got.Role != want.Role || got.SessionID != want.SessionID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.JWTID == "" {
		t.Fatalf("expected a non-empty jwt id")
	}
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	v, err := NewJWTVerifierGenerated("https://issuer.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated: %v", err)
	}

	token, err := v.SignForTest(Claims{AgentID: "agent_a", WorkspaceID: "ws1", Role: RoleParticipant}, -time.Minute)
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}

	_, err = v.Verify(context.Background(), token)
	if err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWTVerifier_RejectsWrongSigningKey(t *testing.T) {
	signer, err := NewJWTVerifierGenerated("https://issuer.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated signer: %v", err)
	}
	verifier, err := NewJWTVerifierGenerated("https://issuer.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated verifier: %v", err)
	}

	token, err := signer.SignForTest(Claims{AgentID: "agent_a", WorkspaceID: "ws1", Role: RoleParticipant}, time.Hour)
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}

	_, err = verifier.Verify(context.Background(), token)
	if err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid for a token signed by a different key, got %v", err)
	}
}

func TestJWTVerifier_RejectsWrongIssuer(t *testing.T) {
	v, err := NewJWTVerifierGenerated("https://issuer.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated: %v", err)
	}
	other, err := NewJWTVerifierGenerated("https://other.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated other: %v", err)
	}
	other.privateKey = v.privateKey // sign with v's key but v's issuer stays "https://issuer.example"

	token, err := other.SignForTest(Claims{AgentID: "agent_a", WorkspaceID: "ws1", Role: RoleParticipant}, time.Hour)
	if err != nil {
		t.Fatalf("SignForTest: %v", err)
	}

	_, err = v.Verify(context.Background(), token)
	if err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid for a mismatched issuer, got %v", err)
	}
}

func TestJWTVerifier_RejectsGarbageToken(t *testing.T) {
	v, err := NewJWTVerifierGenerated("https://issuer.example")
	if err != nil {
		t.Fatalf("NewJWTVerifierGenerated: %v", err)
	}
	if _, err := v.Verify(context.Background(), "not-a-jwt"); err != ErrTokenInvalid {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}
