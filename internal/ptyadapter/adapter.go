// Package ptyadapter defines the external collaborator interface for
// delivering a trigger prompt into an agent's terminal-multiplexer
// session, per spec §6's PTY adapter contract. Terminal escape sequence
// handling is the named non-goal (spec §1); the concrete TmuxDeliverer
// below shells out to tmux with no escape-code awareness, leaving that
// logic to whatever real multiplexer driver replaces it.
package ptyadapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultMaxPayloadBytes is the default cap from spec §6.
const DefaultMaxPayloadBytes = 8 * 1024

// DeliverRequest is the wire contract's input shape.
type DeliverRequest struct {
	Runtime        string // opaque locator, e.g. "tmux:<target>"
	TriggerID      string
	ThreadID       string
	Reason         string
	Prompt         string
	ForceOverride  bool
	MaxPayloadBytes int
}

// DeliverResult is the wire contract's output shape. Exactly one of the
// two shapes applies: Delivered true with no error code, or Delivered
// false with ErrorCode set.
type DeliverResult struct {
	Delivered bool
	ErrorCode string // TARGET_NOT_FOUND | PANE_DEAD | SEND_KEYS_ERROR | OPERATOR_BUSY | PAYLOAD_TOO_LARGE | EMPTY_PROMPT | UNSUPPORTED_RUNTIME
	Details   map[string]interface{}
}

// Deliverer is the non-goal interface: real deployments provide the
// multiplexer-specific implementation. This package bundles exactly one
// concrete adapter, TmuxDeliverer, so the binary runs end to end.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliverRequest) (DeliverResult, error)
}

// BuildPayload wraps prompt with the bracketing header/footer the wire
// contract requires, after stripping non-printable control characters.
// This is the one piece of "escape sequence handling" this package does:
// sanitizing the outbound payload, not interpreting the target pane's
// terminal state.
func BuildPayload(req DeliverRequest) (string, error) {
	sanitized := sanitize(req.Prompt)
	if sanitized == "" {
		return "", fmt.Errorf("ptyadapter: sanitized prompt is empty")
	}

	maxBytes := req.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}

	header := fmt.Sprintf("[BRIDGE_TRIGGER id=%s thread=%s reason=%s]", req.TriggerID, req.ThreadID, req.Reason)
	footer := "[/BRIDGE_TRIGGER]"
	payload := header + "\n" + sanitized + "\n" + footer

	if len(payload) > maxBytes {
		return "", fmt.Errorf("ptyadapter: payload exceeds max bytes (%d > %d)", len(payload), maxBytes)
	}
	return payload, nil
}

// sanitize strips non-printable control characters (everything below
// 0x20 except newline and tab) from s.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// TmuxDeliverer shells out to `tmux send-keys` against the pane named in
// Runtime (expected form "tmux:<target>"). It performs no terminal
// escape-sequence interpretation: BuildPayload above only strips control
// characters, it does not understand tmux's own escape grammar.
type TmuxDeliverer struct {
	// SendKeysTimeout bounds the tmux subprocess call.
	SendKeysTimeout time.Duration
}

// NewTmuxDeliverer returns a Deliverer backed by the tmux CLI.
func NewTmuxDeliverer(sendKeysTimeout time.Duration) *TmuxDeliverer {
	if sendKeysTimeout <= 0 {
		sendKeysTimeout = 5 * time.Second
	}
	return &TmuxDeliverer{SendKeysTimeout: sendKeysTimeout}
}

// Deliver implements Deliverer.
func (d *TmuxDeliverer) Deliver(ctx context.Context, req DeliverRequest) (DeliverResult, error) {
	target := strings.TrimPrefix(req.Runtime, "tmux:")
	if target == "" || !strings.HasPrefix(req.Runtime, "tmux:") {
		return DeliverResult{Delivered: false, ErrorCode: "UNSUPPORTED_RUNTIME"}, nil
	}

	payload, err := BuildPayload(req)
	if err != nil {
		if strings.Contains(err.Error(), "empty") {
			return DeliverResult{Delivered: false, ErrorCode: "EMPTY_PROMPT"}, nil
		}
		return DeliverResult{Delivered: false, ErrorCode: "PAYLOAD_TOO_LARGE"}, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, d.SendKeysTimeout)
	defer cancel()
	if err := exec.CommandContext(checkCtx, "tmux", "has-session", "-t", target).Run(); err != nil {
		return DeliverResult{Delivered: false, ErrorCode: "TARGET_NOT_FOUND"}, nil
	}

	var stderr bytes.Buffer
	sendCtx, cancel2 := context.WithTimeout(ctx, d.SendKeysTimeout)
	defer cancel2()
	cmd := exec.CommandContext(sendCtx, "tmux", "send-keys", "-t", target, payload, "Enter")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "dead pane") {
			return DeliverResult{Delivered: false, ErrorCode: "PANE_DEAD"}, nil
		}
		return DeliverResult{Delivered: false, ErrorCode: "SEND_KEYS_ERROR", Details: map[string]interface{}{"stderr": stderr.String()}}, nil
	}

	return DeliverResult{Delivered: true}, nil
}
