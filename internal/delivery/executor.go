package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/ptyadapter"
	"github.com/agent-bridge/bridge/internal/store"
	"github.com/agent-bridge/bridge/internal/trigger"
)

// ExecutorConfig holds the collision gate tunables from spec §4.7 /
// §6's configuration table.
type ExecutorConfig struct {
	QuietWindow time.Duration // default 20s
	RecheckMs   time.Duration // default 5s
	MaxDefer    time.Duration // default 60s
}

// Executor implements trigger.RuntimeExecutor: validates the target
// session, enforces the collision gate, and calls the ptyadapter.Deliverer.
type Executor struct {
	sessions  store.SessionStore
	deliverer ptyadapter.Deliverer
	gate      *CollisionGate
	cfg       ExecutorConfig
}

// NewExecutor constructs an Executor.
func NewExecutor(sessions store.SessionStore, deliverer ptyadapter.Deliverer, gate *CollisionGate, cfg ExecutorConfig) *Executor {
	return &Executor{sessions: sessions, deliverer: deliverer, gate: gate, cfg: cfg}
}

func isOverride(reason string) bool {
	return strings.HasPrefix(reason, "human_override:") || strings.HasPrefix(reason, "coordinator_override:")
}

// Execute implements trigger.RuntimeExecutor per spec §4.7.
func (e *Executor) Execute(ctx context.Context, job db.TriggerJob) (trigger.ExecOutcome, error) {
	session, err := e.sessions.Get(ctx, job.TargetAgentID, job.WorkspaceID)
	if err != nil {
		if err == store.ErrNotFound {
			return trigger.ExecOutcome{Result: "failed", ErrorCode: "RUNTIME_NOT_FOUND"}, nil
		}
		return trigger.ExecOutcome{}, err
	}

	if job.TargetSessionID != nil && *job.TargetSessionID != session.SessionID {
		return trigger.ExecOutcome{Result: "failed", ErrorCode: "RUNTIME_SESSION_MISMATCH"}, nil
	}
	if session.ManagementMode != "managed" {
		return trigger.ExecOutcome{Result: "failed", ErrorCode: "RUNTIME_UNMANAGED"}, nil
	}
	if session.Status == "offline" {
		return trigger.ExecOutcome{Result: "timeout", ErrorCode: "RUNTIME_OFFLINE"}, nil
	}

	now := time.Now()
	override := isOverride(job.Reason)
	auditDetails := map[string]interface{}{
		"force_override_audit": map[string]interface{}{
			"requested":      override,
			"applied":        false,
			"intent":         overrideIntent(job.Reason),
			"reason_prefix":  overridePrefix(job.Reason),
			"collision_gate": "enforced",
		},
	}

	if quiet, busy := e.gate.QuietFor(job.WorkspaceID, job.TargetAgentID, session.Runtime, now); busy && quiet < e.cfg.QuietWindow && !override {
		if now.Sub(job.CreatedAt) >= e.cfg.MaxDefer {
			auditDetails["force_override_audit"].(map[string]interface{})["collision_gate"] = "enforced"
			return trigger.ExecOutcome{Result: "timeout", ErrorCode: "DEFER_TIMEOUT", Details: auditDetails}, nil
		}
		return trigger.ExecOutcome{Result: "deferred", ErrorCode: "OPERATOR_BUSY", RetryAfter: e.cfg.RecheckMs, Details: auditDetails}, nil
	}
	if override {
		auditDetails["force_override_audit"].(map[string]interface{})["collision_gate"] = "bypassed"
	}

	result, err := e.deliverer.Deliver(ctx, ptyadapter.DeliverRequest{
		Runtime:       session.Runtime,
		TriggerID:     job.TriggerID,
		ThreadID:      job.ThreadID,
		Reason:        job.Reason,
		Prompt:        job.Prompt,
		ForceOverride: override,
	})
	if err != nil {
		return trigger.ExecOutcome{}, err
	}

	if result.Delivered {
		e.gate.Clear(job.WorkspaceID, job.TargetAgentID, session.Runtime)
		auditDetails["force_override_audit"].(map[string]interface{})["applied"] = true
		return trigger.ExecOutcome{Result: "delivered", Details: auditDetails}, nil
	}

	auditDetails["force_override_audit"].(map[string]interface{})["applied"] = false
	switch result.ErrorCode {
	case "OPERATOR_BUSY":
		e.gate.MarkBusy(job.WorkspaceID, job.TargetAgentID, session.Runtime, now)
		if now.Sub(job.CreatedAt) >= e.cfg.MaxDefer {
			return trigger.ExecOutcome{Result: "timeout", ErrorCode: "DEFER_TIMEOUT", Details: auditDetails}, nil
		}
		return trigger.ExecOutcome{Result: "deferred", ErrorCode: "OPERATOR_BUSY", RetryAfter: e.cfg.RecheckMs, Details: auditDetails}, nil
	case "TARGET_NOT_FOUND", "PANE_DEAD", "SEND_KEYS_ERROR":
		return trigger.ExecOutcome{Result: "timeout", ErrorCode: result.ErrorCode, Details: auditDetails}, nil
	default:
		return trigger.ExecOutcome{Result: "failed", ErrorCode: result.ErrorCode, Details: auditDetails}, nil
	}
}

func overridePrefix(reason string) string {
	switch {
	case strings.HasPrefix(reason, "human_override:"):
		return "human_override:"
	case strings.HasPrefix(reason, "coordinator_override:"):
		return "coordinator_override:"
	default:
		return ""
	}
}

// overrideIntent returns the free-form text the caller expressed after the
// override prefix — the human-readable reason the collision gate was
// requested to bypass — or "" if reason carries no override prefix.
func overrideIntent(reason string) string {
	prefix := overridePrefix(reason)
	if prefix == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(reason, prefix))
}
