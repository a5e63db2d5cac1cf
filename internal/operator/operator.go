// Package operator implements the human-facing control-plane commands
// (spec §4.11): inspect-thread, escalate-thread, unblock-thread,
// assign/reassign/get-escalation-owner, override-close-thread,
// fallback-list, fallback-kill. These bypass the role-based dispatcher
// pipeline entirely — the CLI binary authenticates the human operator out
// of band (local database access), so commands that record an actor take
// it as a plain agent id (UnblockThread's actorAgentID, the owner
// commands' assignedBy) rather than auth.Claims.
package operator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/fallback"
	"github.com/agent-bridge/bridge/internal/store"
)

// Error is the CLI-facing error shape: {ok:false, code, message}.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func errf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Operator bundles the stores and the fallback reconciler the CLI drives.
type Operator struct {
	threads     store.ThreadStore
	triggers    store.TriggerStore
	fallbackRuns store.FallbackStore
	reconciler  *fallback.Reconciler
}

// New constructs an Operator.
func New(threads store.ThreadStore, triggers store.TriggerStore, runs store.FallbackStore, reconciler *fallback.Reconciler) *Operator {
	return &Operator{threads: threads, triggers: triggers, fallbackRuns: runs, reconciler: reconciler}
}

// ThreadView is the inspect-thread output shape.
type ThreadView struct {
	ThreadID               string
	WorkspaceID            string
	Title                  string
	Type                   string
	Status                 string
	Participants           []string
	EscalationOwnerAgentID string
}

// InspectThread returns the current thread state.
func (o *Operator) InspectThread(ctx context.Context, threadID string) (*ThreadView, error) {
	t, participants, err := o.threads.GetThread(ctx, threadID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errf("NOT_FOUND", "thread %s not found", threadID)
		}
		return nil, errf("INTERNAL", "%v", err)
	}
	owner := ""
	if t.EscalationOwnerAgentID != nil {
		owner = *t.EscalationOwnerAgentID
	}
	return &ThreadView{
		ThreadID: t.ID, WorkspaceID: t.WorkspaceID, Title: t.Title, Type: t.Type,
		Status: t.Status, Participants: participants, EscalationOwnerAgentID: owner,
	}, nil
}

// EscalateThread transitions active -> blocked.
func (o *Operator) EscalateThread(ctx context.Context, threadID string) (*ThreadView, error) {
	return o.transition(ctx, threadID, "active", "blocked", "")
}

func isOverrideReason(reason string) bool {
	return strings.HasPrefix(reason, "human_override:") || strings.HasPrefix(reason, "coordinator_override:")
}

// UnblockThread transitions blocked -> active. actorAgentID must be the
// current escalation owner, or reason must carry an override prefix.
func (o *Operator) UnblockThread(ctx context.Context, threadID, actorAgentID, reason string) (*ThreadView, error) {
	t, _, err := o.threads.GetThread(ctx, threadID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errf("NOT_FOUND", "thread %s not found", threadID)
		}
		return nil, errf("INTERNAL", "%v", err)
	}
	isOwner := t.EscalationOwnerAgentID != nil && *t.EscalationOwnerAgentID == actorAgentID
	if !isOwner && !isOverrideReason(reason) {
		return nil, errf("FORBIDDEN", "reason must begin with human_override: or coordinator_override: unless actor is the escalation owner")
	}
	return o.transition(ctx, threadID, "blocked", "active", reason)
}

// OverrideCloseThread transitions blocked -> closed; reason must always
// carry an override prefix (there is no owner-bypass for a close).
func (o *Operator) OverrideCloseThread(ctx context.Context, threadID, reason string) (*ThreadView, error) {
	if !isOverrideReason(reason) {
		return nil, errf("FORBIDDEN", "reason must begin with human_override: or coordinator_override:")
	}
	return o.transition(ctx, threadID, "blocked", "closed", reason)
}

func (o *Operator) transition(ctx context.Context, threadID, expectedCurrent, next, reason string) (*ThreadView, error) {
	_, err := o.threads.UpdateThreadStatus(ctx, threadID, next, expectedCurrent, time.Now())
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errf("NOT_FOUND", "thread %s not found", threadID)
		}
		if err == store.ErrConflict {
			return nil, errf("CONFLICT", "thread %s is not in status %s", threadID, expectedCurrent)
		}
		return nil, errf("INTERNAL", "%v", err)
	}
	return o.InspectThread(ctx, threadID)
}

// AssignEscalationOwner assigns a new owner; fails CONFLICT if one is
// already set (spec §4.11 owner-assignment invariants).
func (o *Operator) AssignEscalationOwner(ctx context.Context, threadID, ownerAgentID, assignedBy string) (*ThreadView, error) {
	return o.setOwner(ctx, threadID, ownerAgentID, assignedBy, false)
}

// ReassignEscalationOwner replaces an existing owner; fails CONFLICT if
// none is set.
func (o *Operator) ReassignEscalationOwner(ctx context.Context, threadID, ownerAgentID, assignedBy string) (*ThreadView, error) {
	return o.setOwner(ctx, threadID, ownerAgentID, assignedBy, true)
}

func (o *Operator) setOwner(ctx context.Context, threadID, ownerAgentID, assignedBy string, reassign bool) (*ThreadView, error) {
	t, participants, err := o.threads.GetThread(ctx, threadID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errf("NOT_FOUND", "thread %s not found", threadID)
		}
		return nil, errf("INTERNAL", "%v", err)
	}
	if t.Status != "blocked" {
		return nil, errf("INVALID_THREAD_TRANSITION", "thread %s is not blocked", threadID)
	}
	found := false
	for _, p := range participants {
		if p == ownerAgentID {
			found = true
			break
		}
	}
	if !found {
		return nil, errf("INVALID_ARGUMENT", "%s is not a participant of thread %s", ownerAgentID, threadID)
	}

	if _, err := o.threads.SetEscalationOwner(ctx, threadID, ownerAgentID, assignedBy, time.Now(), reassign); err != nil {
		if err == store.ErrConflict {
			if reassign {
				return nil, errf("CONFLICT", "thread %s has no escalation owner to reassign", threadID)
			}
			return nil, errf("CONFLICT", "thread %s already has an escalation owner", threadID)
		}
		return nil, errf("INTERNAL", "%v", err)
	}
	return o.InspectThread(ctx, threadID)
}

// GetEscalationOwner returns the current owner, or "" if none is set.
func (o *Operator) GetEscalationOwner(ctx context.Context, threadID string) (string, error) {
	view, err := o.InspectThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	return view.EscalationOwnerAgentID, nil
}

// FallbackRunView is the fallback-list output shape.
type FallbackRunView struct {
	TriggerID string
	PID       int
	LaunchMode string
	Status    string
	StartedAt time.Time
	DeadlineAt time.Time
}

// FallbackList returns every running fallback process.
func (o *Operator) FallbackList(ctx context.Context) ([]FallbackRunView, error) {
	runs, err := o.fallbackRuns.ListRunning(ctx)
	if err != nil {
		return nil, errf("INTERNAL", "%v", err)
	}
	views := make([]FallbackRunView, len(runs))
	for i, r := range runs {
		views[i] = FallbackRunView{
			TriggerID: r.TriggerID, PID: r.PID, LaunchMode: r.LaunchMode,
			Status: r.Status, StartedAt: r.StartedAt, DeadlineAt: r.DeadlineAt,
		}
	}
	return views, nil
}

// FallbackKill resolves candidates by selector (trigger_id or thread_id)
// and terminates each (spec §4.11).
func (o *Operator) FallbackKill(ctx context.Context, triggerID, threadID string) ([]FallbackRunView, error) {
	var targets []db.FallbackRun

	if triggerID != "" {
		run, err := o.fallbackRuns.Get(ctx, triggerID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, errf("NOT_FOUND", "no fallback run for trigger %s", triggerID)
			}
			return nil, errf("INTERNAL", "%v", err)
		}
		targets = append(targets, *run)
	} else if threadID != "" {
		running, err := o.fallbackRuns.ListRunning(ctx)
		if err != nil {
			return nil, errf("INTERNAL", "%v", err)
		}
		for _, r := range running {
			job, err := o.triggers.Get(ctx, r.TriggerID)
			if err != nil {
				continue
			}
			if job.ThreadID == threadID {
				targets = append(targets, r)
			}
		}
	} else {
		return nil, errf("INVALID_ARGUMENT", "either trigger_id or thread_id is required")
	}

	views := make([]FallbackRunView, 0, len(targets))
	for _, r := range targets {
		if r.Status != "running" {
			continue
		}
		if err := o.reconciler.Kill(ctx, r.TriggerID, time.Now()); err != nil {
			return views, errf("INTERNAL", "killing %s: %v", r.TriggerID, err)
		}
		updated, err := o.fallbackRuns.Get(ctx, r.TriggerID)
		if err != nil {
			continue
		}
		views = append(views, FallbackRunView{
			TriggerID: updated.TriggerID, PID: updated.PID, LaunchMode: updated.LaunchMode,
			Status: updated.Status, StartedAt: updated.StartedAt, DeadlineAt: updated.DeadlineAt,
		})
	}
	return views, nil
}
