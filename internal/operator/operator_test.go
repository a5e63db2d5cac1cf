package operator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/fallback"
	"github.com/agent-bridge/bridge/internal/storetest"
)

func newTestOperator() (*Operator, *storetest.ThreadStore, *storetest.TriggerStore, *storetest.FallbackStore) {
	threads := storetest.NewThreadStore()
	triggers := storetest.NewTriggerStore()
	runs := storetest.NewFallbackStore()
	reconciler := fallback.NewReconciler(runs, triggers, fallback.DefaultConfig(), zap.NewNop())
	return New(threads, triggers, runs, reconciler), threads, triggers, runs
}

func mustCreateThread(t *testing.T, threads *storetest.ThreadStore, threadID string, status string, participants []string) {
	t.Helper()
	now := time.Now()
	err := threads.CreateThread(context.Background(), &db.Thread{
		ID: threadID, WorkspaceID: "ws1", Title: "t", Type: "conversation",
		Status: "active", CreatedAt: now, UpdatedAt: now,
	}, participants)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if status != "active" {
		if _, err := threads.UpdateThreadStatus(context.Background(), threadID, status, "active", now); err != nil {
			t.Fatalf("UpdateThreadStatus setup: %v", err)
		}
	}
}

func TestEscalateThread_ActiveToBlocked(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "active", []string{"agent_a"})

	view, err := op.EscalateThread(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("EscalateThread failed: %v", err)
	}
	if view.Status != "blocked" {
		t.Fatalf("expected blocked, got %s", view.Status)
	}
}

func TestUnblockThread_RequiresOwnerOrOverride(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a"})
	if _, err := threads.SetEscalationOwner(context.Background(), "thread_1", "agent_a", "operator_1", time.Now(), false); err != nil {
		t.Fatalf("setup owner: %v", err)
	}

	if _, err := op.UnblockThread(context.Background(), "thread_1", "someone_else", ""); err == nil {
		t.Fatalf("expected error without owner match or override reason")
	} else if opErr, ok := err.(*Error); !ok || opErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	view, err := op.UnblockThread(context.Background(), "thread_1", "agent_a", "")
	if err != nil {
		t.Fatalf("owner unblock should succeed: %v", err)
	}
	if view.Status != "active" {
		t.Fatalf("expected active, got %s", view.Status)
	}
}

func TestUnblockThread_OverridePrefixBypassesOwnerCheck(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a"})
	if _, err := threads.SetEscalationOwner(context.Background(), "thread_1", "agent_a", "operator_1", time.Now(), false); err != nil {
		t.Fatalf("setup owner: %v", err)
	}

	view, err := op.UnblockThread(context.Background(), "thread_1", "operator_2", "human_override: stuck agent")
	if err != nil {
		t.Fatalf("override unblock should succeed: %v", err)
	}
	if view.Status != "active" {
		t.Fatalf("expected active, got %s", view.Status)
	}
}

func TestOverrideCloseThread_AlwaysRequiresOverridePrefix(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a"})
	if _, err := threads.SetEscalationOwner(context.Background(), "thread_1", "agent_a", "operator_1", time.Now(), false); err != nil {
		t.Fatalf("setup owner: %v", err)
	}

	// Even the owner must supply an override-prefixed reason to close.
	if _, err := op.OverrideCloseThread(context.Background(), "thread_1", "no prefix here"); err == nil {
		t.Fatalf("expected error for missing override prefix")
	}

	view, err := op.OverrideCloseThread(context.Background(), "thread_1", "coordinator_override: abandoning")
	if err != nil {
		t.Fatalf("override close should succeed: %v", err)
	}
	if view.Status != "closed" {
		t.Fatalf("expected closed, got %s", view.Status)
	}
}

func TestAssignEscalationOwner_ConflictsIfAlreadySet(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a", "agent_b"})

	if _, err := op.AssignEscalationOwner(context.Background(), "thread_1", "agent_a", "operator_1"); err != nil {
		t.Fatalf("first assignment should succeed: %v", err)
	}
	_, err := op.AssignEscalationOwner(context.Background(), "thread_1", "agent_b", "operator_1")
	if err == nil {
		t.Fatalf("expected CONFLICT assigning an already-owned thread")
	}
	if opErr, ok := err.(*Error); !ok || opErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestReassignEscalationOwner_ConflictsIfNoneSet(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a"})

	_, err := op.ReassignEscalationOwner(context.Background(), "thread_1", "agent_a", "operator_1")
	if err == nil {
		t.Fatalf("expected CONFLICT reassigning an unowned thread")
	}
	if opErr, ok := err.(*Error); !ok || opErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestAssignEscalationOwner_RejectsNonParticipant(t *testing.T) {
	op, threads, _, _ := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a"})

	_, err := op.AssignEscalationOwner(context.Background(), "thread_1", "agent_outsider", "operator_1")
	if err == nil {
		t.Fatalf("expected error assigning a non-participant as owner")
	}
	if opErr, ok := err.(*Error); !ok || opErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestFallbackKill_ResolvesByTriggerID(t *testing.T) {
	op, threads, triggers, runs := newTestOperator()
	mustCreateThread(t, threads, "thread_1", "blocked", []string{"agent_a"})
	now := time.Now()
	if _, _, err := triggers.InsertOrGet(context.Background(), &db.TriggerJob{
		TriggerID: "trg_1", ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a",
		Status: "fallback_spawn", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("setup trigger: %v", err)
	}
	if err := runs.Create(context.Background(), &db.FallbackRun{
		TriggerID: "trg_1", PID: 999999, LaunchMode: "spawn", Status: "running",
		StartedAt: now, DeadlineAt: now.Add(5 * time.Minute),
	}); err != nil {
		t.Fatalf("setup run: %v", err)
	}

	views, err := op.FallbackKill(context.Background(), "trg_1", "")
	if err != nil {
		t.Fatalf("FallbackKill failed: %v", err)
	}
	if len(views) != 1 || views[0].TriggerID != "trg_1" {
		t.Fatalf("expected one killed view for trg_1, got %+v", views)
	}
	if views[0].Status != "killed" && views[0].Status != "orphaned" {
		t.Fatalf("expected a terminal status, got %s", views[0].Status)
	}
}

func TestFallbackKill_RequiresSelector(t *testing.T) {
	op, _, _, _ := newTestOperator()
	_, err := op.FallbackKill(context.Background(), "", "")
	if err == nil {
		t.Fatalf("expected error without trigger_id or thread_id")
	}
	if opErr, ok := err.(*Error); !ok || opErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
