package dispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/audit"
	"github.com/agent-bridge/bridge/internal/auth"
	"github.com/agent-bridge/bridge/internal/storetest"
)

func newTestDispatcher() (*Dispatcher, *storetest.ThreadStore) {
	threads := storetest.NewThreadStore()
	messages := storetest.NewMessageStore()
	cursors := storetest.NewCursorStore()
	sessions := storetest.NewSessionStore()
	triggers := storetest.NewTriggerStore()
	rec := audit.New(storetest.NewAuditStore(), zap.NewNop())

	d := New(threads, messages, cursors, sessions, triggers, rec, nil, Config{
		PostMessageMaxAttempts: 3,
		TriggerMaxRetries:      2,
	}, zap.NewNop())
	return d, threads
}

func coordinatorClaims(workspaceID, agentID string) auth.Claims {
	return auth.Claims{AgentID: agentID, WorkspaceID: workspaceID, Role: auth.RoleCoordinator}
}

func participantClaims(workspaceID, agentID string) auth.Claims {
	return auth.Claims{AgentID: agentID, WorkspaceID: workspaceID, Role: auth.RoleParticipant}
}

func TestCreateThread_RequiresCoordinator(t *testing.T) {
	d, _ := newTestDispatcher()
	ctx := context.Background()

	_, derr := d.CreateThread(ctx, participantClaims("ws1", "agent_a"), CreateThreadRequest{
		Title: "incident review", Type: "incident",
	})
	if derr == nil || derr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for participant role, got %v", derr)
	}

	resp, derr := d.CreateThread(ctx, coordinatorClaims("ws1", "coord_a"), CreateThreadRequest{
		Title: "incident review", Type: "incident", Participants: []string{"agent_a", "agent_a", "agent_b"},
	})
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if resp.Status != "active" {
		t.Fatalf("expected initial status active, got %s", resp.Status)
	}
}

func TestCreateThread_RejectsInvalidType(t *testing.T) {
	d, _ := newTestDispatcher()
	_, derr := d.CreateThread(context.Background(), coordinatorClaims("ws1", "coord_a"), CreateThreadRequest{
		Title: "x", Type: "bogus",
	})
	if derr == nil || derr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", derr)
	}
}

func mustCreateThread(t *testing.T, d *Dispatcher, workspaceID string, participants []string) string {
	t.Helper()
	resp, derr := d.CreateThread(context.Background(), coordinatorClaims(workspaceID, "coord_a"), CreateThreadRequest{
		Title: "t", Type: "conversation", Participants: participants,
	})
	if derr != nil {
		t.Fatalf("CreateThread failed: %v", derr)
	}
	return resp.ThreadID
}

func TestUpdateThreadStatus_EnforcesTransitionGraph(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := coordinatorClaims("ws1", "coord_a")

	// active -> closed is not a direct edge.
	_, derr := d.UpdateThreadStatus(context.Background(), claims, UpdateThreadStatusRequest{
		ThreadID: threadID, Next: "closed",
	})
	if derr == nil || derr.Code != "INVALID_THREAD_TRANSITION" {
		t.Fatalf("expected INVALID_THREAD_TRANSITION, got %v", derr)
	}

	// active -> blocked is valid.
	resp, derr := d.UpdateThreadStatus(context.Background(), claims, UpdateThreadStatusRequest{
		ThreadID: threadID, Next: "blocked",
	})
	if derr != nil {
		t.Fatalf("unexpected error transitioning to blocked: %v", derr)
	}
	if resp.Status != "blocked" {
		t.Fatalf("expected blocked, got %s", resp.Status)
	}
}

func TestUpdateThreadStatus_BlockedToActiveRequiresOwnerOrOverride(t *testing.T) {
	d, threads := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := coordinatorClaims("ws1", "coord_a")

	if _, derr := d.UpdateThreadStatus(context.Background(), claims, UpdateThreadStatusRequest{ThreadID: threadID, Next: "blocked"}); derr != nil {
		t.Fatalf("setup: %v", derr)
	}
	if _, err := threads.SetEscalationOwner(context.Background(), threadID, "agent_a", "coord_a", time.Now(), false); err != nil {
		t.Fatalf("setup owner: %v", err)
	}

	// Neither the owner nor an override reason: forbidden.
	_, derr := d.UpdateThreadStatus(context.Background(), claims, UpdateThreadStatusRequest{
		ThreadID: threadID, Next: "active", ActorAgentID: "someone_else",
	})
	if derr == nil || derr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN without owner/override, got %v", derr)
	}

	// Owner may unblock without an override reason.
	resp, derr := d.UpdateThreadStatus(context.Background(), claims, UpdateThreadStatusRequest{
		ThreadID: threadID, Next: "active", ActorAgentID: "agent_a",
	})
	if derr != nil {
		t.Fatalf("owner unblock should succeed: %v", derr)
	}
	if resp.Status != "active" {
		t.Fatalf("expected active, got %s", resp.Status)
	}
}

func TestUpdateThreadStatus_SameStateIsNoopSuccess(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := coordinatorClaims("ws1", "coord_a")

	// active -> active bypasses the transition graph (which has no
	// active->active edge) and the override-prefix rules entirely.
	resp, derr := d.UpdateThreadStatus(context.Background(), claims, UpdateThreadStatusRequest{
		ThreadID: threadID, Next: "active",
	})
	if derr != nil {
		t.Fatalf("expected no-op success, got %v", derr)
	}
	if resp.Status != "active" {
		t.Fatalf("expected active, got %s", resp.Status)
	}
}

func TestPostMessage_IdempotentReplay(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a", "agent_b"})
	claims := participantClaims("ws1", "agent_a")
	key := "idem-1"

	req := PostMessageRequest{ThreadID: threadID, Kind: "chat", Body: "hello", IdempotencyKey: &key}

	first, derr := d.PostMessage(context.Background(), claims, IdentityHint{}, req)
	if derr != nil {
		t.Fatalf("first post failed: %v", derr)
	}
	second, derr := d.PostMessage(context.Background(), claims, IdentityHint{}, req)
	if derr != nil {
		t.Fatalf("replayed post failed: %v", derr)
	}
	if first.MessageID != second.MessageID || first.Seq != second.Seq {
		t.Fatalf("expected idempotent replay to return the same message, got %+v vs %+v", first, second)
	}
}

func TestPostMessage_RejectsNonParticipantSender(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := participantClaims("ws1", "agent_outsider")

	_, derr := d.PostMessage(context.Background(), claims, IdentityHint{}, PostMessageRequest{
		ThreadID: threadID, Kind: "chat", Body: "hi",
	})
	if derr == nil || derr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT for non-participant sender, got %v", derr)
	}
}

func TestPostMessage_RejectsIdentityHintMismatch(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := participantClaims("ws1", "agent_a")

	_, derr := d.PostMessage(context.Background(), claims, IdentityHint{AgentID: "agent_b"}, PostMessageRequest{
		ThreadID: threadID, Kind: "chat", Body: "hi",
	})
	if derr == nil || derr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for mismatched identity hint, got %v", derr)
	}
}

func TestAckRead_RejectsRegression(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := participantClaims("ws1", "agent_a")

	if _, derr := d.PostMessage(context.Background(), claims, IdentityHint{}, PostMessageRequest{ThreadID: threadID, Kind: "chat", Body: "m1"}); derr != nil {
		t.Fatalf("setup post: %v", derr)
	}
	if _, derr := d.PostMessage(context.Background(), claims, IdentityHint{}, PostMessageRequest{ThreadID: threadID, Kind: "chat", Body: "m2"}); derr != nil {
		t.Fatalf("setup post: %v", derr)
	}

	if _, derr := d.AckRead(context.Background(), claims, IdentityHint{}, AckReadRequest{ThreadID: threadID, LastReadSeq: 2}); derr != nil {
		t.Fatalf("ack to 2 failed: %v", derr)
	}
	_, derr := d.AckRead(context.Background(), claims, IdentityHint{}, AckReadRequest{ThreadID: threadID, LastReadSeq: 1})
	if derr == nil || derr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT on cursor regression, got %v", derr)
	}
}

func TestAckRead_RejectsSeqBeyondLatest(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := participantClaims("ws1", "agent_a")

	_, derr := d.AckRead(context.Background(), claims, IdentityHint{}, AckReadRequest{ThreadID: threadID, LastReadSeq: 5})
	if derr == nil || derr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", derr)
	}
}

func TestGetThread_RejectsCrossWorkspaceAccess(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", nil)

	_, derr := d.GetThread(context.Background(), coordinatorClaims("ws2", "coord_a"), GetThreadRequest{ThreadID: threadID})
	if derr == nil || derr.Code != "WORKSPACE_MISMATCH" {
		t.Fatalf("expected WORKSPACE_MISMATCH, got %v", derr)
	}
}

func TestTriggerParticipant_RejectsNonParticipantTarget(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := coordinatorClaims("ws1", "coord_a")

	_, derr := d.TriggerParticipant(context.Background(), claims, TriggerParticipantRequest{
		ThreadID: threadID, TargetAgentID: "agent_outsider", RequestID: "req-1", TriggerPrompt: "ping",
	})
	if derr == nil || derr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected INVALID_ARGUMENT for non-participant target, got %v", derr)
	}
}

func TestTriggerParticipant_IdempotentByRequestID(t *testing.T) {
	d, _ := newTestDispatcher()
	threadID := mustCreateThread(t, d, "ws1", []string{"agent_a"})
	claims := coordinatorClaims("ws1", "coord_a")

	req := TriggerParticipantRequest{ThreadID: threadID, TargetAgentID: "agent_a", RequestID: "req-1", TriggerPrompt: "ping"}
	first, derr := d.TriggerParticipant(context.Background(), claims, req)
	if derr != nil {
		t.Fatalf("first trigger failed: %v", derr)
	}
	second, derr := d.TriggerParticipant(context.Background(), claims, req)
	if derr != nil {
		t.Fatalf("replayed trigger failed: %v", derr)
	}
	if first.TriggerID != second.TriggerID {
		t.Fatalf("expected the same trigger id on replay, got %s vs %s", first.TriggerID, second.TriggerID)
	}
}
