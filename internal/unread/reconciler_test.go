package unread

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/storetest"
)

type reconcilerFixture struct {
	threads  *storetest.ThreadStore
	messages *storetest.MessageStore
	cursors  *storetest.CursorStore
	sessions *storetest.SessionStore
	rec      *Reconciler
}

func newReconcilerFixture(staleAfter time.Duration) *reconcilerFixture {
	f := &reconcilerFixture{
		threads:  storetest.NewThreadStore(),
		messages: storetest.NewMessageStore(),
		cursors:  storetest.NewCursorStore(),
		sessions: storetest.NewSessionStore(),
	}
	f.rec = NewReconciler(f.threads, f.messages, f.cursors, f.sessions, staleAfter, zap.NewNop())
	return f
}

func (f *reconcilerFixture) seedThread(t *testing.T, threadID string, participants []string) {
	t.Helper()
	now := time.Now()
	if err := f.threads.CreateThread(context.Background(), &db.Thread{
		ID: threadID, WorkspaceID: "ws1", Title: "t", Type: "conversation", Status: "active", CreatedAt: now, UpdatedAt: now,
	}, participants); err != nil {
		t.Fatalf("seedThread: %v", err)
	}
}

func (f *reconcilerFixture) postMessage(t *testing.T, threadID, sender string) {
	t.Helper()
	if _, err := f.messages.Post(context.Background(), &db.Message{
		ID: sender + "_msg", ThreadID: threadID, SenderAgentID: sender, Kind: "chat", Body: "hi", CreatedAt: time.Now(),
	}, 0); err != nil {
		t.Fatalf("postMessage: %v", err)
	}
}

func (f *reconcilerFixture) ackCursor(t *testing.T, threadID, agentID string, seq int64) {
	t.Helper()
	if _, err := f.cursors.Ack(context.Background(), threadID, agentID, seq, time.Now()); err != nil {
		t.Fatalf("ackCursor: %v", err)
	}
}

func TestFindCandidates_NoSessionIsDormant(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})
	f.postMessage(t, "thread_1", "agent_a")

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", time.Now())
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].AgentID != "agent_b" {
		t.Fatalf("expected agent_b to be the sole dormant candidate, got %+v", candidates)
	}
}

func TestFindCandidates_LatestSenderExcluded(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})
	f.postMessage(t, "thread_1", "agent_a")

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", time.Now())
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	for _, c := range candidates {
		if c.AgentID == "agent_a" {
			t.Fatalf("expected the latest sender to be excluded from its own unread count")
		}
	}
}

func TestFindCandidates_ActiveSessionIsNotDormant(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})
	f.postMessage(t, "thread_1", "agent_a")
	now := time.Now()
	if _, err := f.sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_b", WorkspaceID: "ws1", SessionID: "sess_1", Status: "active", LastHeartbeatAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", now)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected a fresh active session to not be dormant, got %+v", candidates)
	}
}

func TestFindCandidates_StaleHeartbeatIsDormant(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})
	f.postMessage(t, "thread_1", "agent_a")
	now := time.Now()
	if _, err := f.sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_b", WorkspaceID: "ws1", SessionID: "sess_1", Status: "active",
		LastHeartbeatAt: now.Add(-2 * time.Minute), UpdatedAt: now.Add(-2 * time.Minute),
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", now)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].AgentID != "agent_b" {
		t.Fatalf("expected a stale heartbeat to count as dormant, got %+v", candidates)
	}
}

func TestFindCandidates_IdleSessionIsDormant(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})
	f.postMessage(t, "thread_1", "agent_a")
	now := time.Now()
	if _, err := f.sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_b", WorkspaceID: "ws1", SessionID: "sess_1", Status: "idle", LastHeartbeatAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", now)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].AgentID != "agent_b" {
		t.Fatalf("expected an idle session to count as dormant, got %+v", candidates)
	}
}

func TestFindCandidates_AckedCursorSkipsCandidate(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})
	f.postMessage(t, "thread_1", "agent_a")
	f.ackCursor(t, "thread_1", "agent_b", 1)

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", time.Now())
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected a fully-acked participant to produce no candidates, got %+v", candidates)
	}
}

func TestFindCandidates_EmptyThreadProducesNoCandidates(t *testing.T) {
	f := newReconcilerFixture(time.Minute)
	f.seedThread(t, "thread_1", []string{"agent_a", "agent_b"})

	candidates, err := f.rec.FindCandidates(context.Background(), "ws1", time.Now())
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected a thread with no messages to produce no candidates, got %+v", candidates)
	}
}
