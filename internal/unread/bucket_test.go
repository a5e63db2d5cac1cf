package unread

import (
	"context"
	"testing"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/storetest"
)

func seedTriggerAt(t *testing.T, triggers *storetest.TriggerStore, triggerID, threadID, agentID string, createdAt time.Time) {
	t.Helper()
	if _, _, err := triggers.InsertOrGet(context.Background(), &db.TriggerJob{
		TriggerID: triggerID, ThreadID: threadID, WorkspaceID: "ws1", TargetAgentID: agentID,
		Status: "delivered", CreatedAt: createdAt, UpdatedAt: createdAt,
	}); err != nil {
		t.Fatalf("seedTriggerAt: %v", err)
	}
}

func TestLeakyBucket_AllowsWithNoHistory(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	lb := NewLeakyBucket(triggers, BucketConfig{MaxPerWindow: 3, Window: 5 * time.Minute, MinInterval: 30 * time.Second}, nil)

	allowed, err := lb.Allow(context.Background(), "thread_1", "agent_a", time.Now())
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected an empty history to be allowed")
	}
}

func TestLeakyBucket_RejectsWithinMinInterval(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	cfg := BucketConfig{MaxPerWindow: 3, Window: 5 * time.Minute, MinInterval: 30 * time.Second}
	lb := NewLeakyBucket(triggers, cfg, nil)

	now := time.Now()
	seedTriggerAt(t, triggers, "trg_1", "thread_1", "agent_a", now.Add(-10*time.Second))

	allowed, err := lb.Allow(context.Background(), "thread_1", "agent_a", now)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected a trigger within MinInterval of the last one to be rejected")
	}
}

func TestLeakyBucket_RejectsAtWindowCapacity(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	cfg := BucketConfig{MaxPerWindow: 2, Window: 5 * time.Minute, MinInterval: 10 * time.Second}
	lb := NewLeakyBucket(triggers, cfg, nil)

	now := time.Now()
	seedTriggerAt(t, triggers, "trg_1", "thread_1", "agent_a", now.Add(-4*time.Minute))
	seedTriggerAt(t, triggers, "trg_2", "thread_1", "agent_a", now.Add(-1*time.Minute))

	allowed, err := lb.Allow(context.Background(), "thread_1", "agent_a", now)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected the bucket to reject once MaxPerWindow is reached within Window")
	}
}

func TestLeakyBucket_AllowsOnceOldestLeavesWindow(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	cfg := BucketConfig{MaxPerWindow: 2, Window: 5 * time.Minute, MinInterval: 10 * time.Second}
	lb := NewLeakyBucket(triggers, cfg, nil)

	now := time.Now()
	seedTriggerAt(t, triggers, "trg_1", "thread_1", "agent_a", now.Add(-10*time.Minute))
	seedTriggerAt(t, triggers, "trg_2", "thread_1", "agent_a", now.Add(-1*time.Minute))

	allowed, err := lb.Allow(context.Background(), "thread_1", "agent_a", now)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected the bucket to allow once the oldest entry has aged out of Window")
	}
}

func TestLeakyBucket_IsolatedPerParticipant(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	cfg := BucketConfig{MaxPerWindow: 1, Window: 5 * time.Minute, MinInterval: 30 * time.Second}
	lb := NewLeakyBucket(triggers, cfg, nil)

	now := time.Now()
	seedTriggerAt(t, triggers, "trg_1", "thread_1", "agent_a", now.Add(-1*time.Second))

	allowed, err := lb.Allow(context.Background(), "thread_1", "agent_b", now)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected a different agent in the same thread to have its own budget")
	}
}
