package unread

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/storetest"
)

func newTestScheduler(breakerCfg BreakerConfig, bucketCfg BucketConfig, triggers *storetest.TriggerStore) *Scheduler {
	breaker := NewBreaker(breakerCfg)
	bucket := NewLeakyBucket(triggers, bucketCfg, nil)
	return NewScheduler(triggers, breaker, bucket, SchedulerConfig{
		Breaker: breakerCfg, Bucket: bucketCfg, StaleAfter: time.Minute, MaxRetries: 5,
	}, zap.NewNop())
}

func looseBucketConfig() BucketConfig {
	return BucketConfig{MaxPerWindow: 100, Window: time.Minute, MinInterval: 0}
}

func looseBreakerConfig() BreakerConfig {
	return BreakerConfig{BacklogThreshold: 1000, Cooldown: time.Minute}
}

func TestScheduler_SchedulesNewJobForDormantCandidate(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	s := newTestScheduler(looseBreakerConfig(), looseBucketConfig(), triggers)

	candidate := Candidate{ThreadID: "thread_1", WorkspaceID: "ws1", AgentID: "agent_a", LatestSeq: 5, UnreadCount: 5, Session: nil}
	res, err := s.Schedule(context.Background(), []Candidate{candidate}, time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.Scheduled != 1 {
		t.Fatalf("expected one scheduled job, got %+v", res)
	}

	found, err := triggers.FindPendingByReason(context.Background(), "thread_1", "agent_a", autoTriggerReason)
	if err != nil {
		t.Fatalf("FindPendingByReason: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly one pending job, got %d", len(found))
	}
	if found[0].Status != "fallback_spawn" {
		t.Fatalf("expected a nil-session candidate to resolve to fallback_spawn, got %s", found[0].Status)
	}
}

func TestScheduler_SuppressedByBreaker(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	now := time.Now()
	if _, _, err := triggers.InsertOrGet(context.Background(), &db.TriggerJob{
		TriggerID: "trg_backlog", ThreadID: "thread_other", WorkspaceID: "ws1", TargetAgentID: "agent_z",
		Status: "queued", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed backlog job: %v", err)
	}

	s := newTestScheduler(BreakerConfig{BacklogThreshold: 1, Cooldown: time.Minute}, looseBucketConfig(), triggers)
	candidate := Candidate{ThreadID: "thread_1", WorkspaceID: "ws1", AgentID: "agent_a", LatestSeq: 5, UnreadCount: 5}

	res, err := s.Schedule(context.Background(), []Candidate{candidate}, now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.SuppressedByBreaker != 1 || res.Scheduled != 0 {
		t.Fatalf("expected the backlog breach to suppress scheduling, got %+v", res)
	}
}

func TestScheduler_SkipsWhenPendingJobAlreadyExists(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	now := time.Now()
	if _, _, err := triggers.InsertOrGet(context.Background(), &db.TriggerJob{
		TriggerID: "trg_existing", ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a",
		Reason: autoTriggerReason, Status: "queued", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed existing job: %v", err)
	}

	s := newTestScheduler(looseBreakerConfig(), looseBucketConfig(), triggers)
	candidate := Candidate{ThreadID: "thread_1", WorkspaceID: "ws1", AgentID: "agent_a", LatestSeq: 5, UnreadCount: 5}

	res, err := s.Schedule(context.Background(), []Candidate{candidate}, now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.SkippedPending != 1 || res.Scheduled != 0 {
		t.Fatalf("expected an already-pending job to short-circuit scheduling, got %+v", res)
	}
}

func TestScheduler_SuppressedByBudget(t *testing.T) {
	triggers := storetest.NewTriggerStore()
	now := time.Now()
	// One "delivered" job with no reason: it stays under the loose breaker
	// threshold and does not match the pending-dedupe reason.
	seedTriggerAt(t, triggers, "trg_recent", "thread_1", "agent_a", now.Add(-1*time.Second))

	bucketCfg := BucketConfig{MaxPerWindow: 3, Window: time.Minute, MinInterval: 30 * time.Second}
	s := newTestScheduler(looseBreakerConfig(), bucketCfg, triggers)
	candidate := Candidate{ThreadID: "thread_1", WorkspaceID: "ws1", AgentID: "agent_a", LatestSeq: 5, UnreadCount: 5}

	res, err := s.Schedule(context.Background(), []Candidate{candidate}, now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.SuppressedByBudget != 1 || res.Scheduled != 0 {
		t.Fatalf("expected the leaky bucket to suppress scheduling within MinInterval, got %+v", res)
	}
}
