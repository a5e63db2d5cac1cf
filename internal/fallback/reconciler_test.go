package fallback

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/storetest"
)

// deadPID is virtually guaranteed not to correspond to a live process in
// any test environment.
const deadPID = 999999999

func newTestReconciler(cfg Config) (*Reconciler, *storetest.FallbackStore, *storetest.TriggerStore) {
	runs := storetest.NewFallbackStore()
	triggers := storetest.NewTriggerStore()
	return NewReconciler(runs, triggers, cfg, zap.NewNop()), runs, triggers
}

func seedRunningJob(t *testing.T, triggers *storetest.TriggerStore, triggerID string) {
	t.Helper()
	now := time.Now()
	if _, _, err := triggers.InsertOrGet(context.Background(), &db.TriggerJob{
		TriggerID: triggerID, ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a",
		Status: "triggering", MaxRetries: 2, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seedRunningJob: %v", err)
	}
}

func TestReconcileTick_LivePidBeforeDeadlineIsUntouched(t *testing.T) {
	cfg := DefaultConfig()
	r, runs, triggers := newTestReconciler(cfg)
	seedRunningJob(t, triggers, "trg_1")

	now := time.Now()
	if err := runs.Create(context.Background(), &db.FallbackRun{
		TriggerID: "trg_1", PID: os.Getpid(), LaunchMode: "spawn", Status: "running",
		StartedAt: now, DeadlineAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	res, err := r.ReconcileTick(context.Background(), now)
	if err != nil {
		t.Fatalf("ReconcileTick: %v", err)
	}
	if res.Checked != 1 || res.Killed != 0 || res.Orphaned != 0 || res.TimedOut != 0 {
		t.Fatalf("expected a live pid before its deadline to be left alone, got %+v", res)
	}

	run, err := runs.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != "running" {
		t.Fatalf("expected the run to remain running, got %s", run.Status)
	}
}

func TestReconcileTick_DeadPidOrphansAfterGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrphanGrace = time.Minute
	r, runs, triggers := newTestReconciler(cfg)
	seedRunningJob(t, triggers, "trg_1")

	now := time.Now()
	if err := runs.Create(context.Background(), &db.FallbackRun{
		TriggerID: "trg_1", PID: deadPID, LaunchMode: "spawn", Status: "running",
		StartedAt: now, DeadlineAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	firstTick, err := r.ReconcileTick(context.Background(), now)
	if err != nil {
		t.Fatalf("ReconcileTick (first): %v", err)
	}
	if firstTick.Orphaned != 0 {
		t.Fatalf("expected the first detection of a dead pid to not yet settle, got %+v", firstTick)
	}

	secondTick, err := r.ReconcileTick(context.Background(), now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReconcileTick (second): %v", err)
	}
	if secondTick.Orphaned != 1 {
		t.Fatalf("expected the run to settle as orphaned once OrphanGrace elapses, got %+v", secondTick)
	}

	run, err := runs.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != "orphaned" {
		t.Fatalf("expected orphaned, got %s", run.Status)
	}

	job, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job.Status != "callback_pending" {
		t.Fatalf("expected the job to roll forward to callback_pending, got %s", job.Status)
	}
}

func TestReconcileTick_DeadlineExceededSettlesKilled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 0
	r, runs, triggers := newTestReconciler(cfg)
	seedRunningJob(t, triggers, "trg_1")

	now := time.Now()
	if err := runs.Create(context.Background(), &db.FallbackRun{
		TriggerID: "trg_1", PID: deadPID, LaunchMode: "spawn", Status: "running",
		StartedAt: now.Add(-time.Hour), DeadlineAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	res, err := r.ReconcileTick(context.Background(), now)
	if err != nil {
		t.Fatalf("ReconcileTick: %v", err)
	}
	if res.Killed != 1 {
		t.Fatalf("expected a deadline breach against a nonexistent pid to settle as killed, got %+v", res)
	}

	run, err := runs.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != "killed" {
		t.Fatalf("expected killed, got %s", run.Status)
	}
}

func TestKill_RequiresRunningStatus(t *testing.T) {
	cfg := DefaultConfig()
	r, runs, triggers := newTestReconciler(cfg)
	seedRunningJob(t, triggers, "trg_1")

	now := time.Now()
	if err := runs.Create(context.Background(), &db.FallbackRun{
		TriggerID: "trg_1", PID: deadPID, LaunchMode: "spawn", Status: "killed",
		StartedAt: now, DeadlineAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	if err := r.Kill(context.Background(), "trg_1", now); err == nil {
		t.Fatalf("expected Kill to reject a run that is not running")
	}
}

func TestKill_SettlesAndRollsJobForward(t *testing.T) {
	cfg := DefaultConfig()
	r, runs, triggers := newTestReconciler(cfg)
	seedRunningJob(t, triggers, "trg_1")

	now := time.Now()
	if err := runs.Create(context.Background(), &db.FallbackRun{
		TriggerID: "trg_1", PID: deadPID, LaunchMode: "spawn", Status: "running",
		StartedAt: now, DeadlineAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	if err := r.Kill(context.Background(), "trg_1", now); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	run, err := runs.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != "killed" || run.ErrorCode == nil || *run.ErrorCode != "OPERATOR_TERMINATED_FALLBACK" {
		t.Fatalf("expected a killed run tagged with OPERATOR_TERMINATED_FALLBACK, got %+v", run)
	}

	job, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job.Status != "callback_pending" {
		t.Fatalf("expected the job to roll forward to callback_pending, got %s", job.Status)
	}
}
