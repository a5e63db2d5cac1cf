package fallback

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/storetest"
)

type fakeLauncher struct {
	resumeResult LaunchResult
	resumeErr    error
	resumeCalls  int

	spawnResult LaunchResult
	spawnErr    error
	spawnCalls  int
}

func (f *fakeLauncher) Resume(_ context.Context, _ *db.SessionRecord, _ db.TriggerJob) (LaunchResult, error) {
	f.resumeCalls++
	return f.resumeResult, f.resumeErr
}

func (f *fakeLauncher) Spawn(_ context.Context, _ db.TriggerJob, _ string) (LaunchResult, error) {
	f.spawnCalls++
	return f.spawnResult, f.spawnErr
}

func newTestExecutor(launcher Launcher, cfg Config) (*Executor, *storetest.SessionStore, *storetest.ThreadStore, *storetest.FallbackStore) {
	sessions := storetest.NewSessionStore()
	threads := storetest.NewThreadStore()
	runs := storetest.NewFallbackStore()
	return NewExecutor(sessions, threads, runs, launcher, cfg, zap.NewNop()), sessions, threads, runs
}

func resumableJob(sessionID string) db.TriggerJob {
	sid := sessionID
	return db.TriggerJob{
		TriggerID: "trg_1", ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a",
		TargetSessionID: &sid, Status: "fallback_resume", MaxRetries: 2,
	}
}

func TestExecute_ResumesFreshResumableSession(t *testing.T) {
	launcher := &fakeLauncher{resumeResult: LaunchResult{Detached: false}}
	cfg := DefaultConfig()
	e, sessions, _, _ := newTestExecutor(launcher, cfg)

	now := time.Now()
	if _, err := sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_a", WorkspaceID: "ws1", SessionID: "sess_1", Resumable: true, Status: "idle",
		LastHeartbeatAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	outcome, err := e.Execute(context.Background(), resumableJob("sess_1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Result != "fallback_resume_succeeded" {
		t.Fatalf("expected a non-detached resume to succeed synchronously, got %+v", outcome)
	}
	if launcher.resumeCalls != 1 || launcher.spawnCalls != 0 {
		t.Fatalf("expected only the resume path to run, got resume=%d spawn=%d", launcher.resumeCalls, launcher.spawnCalls)
	}
}

func TestExecute_DetachedResumeRecordsRunningFallback(t *testing.T) {
	launcher := &fakeLauncher{resumeResult: LaunchResult{PID: 4242, Detached: true}}
	cfg := DefaultConfig()
	e, sessions, _, runs := newTestExecutor(launcher, cfg)

	now := time.Now()
	if _, err := sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_a", WorkspaceID: "ws1", SessionID: "sess_1", Resumable: true, Status: "idle",
		LastHeartbeatAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	outcome, err := e.Execute(context.Background(), resumableJob("sess_1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Result != "fallback_running" || outcome.PID != 4242 {
		t.Fatalf("expected fallback_running with the launched pid, got %+v", outcome)
	}

	run, err := runs.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if run.Status != "running" || run.LaunchMode != "resume" {
		t.Fatalf("expected a running resume fallback_run, got %+v", run)
	}
}

func TestExecute_StaleSessionSkipsResumeAndSpawns(t *testing.T) {
	launcher := &fakeLauncher{spawnResult: LaunchResult{Detached: false}}
	cfg := DefaultConfig()
	e, sessions, threads, _ := newTestExecutor(launcher, cfg)

	now := time.Now()
	if _, err := sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_a", WorkspaceID: "ws1", SessionID: "sess_1", Resumable: true, Status: "idle",
		LastHeartbeatAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := threads.CreateThread(context.Background(), &db.Thread{
		ID: "thread_1", WorkspaceID: "ws1", Title: "t", Type: "conversation", Status: "active", CreatedAt: now, UpdatedAt: now,
	}, []string{"agent_a"}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	outcome, err := e.Execute(context.Background(), resumableJob("sess_1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Result != "fallback_spawned" {
		t.Fatalf("expected a stale session to fall through to spawn, got %+v", outcome)
	}
	if launcher.resumeCalls != 0 || launcher.spawnCalls != 1 {
		t.Fatalf("expected only the spawn path to run, got resume=%d spawn=%d", launcher.resumeCalls, launcher.spawnCalls)
	}
}

func TestExecute_NoSessionSpawnsDirectly(t *testing.T) {
	launcher := &fakeLauncher{spawnResult: LaunchResult{PID: 99, Detached: true}}
	cfg := DefaultConfig()
	e, _, threads, runs := newTestExecutor(launcher, cfg)

	now := time.Now()
	if err := threads.CreateThread(context.Background(), &db.Thread{
		ID: "thread_1", WorkspaceID: "ws1", Title: "t", Type: "conversation", Status: "active", CreatedAt: now, UpdatedAt: now,
	}, []string{"agent_a"}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	job := db.TriggerJob{TriggerID: "trg_1", ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a", Status: "fallback_spawn", MaxRetries: 2}
	outcome, err := e.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Result != "fallback_running" {
		t.Fatalf("expected a detached spawn to report fallback_running, got %+v", outcome)
	}
	run, err := runs.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if run.LaunchMode != "spawn" {
		t.Fatalf("expected the recorded run to be tagged spawn, got %s", run.LaunchMode)
	}
}

func TestExecute_CrashLoopGuardForcesSpawnOverResume(t *testing.T) {
	launcher := &fakeLauncher{resumeErr: nil, resumeResult: LaunchResult{Detached: false}, spawnResult: LaunchResult{Detached: false}}
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 1
	e, sessions, threads, _ := newTestExecutor(launcher, cfg)

	now := time.Now()
	if _, err := sessions.Heartbeat(context.Background(), &db.SessionRecord{
		AgentID: "agent_a", WorkspaceID: "ws1", SessionID: "sess_1", Resumable: true, Status: "idle",
		LastHeartbeatAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := threads.CreateThread(context.Background(), &db.Thread{
		ID: "thread_1", WorkspaceID: "ws1", Title: "t", Type: "conversation", Status: "active", CreatedAt: now, UpdatedAt: now,
	}, []string{"agent_a"}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	e.crashLoop.recordFailure("ws1", "agent_a", now)

	outcome, err := e.Execute(context.Background(), resumableJob("sess_1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Result != "fallback_spawned" {
		t.Fatalf("expected a tripped crash loop guard to force spawn, got %+v", outcome)
	}
	if launcher.resumeCalls != 0 {
		t.Fatalf("expected the crash loop guard to skip resume entirely, got %d resume calls", launcher.resumeCalls)
	}
}
