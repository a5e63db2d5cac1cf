package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/runtime"
	"github.com/agent-bridge/bridge/internal/store"
	"github.com/agent-bridge/bridge/internal/trigger"
	"go.uber.org/zap"
)

// Config holds the §4.8/§4.9 tunables.
type Config struct {
	ResumeMaxAttempts  int
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration
	StaleAfter         time.Duration
	FallbackDeadline   time.Duration
	GracePeriod        time.Duration
	OrphanGrace        time.Duration
}

// DefaultConfig returns two resume attempts and a crash-loop threshold of
// three failures within 15 minutes, plus this package's own StaleAfter
// (2 minutes, independent of the session registry's threshold),
// FallbackDeadline (5 minutes), GracePeriod (5 seconds) and OrphanGrace
// (30 seconds).
func DefaultConfig() Config {
	return Config{
		ResumeMaxAttempts:  2,
		CrashLoopThreshold: 3,
		CrashLoopWindow:    15 * time.Minute,
		StaleAfter:         2 * time.Minute,
		FallbackDeadline:   5 * time.Minute,
		GracePeriod:        5 * time.Second,
		OrphanGrace:        30 * time.Second,
	}
}

// crashLoopGuard counts resume failures per (workspace, agent) within a
// trailing window, grounded on the same in-memory mutex-guarded-map shape
// as internal/delivery.CollisionGate.
type crashLoopGuard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newCrashLoopGuard() *crashLoopGuard {
	return &crashLoopGuard{entries: make(map[string][]time.Time)}
}

func crashLoopKey(workspaceID, agentID string) string {
	return workspaceID + "|" + agentID
}

func (g *crashLoopGuard) count(workspaceID, agentID string, window time.Duration, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := crashLoopKey(workspaceID, agentID)
	kept := g.entries[key][:0]
	cutoff := now.Add(-window)
	for _, t := range g.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.entries[key] = kept
	return len(kept)
}

func (g *crashLoopGuard) recordFailure(workspaceID, agentID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := crashLoopKey(workspaceID, agentID)
	g.entries[key] = append(g.entries[key], now)
}

// Executor implements trigger.FallbackExecutor per spec §4.8: it decides
// between resume and spawn, drives the launcher, and persists the
// fallback_runs row for detached launches.
type Executor struct {
	sessions  store.SessionStore
	threads   store.ThreadStore
	runs      store.FallbackStore
	launcher  Launcher
	crashLoop *crashLoopGuard
	cfg       Config
	logger    *zap.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(sessions store.SessionStore, threads store.ThreadStore, runs store.FallbackStore, launcher Launcher, cfg Config, logger *zap.Logger) *Executor {
	return &Executor{
		sessions:  sessions,
		threads:   threads,
		runs:      runs,
		launcher:  launcher,
		crashLoop: newCrashLoopGuard(),
		cfg:       cfg,
		logger:    logger.Named("fallback"),
	}
}

// Execute implements trigger.FallbackExecutor.
func (e *Executor) Execute(ctx context.Context, job db.TriggerJob) (trigger.ExecOutcome, error) {
	now := time.Now()

	session, err := e.sessions.Get(ctx, job.TargetAgentID, job.WorkspaceID)
	if err != nil && err != store.ErrNotFound {
		return trigger.ExecOutcome{}, err
	}

	if e.resumeEligible(session, job, now) {
		outcome, launched, ok := e.attemptResume(ctx, session, job, now)
		if ok {
			return outcome, nil
		}
		if launched {
			return outcome, nil
		}
		// resume attempts exhausted, fall through to spawn
	}

	return e.attemptSpawn(ctx, job, now)
}

func (e *Executor) resumeEligible(session *db.SessionRecord, job db.TriggerJob, now time.Time) bool {
	if job.TargetSessionID == nil || session == nil {
		return false
	}
	if *job.TargetSessionID != session.SessionID {
		return false
	}
	if !session.Resumable {
		return false
	}
	if runtime.IsStale(session.LastHeartbeatAt, e.cfg.StaleAfter, now) {
		return false
	}
	if e.crashLoop.count(job.WorkspaceID, job.TargetAgentID, e.cfg.CrashLoopWindow, now) >= e.cfg.CrashLoopThreshold {
		return false
	}
	return true
}

// attemptResume tries the resume command up to ResumeMaxAttempts times. The
// two returned bools are always equal: true when outcome is final (a
// synchronous resume succeeded, or a detached resume was recorded as a
// running fallback_run); false when every attempt failed or recording the
// detached run failed, in which case the caller falls through to spawn.
func (e *Executor) attemptResume(ctx context.Context, session *db.SessionRecord, job db.TriggerJob, now time.Time) (trigger.ExecOutcome, bool, bool) {
	for attempt := 1; attempt <= e.cfg.ResumeMaxAttempts; attempt++ {
		result, err := e.launcher.Resume(ctx, session, job)
		if err != nil {
			e.logger.Warn("resume attempt failed", zap.String("trigger_id", job.TriggerID), zap.Int("attempt", attempt), zap.Error(err))
			e.crashLoop.recordFailure(job.WorkspaceID, job.TargetAgentID, now)
			continue
		}
		if result.Detached {
			if err := e.recordRunning(ctx, job.TriggerID, result.PID, "resume", now); err != nil {
				return trigger.ExecOutcome{}, false, false
			}
			return trigger.ExecOutcome{Result: "fallback_running", PID: result.PID, DeadlineAt: now.Add(e.cfg.FallbackDeadline)}, true, true
		}
		return trigger.ExecOutcome{Result: "fallback_resume_succeeded"}, true, true
	}
	return trigger.ExecOutcome{}, false, false
}

func (e *Executor) attemptSpawn(ctx context.Context, job db.TriggerJob, now time.Time) (trigger.ExecOutcome, error) {
	prompt, err := e.summaryPrompt(ctx, job)
	if err != nil {
		e.logger.Warn("fallback summary unavailable, using bare prompt", zap.String("trigger_id", job.TriggerID), zap.Error(err))
		prompt = job.Prompt
	}

	result, err := e.launcher.Spawn(ctx, job, prompt)
	if err != nil {
		e.logger.Error("spawn failed", zap.String("trigger_id", job.TriggerID), zap.Error(err))
		return trigger.ExecOutcome{Result: "fallback_resume_failed", ErrorCode: "FALLBACK_SPAWN_FAILED"}, nil
	}

	if result.Detached {
		if err := e.recordRunning(ctx, job.TriggerID, result.PID, "spawn", now); err != nil {
			return trigger.ExecOutcome{}, err
		}
		return trigger.ExecOutcome{Result: "fallback_running", PID: result.PID, DeadlineAt: now.Add(e.cfg.FallbackDeadline)}, nil
	}
	return trigger.ExecOutcome{Result: "fallback_spawned"}, nil
}

func (e *Executor) summaryPrompt(ctx context.Context, job db.TriggerJob) (string, error) {
	summary, err := e.threads.SummarizeThread(ctx, job.ThreadID, 20)
	if err != nil {
		return "", err
	}
	return summary.Text, nil
}

func (e *Executor) recordRunning(ctx context.Context, triggerID string, pid int, mode string, now time.Time) error {
	return e.runs.Create(ctx, &db.FallbackRun{
		TriggerID:  triggerID,
		PID:        pid,
		LaunchMode: mode,
		Status:     "running",
		StartedAt:  now,
		DeadlineAt: now.Add(e.cfg.FallbackDeadline),
	})
}
