package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
	"go.uber.org/zap"
)

// Reconciler scans running fallback_runs rows per tick (spec §4.9):
// deadline enforcement via SIGTERM/grace/SIGKILL, and orphan detection for
// runs whose pid has died without being marked complete.
type Reconciler struct {
	runs     store.FallbackStore
	triggers store.TriggerStore
	cfg      Config
	logger   *zap.Logger

	// orphanSince tracks, per trigger id, the first tick at which a run's
	// pid was observed dead — so orphan_grace_ms is measured from first
	// detection rather than from the run's StartedAt.
	orphanSince map[string]time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(runs store.FallbackStore, triggers store.TriggerStore, cfg Config, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		runs:        runs,
		triggers:    triggers,
		cfg:         cfg,
		logger:      logger.Named("fallback_reconciler"),
		orphanSince: make(map[string]time.Time),
	}
}

// Result reports what happened during one tick.
type Result struct {
	Checked   int
	Killed    int
	Orphaned  int
	TimedOut  int
}

// ReconcileTick implements §4.9's per-tick scan.
func (r *Reconciler) ReconcileTick(ctx context.Context, now time.Time) (Result, error) {
	running, err := r.runs.ListRunning(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fallback: reconcile: list running: %w", err)
	}

	var res Result
	for _, run := range running {
		res.Checked++
		if err := r.reconcileOne(ctx, run, now, &res); err != nil {
			r.logger.Error("reconcile run failed", zap.String("trigger_id", run.TriggerID), zap.Error(err))
		}
	}
	return res, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, run db.FallbackRun, now time.Time, res *Result) error {
	if now.Before(run.DeadlineAt) {
		if processAlive(run.PID) {
			delete(r.orphanSince, run.TriggerID)
			return nil
		}
		first, seen := r.orphanSince[run.TriggerID]
		if !seen {
			r.orphanSince[run.TriggerID] = now
			return nil
		}
		if now.Sub(first) < r.cfg.OrphanGrace {
			return nil
		}
		delete(r.orphanSince, run.TriggerID)
		res.Orphaned++
		return r.settle(ctx, run, "orphaned", "FALLBACK_ORPHANED", now)
	}

	delete(r.orphanSince, run.TriggerID)
	confirmed := terminate(run.PID, r.cfg.GracePeriod)
	status := "timed_out"
	if confirmed {
		status = "killed"
	}
	if status == "killed" {
		res.Killed++
	} else {
		res.TimedOut++
	}
	return r.settle(ctx, run, status, "FALLBACK_DEADLINE_EXCEEDED", now)
}

// settle persists the terminal run status, records a terminal attempt row,
// and rolls the owning job forward to callback_pending so the completion
// callback still fires.
func (r *Reconciler) settle(ctx context.Context, run db.FallbackRun, status, errorCode string, now time.Time) error {
	ended := now
	run.Status = status
	run.EndedAt = &ended
	code := errorCode
	run.ErrorCode = &code
	if err := r.runs.Update(ctx, &run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	job, err := r.triggers.Get(ctx, run.TriggerID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	details, _ := json.Marshal(map[string]interface{}{"fallback_run_status": status})
	attempts, err := r.triggers.ListAttempts(ctx, run.TriggerID)
	nextAttemptNo := 1
	if err == nil {
		nextAttemptNo = len(attempts) + 1
	}
	errCode := errorCode
	if err := r.triggers.RecordAttempt(ctx, &db.TriggerAttempt{
		ID:            fmt.Sprintf("%s:%d", run.TriggerID, nextAttemptNo),
		TriggerID:     run.TriggerID,
		AttemptNo:     nextAttemptNo,
		AttemptResult: status,
		ErrorCode:     &errCode,
		Details:       string(details),
		CreatedAt:     now,
	}); err != nil {
		r.logger.Warn("failed to record fallback terminal attempt", zap.String("trigger_id", run.TriggerID), zap.Error(err))
	}

	if job.Status == "callback_pending" || job.Status == "callback_delivered" || job.Status == "callback_failed" {
		return nil
	}
	_, err = r.triggers.Transition(ctx, run.TriggerID, job.Status, "callback_pending", job.Attempts, nil, now)
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("transition job: %w", err)
	}
	return nil
}

// Kill implements the operator fallback-kill command (spec §4.11):
// terminate the pid and settle the run as killed or orphaned, rolling the
// job forward with error_code = OPERATOR_TERMINATED_FALLBACK.
func (r *Reconciler) Kill(ctx context.Context, triggerID string, now time.Time) error {
	run, err := r.runs.Get(ctx, triggerID)
	if err != nil {
		return err
	}
	if run.Status != "running" {
		return fmt.Errorf("fallback: run %s is not running (status=%s)", triggerID, run.Status)
	}

	status := "orphaned"
	if terminate(run.PID, r.cfg.GracePeriod) {
		status = "killed"
	}
	return r.settle(ctx, *run, status, "OPERATOR_TERMINATED_FALLBACK", now)
}
