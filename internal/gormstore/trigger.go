package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// claimableStatuses lists the trigger_jobs.status values eligible for
// claiming by the queue processor, per spec §4.6 step 2.
var claimableStatuses = []string{
	"queued", "timeout", "deferred", "fallback_resume", "fallback_spawn",
	"callback_pending", "callback_retry",
}

// TriggerStore is the GORM-backed implementation of store.TriggerStore.
// ClaimDue is the one place this repository drops to raw SQL: GORM has no
// first-class SKIP LOCKED builder, per SPEC_FULL.md §5.
type TriggerStore struct {
	db *gorm.DB
}

// NewTriggerStore returns a store.TriggerStore backed by the provided *gorm.DB.
func NewTriggerStore(gdb *gorm.DB) *TriggerStore {
	return &TriggerStore{db: gdb}
}

// InsertOrGet performs "insert, do-nothing on conflict" on trigger_id, then
// re-reads. The bool return is true iff this call created the row.
func (s *TriggerStore) InsertOrGet(ctx context.Context, job *db.TriggerJob) (*db.TriggerJob, bool, error) {
	err := s.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}
	if !isUniqueConstraintErr(err) {
		return nil, false, fmt.Errorf("triggers: insert: %w", err)
	}

	existing, getErr := s.Get(ctx, job.TriggerID)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, false, nil
}

// Get fetches a job by trigger_id.
func (s *TriggerStore) Get(ctx context.Context, triggerID string) (*db.TriggerJob, error) {
	var job db.TriggerJob
	err := s.db.WithContext(ctx).First(&job, "trigger_id = ?", triggerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("triggers: get: %w", err)
	}
	return &job, nil
}

// ClaimDue selects up to limit due jobs in workspaceID and marks them
// "triggering" in one transaction. Two dialect paths: postgres uses a
// SKIP LOCKED subquery so concurrent worker processes never double-claim;
// sqlite (capped at one connection by internal/db) serializes all writers
// already, so the subquery omits the postgres-only locking clause.
func (s *TriggerStore) ClaimDue(ctx context.Context, workspaceID string, limit int, now time.Time) ([]store.ClaimedTriggerJob, error) {
	var claimed []store.ClaimedTriggerJob

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type candidateRow struct {
			TriggerID string
			Status    string
		}
		var candidates []candidateRow

		switch tx.Dialector.Name() {
		case "postgres":
			if err := tx.Raw(`
				SELECT trigger_id, status FROM trigger_jobs
				WHERE workspace_id = ?
				  AND status IN ?
				  AND (next_retry_at IS NULL OR next_retry_at <= ?)
				ORDER BY next_retry_at NULLS FIRST, created_at
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			`, workspaceID, claimableStatuses, now, limit).Scan(&candidates).Error; err != nil {
				return fmt.Errorf("triggers: claim due: select candidates: %w", err)
			}
		default:
			if err := tx.Raw(`
				SELECT trigger_id, status FROM trigger_jobs
				WHERE workspace_id = ?
				  AND status IN ?
				  AND (next_retry_at IS NULL OR next_retry_at <= ?)
				ORDER BY (next_retry_at IS NULL) DESC, next_retry_at, created_at
				LIMIT ?
			`, workspaceID, claimableStatuses, now, limit).Scan(&candidates).Error; err != nil {
				return fmt.Errorf("triggers: claim due: select candidates: %w", err)
			}
		}

		if len(candidates) == 0 {
			return nil
		}

		priorStatus := make(map[string]string, len(candidates))
		candidateIDs := make([]string, len(candidates))
		for i, c := range candidates {
			candidateIDs[i] = c.TriggerID
			priorStatus[c.TriggerID] = c.Status
		}

		if err := tx.Model(&db.TriggerJob{}).
			Where("trigger_id IN ?", candidateIDs).
			Updates(map[string]interface{}{
				"status":     "triggering",
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("triggers: claim due: mark triggering: %w", err)
		}

		var jobs []db.TriggerJob
		if err := tx.Where("trigger_id IN ?", candidateIDs).Find(&jobs).Error; err != nil {
			return fmt.Errorf("triggers: claim due: reload claimed: %w", err)
		}

		claimed = make([]store.ClaimedTriggerJob, len(jobs))
		for i, j := range jobs {
			claimed[i] = store.ClaimedTriggerJob{Job: j, PriorStatus: priorStatus[j.TriggerID]}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReclaimStaleLeases moves rows stuck in "triggering" past leaseTimeout
// back to "queued", unless a "delivered" attempt already exists for them,
// in which case they move to "callback_pending" instead.
func (s *TriggerStore) ReclaimStaleLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int, int, error) {
	cutoff := now.Add(-leaseTimeout)

	var stale []db.TriggerJob
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", "triggering", cutoff).
		Find(&stale).Error; err != nil {
		return 0, 0, fmt.Errorf("triggers: reclaim: scan: %w", err)
	}

	toQueued, toCallback := 0, 0
	for _, job := range stale {
		var delivered int64
		if err := s.db.WithContext(ctx).
			Model(&db.TriggerAttempt{}).
			Where("trigger_id = ? AND attempt_result = ?", job.TriggerID, "delivered").
			Count(&delivered).Error; err != nil {
			return toQueued, toCallback, fmt.Errorf("triggers: reclaim: check delivered: %w", err)
		}

		next := "queued"
		if delivered > 0 {
			next = "callback_pending"
		}

		result := s.db.WithContext(ctx).
			Model(&db.TriggerJob{}).
			Where("trigger_id = ? AND status = ?", job.TriggerID, "triggering").
			Updates(map[string]interface{}{
				"status":     next,
				"updated_at": now,
			})
		if result.Error != nil {
			return toQueued, toCallback, fmt.Errorf("triggers: reclaim: apply: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		if next == "queued" {
			toQueued++
		} else {
			toCallback++
		}
	}
	return toQueued, toCallback, nil
}

// Transition performs a CAS on status and updates the other mutable fields
// in the same statement.
func (s *TriggerStore) Transition(ctx context.Context, triggerID, expectedCurrent, next string, attempts int, nextRetryAt *time.Time, updatedAt time.Time) (*db.TriggerJob, error) {
	result := s.db.WithContext(ctx).
		Model(&db.TriggerJob{}).
		Where("trigger_id = ? AND status = ?", triggerID, expectedCurrent).
		Updates(map[string]interface{}{
			"status":        next,
			"attempts":      attempts,
			"next_retry_at": nextRetryAt,
			"updated_at":    updatedAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("triggers: transition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, store.ErrConflict
	}
	return s.Get(ctx, triggerID)
}

// RecordAttempt appends a TriggerAttempt row.
func (s *TriggerStore) RecordAttempt(ctx context.Context, att *db.TriggerAttempt) error {
	if err := s.db.WithContext(ctx).Create(att).Error; err != nil {
		return fmt.Errorf("triggers: record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts for a job ordered by attempt_no.
func (s *TriggerStore) ListAttempts(ctx context.Context, triggerID string) ([]db.TriggerAttempt, error) {
	var rows []db.TriggerAttempt
	if err := s.db.WithContext(ctx).
		Where("trigger_id = ?", triggerID).
		Order("attempt_no ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("triggers: list attempts: %w", err)
	}
	return rows, nil
}

// RecentAttemptsByThreadAgent returns the most recent n attempt rows across
// every trigger job targeting agentID on threadID, newest first.
func (s *TriggerStore) RecentAttemptsByThreadAgent(ctx context.Context, threadID, agentID string, n int) ([]db.TriggerAttempt, error) {
	var rows []db.TriggerAttempt
	if err := s.db.WithContext(ctx).
		Model(&db.TriggerAttempt{}).
		Select("trigger_attempts.*").
		Joins("JOIN trigger_jobs ON trigger_jobs.trigger_id = trigger_attempts.trigger_id").
		Where("trigger_jobs.thread_id = ? AND trigger_jobs.target_agent_id = ?", threadID, agentID).
		Order("trigger_attempts.created_at DESC").
		Limit(n).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("triggers: recent attempts by thread-agent: %w", err)
	}
	return rows, nil
}

// terminalStatuses are excluded from the circuit breaker's backlog count.
var terminalStatuses = []string{"failed", "callback_delivered", "callback_failed"}

// CountPending returns the number of non-terminal trigger jobs in a
// workspace — the circuit breaker's backlog signal.
func (s *TriggerStore) CountPending(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&db.TriggerJob{}).
		Where("workspace_id = ? AND status NOT IN ?", workspaceID, terminalStatuses).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("triggers: count pending: %w", err)
	}
	return count, nil
}

// FindPendingByReason returns non-terminal jobs for (threadID, agentID,
// reason) — the unread scheduler's pending-dedupe guard.
func (s *TriggerStore) FindPendingByReason(ctx context.Context, threadID, agentID, reason string) ([]db.TriggerJob, error) {
	var rows []db.TriggerJob
	if err := s.db.WithContext(ctx).
		Where("thread_id = ? AND target_agent_id = ? AND reason = ? AND status NOT IN ?", threadID, agentID, reason, terminalStatuses).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("triggers: find pending by reason: %w", err)
	}
	return rows, nil
}

// RecentByParticipant returns the most recent n trigger jobs for
// (threadID, agentID), newest first — the leaky bucket's trailing window.
func (s *TriggerStore) RecentByParticipant(ctx context.Context, threadID, agentID string, n int) ([]db.TriggerJob, error) {
	var rows []db.TriggerJob
	if err := s.db.WithContext(ctx).
		Where("thread_id = ? AND target_agent_id = ?", threadID, agentID).
		Order("created_at DESC").
		Limit(n).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("triggers: recent by participant: %w", err)
	}
	return rows, nil
}
