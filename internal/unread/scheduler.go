package unread

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
	"github.com/agent-bridge/bridge/internal/trigger"
)

// autoTriggerReason is the fixed reason used for pending-dedupe lookups
// and for every job this scheduler creates (spec §4.5).
const autoTriggerReason = "new_unread_dormant_participant"

// SchedulerConfig bundles the guard configs plus job defaults.
type SchedulerConfig struct {
	Breaker    BreakerConfig
	Bucket     BucketConfig
	StaleAfter time.Duration
	MaxRetries int
}

// DefaultSchedulerConfig returns DefaultBreakerConfig and
// DefaultBucketConfig with a 2-minute StaleAfter and MaxRetries of 5.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Breaker:    DefaultBreakerConfig(),
		Bucket:     DefaultBucketConfig(),
		StaleAfter: 2 * time.Minute,
		MaxRetries: 5,
	}
}

// Scheduler turns unread candidates into trigger jobs, guarded in order by
// the circuit breaker, pending-job dedupe, and the per-participant leaky
// bucket (spec §4.5).
type Scheduler struct {
	triggers store.TriggerStore
	breaker  *Breaker
	bucket   *LeakyBucket
	cfg      SchedulerConfig
	logger   *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(triggers store.TriggerStore, breaker *Breaker, bucket *LeakyBucket, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{triggers: triggers, breaker: breaker, bucket: bucket, cfg: cfg, logger: logger.Named("unread_scheduler")}
}

// Result tallies the outcome of one Schedule call across all candidates.
type Result struct {
	Checked             int
	Scheduled           int
	SkippedPending      int
	SuppressedByBreaker int
	SuppressedByBudget  int
}

// Schedule implements spec §4.5's scheduling step for a batch of
// candidates from Reconciler.FindCandidates.
func (s *Scheduler) Schedule(ctx context.Context, candidates []Candidate, now time.Time) (Result, error) {
	var res Result
	for _, c := range candidates {
		res.Checked++
		outcome, err := s.scheduleOne(ctx, c, now)
		if err != nil {
			s.logger.Error("schedule candidate failed",
				zap.String("thread_id", c.ThreadID), zap.String("agent_id", c.AgentID), zap.Error(err))
			continue
		}
		switch outcome {
		case "scheduled":
			res.Scheduled++
		case "skipped_pending":
			res.SkippedPending++
		case "suppressed_by_breaker":
			res.SuppressedByBreaker++
		case "suppressed_by_budget":
			res.SuppressedByBudget++
		}
	}
	return res, nil
}

func (s *Scheduler) scheduleOne(ctx context.Context, c Candidate, now time.Time) (string, error) {
	pending, err := s.triggers.CountPending(ctx, c.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("count pending: %w", err)
	}
	if !s.breaker.Allow(c.WorkspaceID, int(pending)) {
		return "suppressed_by_breaker", nil
	}

	existing, err := s.triggers.FindPendingByReason(ctx, c.ThreadID, c.AgentID, autoTriggerReason)
	if err != nil {
		return "", fmt.Errorf("find pending by reason: %w", err)
	}
	if len(existing) > 0 {
		return "skipped_pending", nil
	}

	allowed, err := s.bucket.Allow(ctx, c.ThreadID, c.AgentID, now)
	if err != nil {
		return "", fmt.Errorf("leaky bucket: %w", err)
	}
	if !allowed {
		return "suppressed_by_budget", nil
	}

	decision := trigger.Resolve(c.Session, s.cfg.StaleAfter, now)
	triggerID := trigger.BuildTriggerID(trigger.UnreadFingerprint(c.WorkspaceID, c.ThreadID, c.AgentID, c.LatestSeq))

	var targetSessionID *string
	if c.Session != nil {
		sid := c.Session.SessionID
		targetSessionID = &sid
	}

	job := &db.TriggerJob{
		TriggerID:       triggerID,
		ThreadID:        c.ThreadID,
		WorkspaceID:     c.WorkspaceID,
		TargetAgentID:   c.AgentID,
		TargetSessionID: targetSessionID,
		Reason:          autoTriggerReason,
		Prompt:          fmt.Sprintf("%d unread message(s) in thread %s.", c.UnreadCount, c.ThreadID),
		Status:          decision.Status,
		MaxRetries:      s.cfg.MaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if _, _, err := s.triggers.InsertOrGet(ctx, job); err != nil {
		return "", fmt.Errorf("insert trigger job: %w", err)
	}
	return "scheduled", nil
}
