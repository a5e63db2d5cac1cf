// Package supervisor runs the background tick loop named throughout spec
// §4.5/§4.6/§4.9/§4.10: unread reconciliation and auto-trigger scheduling,
// runtime reconciliation, fallback-run reconciliation, and trigger queue
// processing, in that order, once per tick. Wraps gocron the same way
// server/internal/scheduler/scheduler.go does, but with a single fixed-
// interval job instead of one gocron job per policy — this service has no
// per-entity schedule, only one global tick rate.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/fallback"
	"github.com/agent-bridge/bridge/internal/metrics"
	"github.com/agent-bridge/bridge/internal/runtime"
	"github.com/agent-bridge/bridge/internal/trigger"
	"github.com/agent-bridge/bridge/internal/unread"
)

// Config holds the supervisor's tunables.
type Config struct {
	WorkspaceID  string
	TickInterval time.Duration
	TickTimeout  time.Duration
}

// DefaultConfig returns the stated tick interval from spec §6 (5s).
func DefaultConfig(workspaceID string) Config {
	return Config{WorkspaceID: workspaceID, TickInterval: 5 * time.Second, TickTimeout: 30 * time.Second}
}

// Supervisor wraps gocron and drives the four reconciliation/processing
// stages on a single recurring tick.
type Supervisor struct {
	cron gocron.Scheduler
	cfg  Config

	unreadReconciler *unread.Reconciler
	unreadScheduler  *unread.Scheduler
	runtimeRegistry  *runtime.Registry
	fallbackRecon    *fallback.Reconciler
	processor        *trigger.Processor
	metrics          *metrics.Metrics

	logger *zap.Logger
}

// New constructs a Supervisor. Call Start to begin ticking.
func New(
	cfg Config,
	unreadReconciler *unread.Reconciler,
	unreadScheduler *unread.Scheduler,
	runtimeRegistry *runtime.Registry,
	fallbackRecon *fallback.Reconciler,
	processor *trigger.Processor,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Supervisor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("supervisor: failed to create gocron scheduler: %w", err)
	}
	return &Supervisor{
		cron:             s,
		cfg:              cfg,
		unreadReconciler: unreadReconciler,
		unreadScheduler:  unreadScheduler,
		runtimeRegistry:  runtimeRegistry,
		fallbackRecon:    fallbackRecon,
		processor:        processor,
		metrics:          m,
		logger:           logger.Named("supervisor"),
	}, nil
}

// Start schedules the recurring tick job and starts the gocron scheduler.
// Call once at server startup.
func (s *Supervisor) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.TickInterval),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("supervisor: gocron.NewJob failed: %w", err)
	}
	s.logger.Info("supervisor started", zap.Duration("tick_interval", s.cfg.TickInterval))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// an in-flight tick to finish.
func (s *Supervisor) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("supervisor: shutdown error: %w", err)
	}
	s.logger.Info("supervisor stopped")
	return nil
}

// TickNow runs one tick immediately, bypassing the cron schedule. Exposed
// for tests and for a manual operator "run tick now" escape hatch.
func (s *Supervisor) TickNow(ctx context.Context) error {
	return s.tick(ctx)
}

// tick runs the four stages in order. Each stage's failure is logged and
// does not prevent the following stages from running — a single stage's
// outage should not starve the others (mirrors runJob's per-step
// log-and-continue posture in server/internal/scheduler/scheduler.go).
func (s *Supervisor) tick(ctx context.Context) error {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	now := time.Now()

	candidates, err := s.unreadReconciler.FindCandidates(tctx, s.cfg.WorkspaceID, now)
	if err != nil {
		s.logger.Error("unread reconciliation failed", zap.Error(err))
	} else if len(candidates) > 0 {
		schedResult, err := s.unreadScheduler.Schedule(tctx, candidates, now)
		if err != nil {
			s.logger.Error("auto-trigger scheduling failed", zap.Error(err))
		} else {
			s.logger.Info("auto-trigger scheduling complete",
				zap.Int("checked", schedResult.Checked),
				zap.Int("scheduled", schedResult.Scheduled),
				zap.Int("skipped_pending", schedResult.SkippedPending),
				zap.Int("suppressed_by_breaker", schedResult.SuppressedByBreaker),
				zap.Int("suppressed_by_budget", schedResult.SuppressedByBudget),
			)
		}
	}

	runtimeResult, err := s.runtimeRegistry.Reconcile(tctx, s.cfg.WorkspaceID, now)
	if err != nil {
		s.logger.Error("runtime reconciliation failed", zap.Error(err))
	} else if runtimeResult.Transitioned > 0 {
		s.logger.Info("runtime reconciliation complete",
			zap.Int("checked", runtimeResult.Checked),
			zap.Int("transitioned_to_offline", runtimeResult.Transitioned),
		)
	}

	fallbackResult, err := s.fallbackRecon.ReconcileTick(tctx, now)
	if err != nil {
		s.logger.Error("fallback-run reconciliation failed", zap.Error(err))
	} else if fallbackResult.Checked > 0 {
		s.logger.Info("fallback-run reconciliation complete",
			zap.Int("checked", fallbackResult.Checked),
			zap.Int("killed", fallbackResult.Killed),
			zap.Int("orphaned", fallbackResult.Orphaned),
			zap.Int("timed_out", fallbackResult.TimedOut),
		)
		if s.metrics != nil {
			running := fallbackResult.Checked - fallbackResult.Killed - fallbackResult.Orphaned - fallbackResult.TimedOut
			if running < 0 {
				running = 0
			}
			s.metrics.FallbackRunsActive.Set(float64(running))
		}
	}

	tickResult, err := s.processor.ProcessTick(tctx)
	if err != nil {
		s.logger.Error("trigger queue processing failed", zap.Error(err))
	} else if tickResult.Claimed > 0 {
		s.logger.Info("trigger queue tick complete",
			zap.Int("claimed", tickResult.Claimed),
			zap.Int("processed", tickResult.Processed),
			zap.Int("reclaimed_to_queued", tickResult.ReclaimedToQueued),
			zap.Int("reclaimed_to_callback", tickResult.ReclaimedToCallback),
		)
	}

	if s.metrics != nil {
		s.metrics.SupervisorTickDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}
