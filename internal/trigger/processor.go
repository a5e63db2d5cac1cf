package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// executionPhaseStatuses are the prior statuses that route a claimed job
// through the execution path; everything else goes through the callback
// path (spec §4.6 step 3).
var executionPhaseStatuses = map[string]bool{
	"queued": true, "timeout": true, "deferred": true,
	"fallback_resume": true, "fallback_spawn": true,
}

// ExecOutcome is what a RuntimeExecutor or FallbackExecutor reports after
// attempting delivery of one trigger job.
type ExecOutcome struct {
	Result     string // delivered | deferred | timeout | failed | fallback_resume_succeeded | fallback_spawned | fallback_resume_failed | fallback_running
	ErrorCode  string
	Details    map[string]interface{}
	RetryAfter time.Duration // zero means "use the standard backoff schedule"
	PID        int           // set only for fallback_running
	DeadlineAt time.Time     // set only for fallback_running
}

// RuntimeExecutor delivers a claimed job to a managed runtime (spec §4.7).
// internal/delivery provides the concrete implementation.
type RuntimeExecutor interface {
	Execute(ctx context.Context, job db.TriggerJob) (ExecOutcome, error)
}

// FallbackExecutor runs the resume-or-spawn fallback chain (spec §4.8).
// internal/fallback provides the concrete implementation.
type FallbackExecutor interface {
	Execute(ctx context.Context, job db.TriggerJob) (ExecOutcome, error)
}

// CallbackOutcome is what a CallbackSender reports after attempting the
// completion callback HTTP delivery (spec §4.6 step 6).
type CallbackOutcome struct {
	Result     string // delivered | retry | failed
	RetryAfter time.Duration
}

// CallbackSender delivers the completion callback for a settled job.
// internal/delivery provides the concrete implementation, grounded on
// server/internal/notification/sender_webhook.go.
type CallbackSender interface {
	Send(ctx context.Context, job db.TriggerJob) (CallbackOutcome, error)
}

// Config holds the processor's tunables, all sourced from spec §6's
// configuration table.
type Config struct {
	WorkspaceID         string
	MaxJobsPerTick      int
	Concurrency         int
	LeaseTimeout        time.Duration
	ExecutorTimeout     time.Duration
	RateLimitPerMinute  int
	LoopGuard           LoopGuardConfig
	CallbackMaxAttempts int
	MaxRetries          int
}

// Processor implements the trigger queue processor (spec §4.6). Its shape
// (constructor taking stores + collaborators + a logger, a run-one-tick
// entry point, private per-job helper methods) is grounded on
// server/internal/scheduler/scheduler.go's New/runJob structure, adapted
// from a per-policy cron dispatch to a claim-batch-then-fan-out loop.
type Processor struct {
	triggers     store.TriggerStore
	threads      store.ThreadStore
	messages     store.MessageStore
	runtimeExec  RuntimeExecutor
	fallbackExec FallbackExecutor
	callback     CallbackSender
	cfg          Config
	logger       *zap.Logger
}

// New constructs a Processor.
func New(
	triggers store.TriggerStore,
	threads store.ThreadStore,
	messages store.MessageStore,
	runtimeExec RuntimeExecutor,
	fallbackExec FallbackExecutor,
	callback CallbackSender,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		triggers:     triggers,
		threads:      threads,
		messages:     messages,
		runtimeExec:  runtimeExec,
		fallbackExec: fallbackExec,
		callback:     callback,
		cfg:          cfg,
		logger:       logger.Named("trigger"),
	}
}

// TickResult summarizes one ProcessTick call for supervisor logging.
type TickResult struct {
	ReclaimedToQueued   int
	ReclaimedToCallback int
	Claimed             int
	Processed           int
}

// ProcessTick runs one pass of the queue processor: reclaim stale leases,
// claim due jobs, and process each claimed job concurrently bounded by
// cfg.Concurrency, using golang.org/x/sync/errgroup (grounded on
// kadirpekel-hector/pkg/agent/workflowagent/parallel.go, the one pack file
// that imports golang.org/x/sync).
func (p *Processor) ProcessTick(ctx context.Context) (TickResult, error) {
	now := time.Now()
	var result TickResult

	toQueued, toCallback, err := p.triggers.ReclaimStaleLeases(ctx, p.cfg.LeaseTimeout, now)
	if err != nil {
		return result, fmt.Errorf("trigger: reclaim stale leases: %w", err)
	}
	result.ReclaimedToQueued, result.ReclaimedToCallback = toQueued, toCallback
	if toQueued > 0 || toCallback > 0 {
		p.logger.Info("reclaimed stale leases", zap.Int("to_queued", toQueued), zap.Int("to_callback", toCallback))
	}

	claimed, err := p.triggers.ClaimDue(ctx, p.cfg.WorkspaceID, p.cfg.MaxJobsPerTick, now)
	if err != nil {
		return result, fmt.Errorf("trigger: claim due: %w", err)
	}
	result.Claimed = len(claimed)
	if len(claimed) == 0 {
		return result, nil
	}

	rateBucket := NewRateBucket(p.cfg.RateLimitPerMinute)

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxInt(1, p.cfg.Concurrency))
	for _, cj := range claimed {
		cj := cj
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			p.processOne(gctx, cj, rateBucket)
			return nil
		})
	}
	_ = g.Wait() // processOne never returns an error; each job's failure is handled internally
	result.Processed = len(claimed)
	return result, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// processOne handles rate limiting, loop guard, and phase dispatch for one
// claimed job. Each exit path records one attempt row, except the fallback
// chain (runFallbackChain), which records the failed execution outcome and
// then the fallback outcome, and a rate-limit deferral whose transition
// fails, which records none.
func (p *Processor) processOne(ctx context.Context, cj store.ClaimedTriggerJob, rateBucket *RateBucket) {
	job := cj.Job
	log := p.logger.With(zap.String("trigger_id", job.TriggerID), zap.String("thread_id", job.ThreadID))

	if !rateBucket.Allow(RateLimitKey(job.ThreadID, job.TargetAgentID)) {
		p.deferJob(ctx, job, 60*time.Second, log)
		return
	}

	recentAttempts, err := p.triggers.RecentAttemptsByThreadAgent(ctx, job.ThreadID, job.TargetAgentID, maxInt(p.cfg.LoopGuard.MaxTurns, p.cfg.LoopGuard.MaxRepeatedFindings))
	if err != nil {
		log.Error("loop guard: failed to load recent attempts", zap.Error(err))
	} else if code, tripped := LoopGuardTrip(recentAttempts, p.cfg.LoopGuard); tripped {
		p.tripLoopGuard(ctx, job, code, log)
		return
	}

	if executionPhaseStatuses[cj.PriorStatus] {
		p.runExecutionPhase(ctx, job, cj.PriorStatus, log)
		return
	}
	p.runCallbackPhase(ctx, job, log)
}

// deferJob records a deferred attempt without invoking any executor — used
// by the rate limiter.
func (p *Processor) deferJob(ctx context.Context, job db.TriggerJob, retryAfter time.Duration, log *zap.Logger) {
	now := time.Now()
	nextRetry := now.Add(retryAfter)
	if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "deferred", job.Attempts, &nextRetry, now); err != nil {
		log.Error("rate limit: failed to defer job", zap.Error(err))
		return
	}
	p.recordAttempt(ctx, job, "deferred", "RATE_LIMITED", nil)
}

// tripLoopGuard auto-blocks the thread and records the terminal attempt.
func (p *Processor) tripLoopGuard(ctx context.Context, job db.TriggerJob, priorErrorCode string, log *zap.Logger) {
	thread, _, err := p.threads.GetThread(ctx, job.ThreadID)
	if err == nil && thread.Status != "closed" {
		if _, err := p.threads.UpdateThreadStatus(ctx, job.ThreadID, "blocked", thread.Status, time.Now()); err != nil {
			log.Warn("loop guard: failed to auto-block thread", zap.Error(err))
		}
	}

	now := time.Now()
	if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "failed", job.Attempts, nil, now); err != nil {
		log.Error("loop guard: failed to transition job to failed", zap.Error(err))
	}
	p.recordAttempt(ctx, job, "failed", "THREAD_AUTO_BLOCKED", map[string]interface{}{
		"prior_outcome": map[string]interface{}{"error_code": priorErrorCode},
	})
}

// runExecutionPhase implements spec §4.6 steps 4-5.
func (p *Processor) runExecutionPhase(ctx context.Context, job db.TriggerJob, priorStatus string, log *zap.Logger) {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutorTimeout)
	defer cancel()

	var (
		outcome ExecOutcome
		err     error
	)
	if priorStatus == "fallback_resume" || priorStatus == "fallback_spawn" {
		outcome, err = p.fallbackExec.Execute(execCtx, job)
	} else {
		outcome, err = p.runtimeExec.Execute(execCtx, job)
	}
	if err != nil {
		p.deadLetter(ctx, job, outcome, log)
		return
	}

	switch outcome.Result {
	case "delivered", "fallback_resume_succeeded", "fallback_spawned":
		p.settleToCallback(ctx, job, outcome, log)
	case "fallback_running":
		p.settleToFallbackRunning(ctx, job, outcome, log)
	case "timeout", "deferred":
		p.retryOrFallback(ctx, job, outcome, log)
	case "failed", "fallback_resume_failed":
		p.runFallbackChain(ctx, job, outcome, log)
	default:
		log.Error("execution phase: unrecognized outcome", zap.String("outcome", outcome.Result))
		p.deadLetter(ctx, job, outcome, log)
	}
}

func (p *Processor) deadLetter(ctx context.Context, job db.TriggerJob, outcome ExecOutcome, log *zap.Logger) {
	now := time.Now()
	if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "failed", job.Attempts, nil, now); err != nil {
		log.Error("failed to transition to failed (dead letter)", zap.Error(err))
	}
	p.recordAttempt(ctx, job, "failed", "TRIGGER_EXECUTOR_EXCEPTION", outcome.Details)
}

func (p *Processor) retryOrFallback(ctx context.Context, job db.TriggerJob, outcome ExecOutcome, log *zap.Logger) {
	attempts := job.Attempts + 1
	now := time.Now()

	if attempts < job.MaxRetries {
		delay := outcome.RetryAfter
		if delay == 0 {
			delay = NextRetryDelay(attempts)
		}
		nextRetry := now.Add(delay)
		if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", outcome.Result, attempts, &nextRetry, now); err != nil {
			log.Error("failed to transition to retry state", zap.Error(err))
		}
		p.recordAttempt(ctx, job, outcome.Result, outcome.ErrorCode, outcome.Details)
		return
	}

	p.runFallbackChain(ctx, job, outcome, log)
}

// runFallbackChain implements the direct-execution-then-callback_pending
// convention DESIGN.md resolves spec §9's open question with: a post-
// retry-exhaustion failure calls the fallback executor directly rather
// than re-queueing through fallback_resume/fallback_spawn.
func (p *Processor) runFallbackChain(ctx context.Context, job db.TriggerJob, priorOutcome ExecOutcome, log *zap.Logger) {
	p.recordAttempt(ctx, job, "failed", priorOutcome.ErrorCode, priorOutcome.Details)

	fbCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutorTimeout)
	defer cancel()

	outcome, err := p.fallbackExec.Execute(fbCtx, job)
	if err != nil {
		p.deadLetter(ctx, job, outcome, log)
		return
	}

	switch outcome.Result {
	case "fallback_resume_succeeded", "fallback_spawned":
		p.settleToCallback(ctx, job, outcome, log)
	case "fallback_running":
		p.settleToFallbackRunning(ctx, job, outcome, log)
	default: // fallback_resume_failed and anything unexpected
		now := time.Now()
		if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "failed", job.Attempts, nil, now); err != nil {
			log.Error("failed to transition after fallback failure", zap.Error(err))
		}
		p.recordAttempt(ctx, job, "failed", outcome.ErrorCode, outcome.Details)
	}
}

func (p *Processor) settleToCallback(ctx context.Context, job db.TriggerJob, outcome ExecOutcome, log *zap.Logger) {
	now := time.Now()
	if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "callback_pending", job.Attempts+1, nil, now); err != nil {
		log.Error("failed to transition to callback_pending", zap.Error(err))
	}
	p.recordAttempt(ctx, job, outcome.Result, outcome.ErrorCode, outcome.Details)
}

func (p *Processor) settleToFallbackRunning(ctx context.Context, job db.TriggerJob, outcome ExecOutcome, log *zap.Logger) {
	now := time.Now()
	if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "fallback_running", job.Attempts+1, nil, now); err != nil {
		log.Error("failed to transition to fallback_running", zap.Error(err))
	}
	p.recordAttempt(ctx, job, "fallback_running", "", map[string]interface{}{"pid": outcome.PID})
}

// runCallbackPhase implements spec §4.6 step 6.
func (p *Processor) runCallbackPhase(ctx context.Context, job db.TriggerJob, log *zap.Logger) {
	p.postSynthesizedEvent(ctx, job, log)

	cbCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutorTimeout)
	defer cancel()

	outcome, err := p.callback.Send(cbCtx, job)
	now := time.Now()

	if err != nil {
		p.settleCallbackRetry(ctx, job, 0, log)
		return
	}

	switch outcome.Result {
	case "delivered":
		if _, terr := p.triggers.Transition(ctx, job.TriggerID, "triggering", "callback_delivered", job.Attempts, nil, now); terr != nil {
			log.Error("failed to transition to callback_delivered", zap.Error(terr))
		}
		p.recordAttempt(ctx, job, "callback_delivered", "", nil)
	case "retry":
		p.settleCallbackRetry(ctx, job, outcome.RetryAfter, log)
	default: // failed
		if _, terr := p.triggers.Transition(ctx, job.TriggerID, "triggering", "callback_failed", job.Attempts, nil, now); terr != nil {
			log.Error("failed to transition to callback_failed", zap.Error(terr))
		}
		p.recordAttempt(ctx, job, "callback_failed", "CALLBACK_REJECTED", nil)
	}
}

func (p *Processor) settleCallbackRetry(ctx context.Context, job db.TriggerJob, retryAfter time.Duration, log *zap.Logger) {
	attempts := job.Attempts + 1
	now := time.Now()

	if attempts >= p.cfg.CallbackMaxAttempts {
		if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "callback_failed", attempts, nil, now); err != nil {
			log.Error("failed to transition to callback_failed (attempts exhausted)", zap.Error(err))
		}
		p.recordAttempt(ctx, job, "callback_failed", "CALLBACK_ATTEMPTS_EXHAUSTED", nil)
		return
	}

	if retryAfter == 0 {
		retryAfter = NextRetryDelay(attempts)
	}
	nextRetry := now.Add(retryAfter)
	if _, err := p.triggers.Transition(ctx, job.TriggerID, "triggering", "callback_retry", attempts, &nextRetry, now); err != nil {
		log.Error("failed to transition to callback_retry", zap.Error(err))
	}
	p.recordAttempt(ctx, job, "callback_retry", "CALLBACK_TRANSIENT_FAILURE", nil)
}

// postSynthesizedEvent posts the trigger.dispatched/trigger.completed event
// message described in spec §4.6 step 6. It is idempotent on
// (trigger_id, phase) so a reclaimed/retried callback phase never
// duplicates the thread message.
func (p *Processor) postSynthesizedEvent(ctx context.Context, job db.TriggerJob, log *zap.Logger) {
	eventType := "trigger.dispatched"
	if job.Attempts > 0 {
		eventType = "trigger.completed"
	}
	metadata, _ := json.Marshal(map[string]interface{}{
		"event_version":         1,
		"event_type":            eventType,
		"suppress_auto_trigger": true,
		"trigger_id":            job.TriggerID,
	})
	idemKey := job.TriggerID + ":" + eventType
	msg := &db.Message{
		ID:             job.TriggerID + ":" + eventType + ":msg",
		ThreadID:       job.ThreadID,
		SchemaVersion:  1,
		SenderAgentID:  "system",
		Kind:           "event",
		Body:           eventType,
		Metadata:       string(metadata),
		IdempotencyKey: &idemKey,
		CreatedAt:      time.Now(),
	}
	if _, err := p.messages.Post(ctx, msg, 3); err != nil {
		log.Warn("failed to post synthesized trigger event message", zap.Error(err))
	}
}

func (p *Processor) recordAttempt(ctx context.Context, job db.TriggerJob, result, errorCode string, details map[string]interface{}) {
	detailsJSON := "{}"
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	var errCodePtr *string
	if errorCode != "" {
		errCodePtr = &errorCode
	}

	attempts, err := p.triggers.ListAttempts(ctx, job.TriggerID)
	nextAttemptNo := 1
	if err == nil {
		nextAttemptNo = len(attempts) + 1
	}

	att := &db.TriggerAttempt{
		ID:            job.TriggerID + ":" + fmt.Sprint(nextAttemptNo),
		TriggerID:     job.TriggerID,
		AttemptNo:     nextAttemptNo,
		AttemptResult: result,
		ErrorCode:     errCodePtr,
		Details:       detailsJSON,
		CreatedAt:     time.Now(),
	}
	if err := p.triggers.RecordAttempt(ctx, att); err != nil {
		p.logger.Error("failed to record trigger attempt",
			zap.String("trigger_id", job.TriggerID), zap.Error(err))
	}
}
