package trigger

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/storetest"
)

type fakeExecutor struct {
	outcome ExecOutcome
	err     error
	calls   int
}

func (f *fakeExecutor) Execute(_ context.Context, _ db.TriggerJob) (ExecOutcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakeCallbackSender struct {
	outcome CallbackOutcome
	err     error
	calls   int
}

func (f *fakeCallbackSender) Send(_ context.Context, _ db.TriggerJob) (CallbackOutcome, error) {
	f.calls++
	return f.outcome, f.err
}

func newTestProcessor(runtimeExec RuntimeExecutor, fallbackExec FallbackExecutor, callback CallbackSender) (*Processor, *storetest.TriggerStore, *storetest.ThreadStore, *storetest.MessageStore) {
	triggers := storetest.NewTriggerStore()
	threads := storetest.NewThreadStore()
	messages := storetest.NewMessageStore()
	p := New(triggers, threads, messages, runtimeExec, fallbackExec, callback, Config{
		WorkspaceID:         "ws1",
		MaxJobsPerTick:      10,
		Concurrency:         4,
		LeaseTimeout:        time.Minute,
		ExecutorTimeout:     5 * time.Second,
		RateLimitPerMinute:  100,
		LoopGuard:           LoopGuardConfig{MaxTurns: 20, MaxRepeatedFindings: 3},
		CallbackMaxAttempts: 3,
		MaxRetries:          2,
	}, zap.NewNop())
	return p, triggers, threads, messages
}

func seedThread(t *testing.T, threads *storetest.ThreadStore, threadID string, participants []string) {
	t.Helper()
	now := time.Now()
	if err := threads.CreateThread(context.Background(), &db.Thread{
		ID: threadID, WorkspaceID: "ws1", Title: "t", Type: "conversation", Status: "active", CreatedAt: now, UpdatedAt: now,
	}, participants); err != nil {
		t.Fatalf("seedThread: %v", err)
	}
}

func seedQueuedJob(t *testing.T, triggers *storetest.TriggerStore, triggerID, threadID, agentID string) db.TriggerJob {
	t.Helper()
	now := time.Now()
	job := &db.TriggerJob{
		TriggerID: triggerID, ThreadID: threadID, WorkspaceID: "ws1", TargetAgentID: agentID,
		Status: "queued", MaxRetries: 2, CreatedAt: now, UpdatedAt: now,
	}
	if _, _, err := triggers.InsertOrGet(context.Background(), job); err != nil {
		t.Fatalf("seedQueuedJob: %v", err)
	}
	return *job
}

func TestProcessTick_DeliveredSettlesToCallbackPending(t *testing.T) {
	runtimeExec := &fakeExecutor{outcome: ExecOutcome{Result: "delivered"}}
	fallbackExec := &fakeExecutor{}
	callback := &fakeCallbackSender{}
	p, triggers, threads, _ := newTestProcessor(runtimeExec, fallbackExec, callback)

	seedThread(t, threads, "thread_1", []string{"agent_a"})
	seedQueuedJob(t, triggers, "trg_1", "thread_1", "agent_a")

	result, err := p.ProcessTick(context.Background())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if result.Claimed != 1 || result.Processed != 1 {
		t.Fatalf("expected one job claimed and processed, got %+v", result)
	}
	if runtimeExec.calls != 1 {
		t.Fatalf("expected the runtime executor to be called once, got %d", runtimeExec.calls)
	}

	job, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != "callback_pending" {
		t.Fatalf("expected callback_pending, got %s", job.Status)
	}
}

func TestProcessTick_RuntimeFailureRunsFallbackChain(t *testing.T) {
	runtimeExec := &fakeExecutor{outcome: ExecOutcome{Result: "failed", ErrorCode: "RUNTIME_ERROR"}}
	fallbackExec := &fakeExecutor{outcome: ExecOutcome{Result: "fallback_spawned"}}
	callback := &fakeCallbackSender{}
	p, triggers, threads, _ := newTestProcessor(runtimeExec, fallbackExec, callback)

	seedThread(t, threads, "thread_1", []string{"agent_a"})
	seedQueuedJob(t, triggers, "trg_1", "thread_1", "agent_a")

	if _, err := p.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if fallbackExec.calls != 1 {
		t.Fatalf("expected a runtime failure to invoke the fallback executor directly, got %d calls", fallbackExec.calls)
	}
	stored, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != "callback_pending" {
		t.Fatalf("expected callback_pending after a successful fallback spawn, got %s", stored.Status)
	}
}

func TestProcessTick_TimeoutRetriesBeforeExhaustion(t *testing.T) {
	runtimeExec := &fakeExecutor{outcome: ExecOutcome{Result: "timeout", ErrorCode: "RUNTIME_TIMEOUT"}}
	fallbackExec := &fakeExecutor{outcome: ExecOutcome{Result: "fallback_spawned"}}
	callback := &fakeCallbackSender{}
	p, triggers, threads, _ := newTestProcessor(runtimeExec, fallbackExec, callback)

	seedThread(t, threads, "thread_1", []string{"agent_a"})
	seedQueuedJob(t, triggers, "trg_1", "thread_1", "agent_a") // MaxRetries: 2

	if _, err := p.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if fallbackExec.calls != 0 {
		t.Fatalf("expected the first timeout to retry rather than fall back, got %d fallback calls", fallbackExec.calls)
	}
	stored, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != "timeout" {
		t.Fatalf("expected the job to remain in a retry state, got %s", stored.Status)
	}
}

func TestProcessTick_LoopGuardTripsAndBlocksThread(t *testing.T) {
	runtimeExec := &fakeExecutor{outcome: ExecOutcome{Result: "failed", ErrorCode: "RUNTIME_ERROR"}}
	fallbackExec := &fakeExecutor{}
	callback := &fakeCallbackSender{}
	p, triggers, threads, _ := newTestProcessor(runtimeExec, fallbackExec, callback)
	p.cfg.LoopGuard = LoopGuardConfig{MaxTurns: 2, MaxRepeatedFindings: 2}

	seedThread(t, threads, "thread_1", []string{"agent_a"})
	now := time.Now()
	errCode := "RUNTIME_ERROR"
	if _, _, err := triggers.InsertOrGet(context.Background(), &db.TriggerJob{
		TriggerID: "trg_prior", ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a",
		Status: "failed", MaxRetries: 2, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed trg_prior: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := triggers.RecordAttempt(context.Background(), &db.TriggerAttempt{
			ID: "seed_" + string(rune('a'+i)), TriggerID: "trg_prior", AttemptResult: "failed",
			ErrorCode: &errCode, CreatedAt: now,
		}); err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
	}
	seedQueuedJob(t, triggers, "trg_1", "thread_1", "agent_a")

	if _, err := p.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	thread, _, err := threads.GetThread(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if thread.Status != "blocked" {
		t.Fatalf("expected loop guard to auto-block the thread, got status %s", thread.Status)
	}
	stored, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != "failed" {
		t.Fatalf("expected the tripped job to settle as failed, got %s", stored.Status)
	}
	if runtimeExec.calls != 0 {
		t.Fatalf("expected the loop guard to short-circuit before invoking the runtime executor")
	}
}

func TestProcessTick_CallbackPhaseDelivered(t *testing.T) {
	runtimeExec := &fakeExecutor{}
	fallbackExec := &fakeExecutor{}
	callback := &fakeCallbackSender{outcome: CallbackOutcome{Result: "delivered"}}
	p, triggers, threads, _ := newTestProcessor(runtimeExec, fallbackExec, callback)

	seedThread(t, threads, "thread_1", []string{"agent_a"})
	now := time.Now()
	job := &db.TriggerJob{
		TriggerID: "trg_1", ThreadID: "thread_1", WorkspaceID: "ws1", TargetAgentID: "agent_a",
		Status: "callback_pending", MaxRetries: 2, CreatedAt: now, UpdatedAt: now,
	}
	if _, _, err := triggers.InsertOrGet(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if _, err := p.ProcessTick(context.Background()); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if callback.calls != 1 {
		t.Fatalf("expected the callback sender to be invoked once, got %d", callback.calls)
	}
	stored, err := triggers.Get(context.Background(), "trg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != "callback_delivered" {
		t.Fatalf("expected callback_delivered, got %s", stored.Status)
	}
}

func TestProcessTick_NoDueJobsIsANoop(t *testing.T) {
	p, _, _, _ := newTestProcessor(&fakeExecutor{}, &fakeExecutor{}, &fakeCallbackSender{})
	result, err := p.ProcessTick(context.Background())
	if err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if result.Claimed != 0 || result.Processed != 0 {
		t.Fatalf("expected a no-op tick, got %+v", result)
	}
}
