// Package store defines the narrow capability interfaces the core domain
// depends on. This replaces the class-inheritance fault-injection pattern
// spec.md §9 flags in the source system: each store is a small interface,
// and tests supply alternate implementations (in-memory fakes) rather than
// subclassing a concrete store. See internal/gormstore for the only
// production implementation.
package store

import (
	"context"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
)

// ListMessagesResult is the outcome of a ReadMessages call.
type ListMessagesResult struct {
	Messages []db.Message
	NextSeq  int64
	HasMore  bool
}

// Summary is the outcome of SummarizeThread. Text is a deterministic,
// storage-layer-only rendering of the most recent messages — it never
// calls out to an LLM (content generation is explicitly out of scope,
// DESIGN.md's Open Question #3).
type Summary struct {
	ThreadID     string
	MessageCount int
	Text         string
	GeneratedAt  time.Time
}

// ThreadStore implements spec.md §4.1.
type ThreadStore interface {
	// CreateThread atomically inserts the thread row and its participant
	// set (deduplicated, insertion order preserved).
	CreateThread(ctx context.Context, t *db.Thread, participants []string) error

	// GetThread returns the thread and its participants in insertion
	// order, or ErrNotFound.
	GetThread(ctx context.Context, threadID string) (*db.Thread, []string, error)

	// ListActiveByWorkspace returns every thread with status = "active" in
	// a workspace, used by the unread reconciler's per-tick scan.
	ListActiveByWorkspace(ctx context.Context, workspaceID string) ([]db.Thread, error)

	// UpdateThreadStatus performs a compare-and-swap on Status: if a row
	// exists with Status == expectedCurrent it is transitioned and
	// returned; ErrNotFound is returned if the thread does not exist and
	// ErrConflict if its status differs (the caller is expected
	// to have already validated the transition edge itself — see
	// internal/dispatcher). Transitioning out of "blocked" clears the
	// three escalation fields.
	UpdateThreadStatus(ctx context.Context, threadID, next, expectedCurrent string, updatedAt time.Time) (*db.Thread, error)

	// SummarizeThread produces a free-form summary of the most recent
	// maxMessages messages in the thread.
	SummarizeThread(ctx context.Context, threadID string, maxMessages int) (*Summary, error)

	// SetEscalationOwner assigns or reassigns the escalation owner fields
	// (clearing happens in UpdateThreadStatus). Used by internal/operator; CONFLICT semantics
	// (owner already assigned / no owner to reassign) are enforced here.
	SetEscalationOwner(ctx context.Context, threadID, ownerAgentID, assignedBy string, assignedAt time.Time, reassign bool) (*db.Thread, error)
}

// MessageStore implements spec.md §4.2.
type MessageStore interface {
	// Post persists a new message or returns the already-persisted one
	// for a replayed idempotency key, following the bounded CAS-retry
	// sequencing algorithm in SPEC_FULL.md/spec.md §4.2.
	Post(ctx context.Context, msg *db.Message, maxAttempts int) (*db.Message, error)

	// Read returns messages with seq > sinceSeq, ascending, capped at limit.
	Read(ctx context.Context, threadID string, sinceSeq int64, limit int) (ListMessagesResult, error)

	// LatestSeq returns the highest assigned seq for a thread (0 if empty).
	LatestSeq(ctx context.Context, threadID string) (int64, error)

	// GetByID fetches a single message, used to validate in_reply_to targets.
	GetByID(ctx context.Context, threadID, messageID string) (*db.Message, error)
}

// CursorStore implements the participant-cursor half of spec.md §4.2.
type CursorStore interface {
	// Ack upserts the cursor, enforcing last_read_seq >= stored value
	// (ErrConflict on regression). The last_read_seq <= latest_seq bound is
	// checked by the dispatcher before Ack is called, not here.
	Ack(ctx context.Context, threadID, agentID string, lastReadSeq int64, updatedAt time.Time) (*db.ParticipantCursor, error)

	// Get returns the stored cursor, or a zero-value cursor (no error) if
	// the participant has never acknowledged anything.
	Get(ctx context.Context, threadID, agentID string) (*db.ParticipantCursor, error)

	// ListByThread returns all cursors for a thread's participants — used
	// by the unread reconciler.
	ListByThread(ctx context.Context, threadID string) ([]db.ParticipantCursor, error)
}

// SessionStore implements spec.md §4.10.
type SessionStore interface {
	// Heartbeat upserts last-writer-wins by LastHeartbeatAt.
	Heartbeat(ctx context.Context, rec *db.SessionRecord) (*db.SessionRecord, error)

	// Get returns the session for (agentID, workspaceID), or ErrNotFound.
	Get(ctx context.Context, agentID, workspaceID string) (*db.SessionRecord, error)

	// ListByWorkspace returns every session record in a workspace, used by
	// the reconciler and the unread scheduler.
	ListByWorkspace(ctx context.Context, workspaceID string) ([]db.SessionRecord, error)

	// MarkOffline transitions a session to offline. Used by Reconcile.
	MarkOffline(ctx context.Context, agentID, workspaceID string, updatedAt time.Time) error
}

// ClaimedTriggerJob pairs a freshly-claimed job with the status it held
// immediately before the claim, since the queue processor needs that prior
// status to decide execution-phase vs callback-phase dispatch (spec §4.6
// step 3) after ClaimDue has already moved the row to "triggering".
type ClaimedTriggerJob struct {
	Job          db.TriggerJob
	PriorStatus  string
}

// TriggerStore implements the trigger_jobs/trigger_attempts halves of
// spec.md §3/§4.4/§4.6.
type TriggerStore interface {
	// InsertOrGet performs "insert, do-nothing on conflict" on TriggerID,
	// then re-reads. The returned bool is true iff this call created the
	// row (vs. returning an existing one).
	InsertOrGet(ctx context.Context, job *db.TriggerJob) (*db.TriggerJob, bool, error)

	// Get fetches a job by TriggerID.
	Get(ctx context.Context, triggerID string) (*db.TriggerJob, error)

	// ClaimDue atomically selects up to limit jobs in workspaceID whose
	// status is claimable and next_retry_at is due, transitions them to
	// "triggering", and returns the claimed rows. Implemented with
	// FOR UPDATE SKIP LOCKED (see internal/gormstore/trigger.go) so
	// concurrent workers never double-claim.
	ClaimDue(ctx context.Context, workspaceID string, limit int, now time.Time) ([]ClaimedTriggerJob, error)

	// ReclaimStaleLeases moves rows stuck in "triggering" past
	// leaseTimeout back to "queued", unless a "delivered" attempt already
	// exists for them, in which case they move to "callback_pending".
	// Returns the count reclaimed to each target state.
	ReclaimStaleLeases(ctx context.Context, leaseTimeout time.Duration, now time.Time) (toQueued int, toCallback int, err error)

	// Transition performs a CAS on Status (expectedCurrent -> next) and
	// updates the other mutable fields in the same statement.
	Transition(ctx context.Context, triggerID, expectedCurrent, next string, attempts int, nextRetryAt *time.Time, updatedAt time.Time) (*db.TriggerJob, error)

	// RecordAttempt appends a TriggerAttempt row. The caller sets AttemptNo
	// (the trigger processor uses the number of existing rows plus one).
	RecordAttempt(ctx context.Context, att *db.TriggerAttempt) error

	// ListAttempts returns the attempts for a job ordered by AttemptNo.
	ListAttempts(ctx context.Context, triggerID string) ([]db.TriggerAttempt, error)

	// CountPending returns the number of non-terminal trigger jobs in a
	// workspace — the circuit breaker's backlog signal.
	CountPending(ctx context.Context, workspaceID string) (int64, error)

	// FindPendingByReason returns non-terminal jobs for (threadID, agentID,
	// reason) — used by the unread scheduler's pending-dedupe guard.
	FindPendingByReason(ctx context.Context, threadID, agentID, reason string) ([]db.TriggerJob, error)

	// RecentByParticipant returns the most recent n trigger jobs created
	// for (threadID, agentID), newest first — used by the leaky bucket.
	RecentByParticipant(ctx context.Context, threadID, agentID string, n int) ([]db.TriggerJob, error)

	// RecentAttemptsByThreadAgent returns the most recent n attempt rows
	// across every trigger job targeting agentID on threadID, newest
	// first — used by the loop guard (spec §4.6 step 3).
	RecentAttemptsByThreadAgent(ctx context.Context, threadID, agentID string, n int) ([]db.TriggerAttempt, error)
}

// FallbackStore implements spec.md §3/§4.8/§4.9's fallback_runs table.
type FallbackStore interface {
	Create(ctx context.Context, run *db.FallbackRun) error
	Get(ctx context.Context, triggerID string) (*db.FallbackRun, error)
	ListRunning(ctx context.Context) ([]db.FallbackRun, error)
	Update(ctx context.Context, run *db.FallbackRun) error
}

// AuditStore implements spec.md §3's audit_events table.
type AuditStore interface {
	Record(ctx context.Context, ev *db.AuditEvent) error
}
