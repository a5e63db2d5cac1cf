package db

import "time"

// Identifiers are opaque strings throughout the bridge domain (per
// SPEC_FULL.md §3) rather than a fixed ID type — thread_id, agent_id,
// session_id and trigger_id are all caller- or deterministically-derived
// strings, not database-generated surrogate keys.

// -----------------------------------------------------------------------------
// Thread
// -----------------------------------------------------------------------------

// Thread is a workspace-scoped conversation, workflow, or incident.
// EscalationOwnerAgentID may only be non-null while Status == "blocked";
// that invariant is enforced in internal/gormstore, not by the schema.
type Thread struct {
	ID                          string `gorm:"type:text;primaryKey"`
	WorkspaceID                 string `gorm:"type:text;not null;index"`
	Title                       string `gorm:"not null"`
	Type                        string `gorm:"not null"` // conversation | workflow | incident
	Status                      string `gorm:"not null;index"` // active | blocked | resolved | closed
	EscalationOwnerAgentID      *string
	EscalationAssignedByAgentID *string
	EscalationAssignedAt        *time.Time
	CreatedAt                   time.Time `gorm:"not null"`
	UpdatedAt                   time.Time `gorm:"not null"`
}

// ThreadParticipant is a row in the thread's ordered participant set.
// Position preserves insertion order for GetThread's participant listing.
type ThreadParticipant struct {
	ThreadID  string `gorm:"type:text;primaryKey"`
	AgentID   string `gorm:"type:text;primaryKey"`
	Position  int    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

// Message is an append-only row in a thread's ordered log. Seq is unique and
// dense per thread, assigned by the compare-and-swap loop in
// internal/gormstore.MessageStore.Post, never by the database.
type Message struct {
	ID              string  `gorm:"type:text;primaryKey"`
	ThreadID        string  `gorm:"type:text;not null;uniqueIndex:idx_messages_thread_seq,priority:1;uniqueIndex:idx_messages_idem,priority:1"`
	Seq             int64   `gorm:"not null;uniqueIndex:idx_messages_thread_seq,priority:2"`
	SchemaVersion   int     `gorm:"not null;default:1"`
	SenderAgentID   string  `gorm:"type:text;not null;index;uniqueIndex:idx_messages_idem,priority:2"`
	SenderSessionID string  `gorm:"type:text;not null;default:''"`
	Kind            string  `gorm:"not null"` // chat | event | system
	Body            string  `gorm:"type:text;not null"`
	Metadata        string  `gorm:"type:text;not null;default:'{}'"` // JSON object
	InReplyTo       *string `gorm:"type:text"`
	// IdempotencyKey participates in a composite unique index with ThreadID
	// and SenderAgentID. Most SQL dialects treat NULL as distinct from any
	// other NULL, so messages without an idempotency key never collide.
	IdempotencyKey *string   `gorm:"type:text;uniqueIndex:idx_messages_idem,priority:3"`
	CreatedAt      time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// ParticipantCursor
// -----------------------------------------------------------------------------

// ParticipantCursor tracks how far an agent has read into a thread.
// LastReadSeq is strictly non-decreasing; regressions are rejected by the
// store layer before a write is attempted.
type ParticipantCursor struct {
	ThreadID           string  `gorm:"type:text;primaryKey"`
	AgentID            string  `gorm:"type:text;primaryKey"`
	LastReadSeq        int64   `gorm:"not null;default:0"`
	LastAckedMessageID *string `gorm:"type:text"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// SessionRecord
// -----------------------------------------------------------------------------

// SessionRecord is the runtime registry entry for one (agent, workspace)
// pair. Upserts are last-writer-wins by LastHeartbeatAt — see
// internal/runtime.Registry.Heartbeat.
type SessionRecord struct {
	AgentID         string `gorm:"type:text;primaryKey"`
	WorkspaceID     string `gorm:"type:text;primaryKey"`
	SessionID       string `gorm:"type:text;not null"`
	Runtime         string `gorm:"type:text;not null"`
	ManagementMode  string `gorm:"not null"` // managed | unmanaged
	Resumable       bool   `gorm:"not null;default:false"`
	Status          string `gorm:"not null"` // active | idle | offline
	LastHeartbeatAt time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// TriggerJob
// -----------------------------------------------------------------------------

// TriggerJob is a durable unit of work: deliver Prompt to TargetAgentID's
// runtime, with retry, fallback, and callback phases. TriggerID is
// deterministic (internal/trigger.BuildTriggerID) so retried requests with
// the same request id collapse onto the same row.
type TriggerJob struct {
	TriggerID      string  `gorm:"type:text;primaryKey"`
	ThreadID       string  `gorm:"type:text;not null;index"`
	WorkspaceID    string  `gorm:"type:text;not null;index"`
	TargetAgentID  string  `gorm:"type:text;not null;index"`
	TargetSessionID *string `gorm:"type:text"`
	Reason         string  `gorm:"not null"`
	Prompt         string  `gorm:"type:text;not null"`
	Status         string  `gorm:"not null;index"`
	Attempts       int     `gorm:"not null;default:0"`
	MaxRetries     int     `gorm:"not null"`
	NextRetryAt    *time.Time `gorm:"index"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// TriggerAttempt
// -----------------------------------------------------------------------------

// TriggerAttempt is an append-only log row per execution attempt of a
// TriggerJob. AttemptNo strictly increases per TriggerID.
type TriggerAttempt struct {
	ID            string  `gorm:"type:text;primaryKey"`
	TriggerID     string  `gorm:"type:text;not null;index"`
	AttemptNo     int     `gorm:"not null"`
	AttemptResult string  `gorm:"not null"`
	ErrorCode     *string `gorm:"type:text"`
	Details       string  `gorm:"type:text;not null;default:'{}'"` // JSON object
	CreatedAt     time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// FallbackRun
// -----------------------------------------------------------------------------

// FallbackRun is the single row tracking the one fallback-path process
// execution for a given TriggerJob (resume or spawn).
type FallbackRun struct {
	TriggerID  string  `gorm:"type:text;primaryKey"`
	PID        int     `gorm:"not null"`
	LaunchMode string  `gorm:"not null"` // resume | spawn
	Status     string  `gorm:"not null;index"` // running | completed | failed | timed_out | killed | orphaned
	StartedAt  time.Time `gorm:"not null"`
	DeadlineAt time.Time `gorm:"not null;index"`
	EndedAt    *time.Time
	ErrorCode  *string `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// AuditEvent
// -----------------------------------------------------------------------------

// AuditEvent is an append-only audit log row. Writes are fire-and-forget
// from the caller's perspective (internal/audit never fails a request) but
// are logged on write failure.
type AuditEvent struct {
	ID            string  `gorm:"type:text;primaryKey"`
	WorkspaceID   string  `gorm:"type:text;not null;index"`
	ActorAgentID  *string `gorm:"type:text"`
	ActorRole     *string `gorm:"type:text"`
	Operation     string  `gorm:"not null;index"`
	ResourceType  string  `gorm:"not null"`
	ResourceID    string  `gorm:"type:text;not null"`
	ThreadID      *string `gorm:"type:text;index"`
	RequestID     *string `gorm:"type:text"`
	Result        string  `gorm:"not null"` // success | rejected
	Payload       string  `gorm:"type:text;not null;default:'{}'"` // JSON object
	CreatedAt     time.Time `gorm:"not null;index"`
}
