package dispatcher

import "time"

// Request/response shapes mirror spec §6's canonical wire shapes exactly
// (field names are part of the wire contract).

// IdentityHint carries the optional agent_id/session_id a request body may
// embed, checked against the authenticated claim in step 3 of the pipeline.
type IdentityHint struct {
	AgentID   string
	SessionID string
}

type CreateThreadRequest struct {
	WorkspaceID  string
	Title        string
	Type         string
	Participants []string
	CreatedBy    string
}

type CreateThreadResponse struct {
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type GetThreadRequest struct {
	ThreadID string
}

type GetThreadResponse struct {
	ThreadID                    string     `json:"thread_id"`
	WorkspaceID                 string     `json:"workspace_id"`
	Title                       string     `json:"title"`
	Type                        string     `json:"type"`
	Status                      string     `json:"status"`
	Participants                []string   `json:"participants"`
	EscalationOwnerAgentID      *string    `json:"escalation_owner_agent_id,omitempty"`
	EscalationAssignedByAgentID *string    `json:"escalation_assigned_by_agent_id,omitempty"`
	EscalationAssignedAt        *time.Time `json:"escalation_assigned_at,omitempty"`
	CreatedAt                   time.Time  `json:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at"`
}

type UpdateThreadStatusRequest struct {
	ThreadID        string
	Next            string
	ExpectedCurrent string
	Reason          string
	ActorAgentID    string
}

type UpdateThreadStatusResponse struct {
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SummarizeThreadRequest struct {
	ThreadID    string
	MaxMessages int
}

type SummarizeThreadResponse struct {
	ThreadID     string    `json:"thread_id"`
	MessageCount int       `json:"message_count"`
	Text         string    `json:"text"`
	GeneratedAt  time.Time `json:"generated_at"`
}

type PostMessageRequest struct {
	ThreadID        string
	SchemaVersion   int
	Kind            string
	Body            string
	Metadata        map[string]interface{}
	InReplyTo       *string
	IdempotencyKey  *string
	SenderAgentID   string
	SenderSessionID string
}

type PostMessageResponse struct {
	MessageID   string    `json:"message_id"`
	Seq         int64     `json:"seq"`
	ThreadStatus string   `json:"thread_status"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReadMessagesRequest struct {
	ThreadID string
	SinceSeq int64
	Limit    int
	AgentID  string
}

type MessageView struct {
	MessageID       string                 `json:"message_id"`
	Seq             int64                  `json:"seq"`
	SchemaVersion   int                    `json:"schema_version"`
	SenderAgentID   string                 `json:"sender_agent_id"`
	SenderSessionID string                 `json:"sender_session_id"`
	Kind            string                 `json:"kind"`
	Body            string                 `json:"body"`
	Metadata        map[string]interface{} `json:"metadata"`
	InReplyTo       *string                `json:"in_reply_to,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

type ReadMessagesResponse struct {
	Messages []MessageView `json:"messages"`
	NextSeq  int64         `json:"next_seq"`
	HasMore  bool          `json:"has_more"`
}

type AckReadRequest struct {
	ThreadID    string
	LastReadSeq int64
	AgentID     string
}

type AckReadResponse struct {
	OK        bool      `json:"ok"`
	UpdatedAt time.Time `json:"updated_at"`
}

type HeartbeatSessionRequest struct {
	SessionID      string
	Runtime        string
	ManagementMode string
	Resumable      bool
	Status         string
	AgentID        string
	WorkspaceID    string
}

type HeartbeatSessionResponse struct {
	OK         bool      `json:"ok"`
	RecordedAt time.Time `json:"recorded_at"`
}

type TriggerParticipantRequest struct {
	ThreadID      string
	TargetAgentID string
	Reason        string
	TriggerPrompt string
	RequestID     string
}

type TriggerParticipantResponse struct {
	TriggerID       string    `json:"trigger_id"`
	TargetAgentID   string    `json:"target_agent_id"`
	Action          string    `json:"action"`
	Result          string    `json:"result"`
	JobStatus       string    `json:"job_status"`
	FallbackAction  string    `json:"fallback_action,omitempty"`
	TargetSessionID string    `json:"target_session_id,omitempty"`
	Runtime         string    `json:"runtime,omitempty"`
	ManagementMode  string    `json:"management_mode,omitempty"`
	SessionStatus   string    `json:"session_status,omitempty"`
	StaleSession    bool      `json:"stale_session"`
	TriggeredAt     time.Time `json:"triggered_at"`
}
