package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/audit"
	"github.com/agent-bridge/bridge/internal/auth"
	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/runtime"
	"github.com/agent-bridge/bridge/internal/store"
	"github.com/agent-bridge/bridge/internal/trigger"
)

// Config bundles the dispatcher's tunables.
type Config struct {
	StaleAfter         time.Duration
	PostMessageMaxAttempts int
	TriggerMaxRetries  int
}

// Publisher fans out a live event to any subscribers of topic. The
// optional GET /v1/mcp/stream feed (internal/websocket) implements this;
// a nil Publisher is valid and simply disables the push side-channel.
type Publisher interface {
	Publish(topic, eventType string, payload map[string]interface{})
}

// Dispatcher implements spec §4.3's six-step request pipeline over the
// nine wire operations (spec §6). It holds no transport concerns — the
// HTTP binding lives in internal/api, which authenticates the bearer
// token via auth.Verifier and then calls these methods directly.
type Dispatcher struct {
	threads   store.ThreadStore
	messages  store.MessageStore
	cursors   store.CursorStore
	sessions  store.SessionStore
	triggers  store.TriggerStore
	audit     *audit.Recorder
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Dispatcher. pub may be nil.
func New(threads store.ThreadStore, messages store.MessageStore, cursors store.CursorStore, sessions store.SessionStore, triggers store.TriggerStore, rec *audit.Recorder, pub Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		threads:   threads,
		messages:  messages,
		cursors:   cursors,
		sessions:  sessions,
		triggers:  triggers,
		audit:     rec,
		publisher: pub,
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
	}
}

func (d *Dispatcher) publish(topic, eventType string, payload map[string]interface{}) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(topic, eventType, payload)
}

// checkIdentity implements spec §4.3 step 3: a hinted agent_id/session_id
// must equal the authenticated claim.
func checkIdentity(claims auth.Claims, hint IdentityHint) *Error {
	if hint.AgentID != "" && hint.AgentID != claims.AgentID {
		return ErrForbidden.WithDetails(map[string]interface{}{
			"subcode": "CLAIM_MISMATCH", "field": "agent_id",
		})
	}
	if hint.SessionID != "" && hint.SessionID != claims.SessionID {
		return ErrForbidden.WithDetails(map[string]interface{}{
			"subcode": "CLAIM_MISMATCH", "field": "session_id",
		})
	}
	return nil
}

// loadThreadInWorkspace implements spec §4.3 step 4 for operations
// targeting an existing thread.
func (d *Dispatcher) loadThreadInWorkspace(ctx context.Context, claims auth.Claims, threadID string) (*db.Thread, []string, *Error) {
	t, participants, err := d.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, mapStoreError(err)
	}
	if t.WorkspaceID != claims.WorkspaceID {
		return nil, nil, ErrWorkspaceMismatch
	}
	return t, participants, nil
}

func (d *Dispatcher) recordAudit(ctx context.Context, claims auth.Claims, operation, resourceType, resourceID, threadID, requestID, result string, payload map[string]interface{}) {
	payloadJSON := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			payloadJSON = string(b)
		}
	}
	role := string(claims.Role)
	agentID := claims.AgentID
	var threadPtr, reqPtr *string
	if threadID != "" {
		threadPtr = &threadID
	}
	if requestID != "" {
		reqPtr = &requestID
	}
	d.audit.Record(ctx, &db.AuditEvent{
		ID:           uuid.NewString(),
		WorkspaceID:  claims.WorkspaceID,
		ActorAgentID: &agentID,
		ActorRole:    &role,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ThreadID:     threadPtr,
		RequestID:    reqPtr,
		Result:       result,
		Payload:      payloadJSON,
		CreatedAt:    time.Now(),
	})
}

// --- create_thread ---

func (d *Dispatcher) CreateThread(ctx context.Context, claims auth.Claims, req CreateThreadRequest) (*CreateThreadResponse, *Error) {
	if !authorize(claims.Role, capThreadManage) {
		return nil, ErrForbidden
	}
	if req.Title == "" || req.Type == "" {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "title and type are required"})
	}
	switch req.Type {
	case "conversation", "workflow", "incident":
	default:
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "invalid thread type"})
	}

	now := time.Now()
	t := &db.Thread{
		ID:          "thread_" + uuid.NewString(),
		WorkspaceID: claims.WorkspaceID,
		Title:       req.Title,
		Type:        req.Type,
		Status:      "active",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.threads.CreateThread(ctx, t, req.Participants); err != nil {
		return nil, mapStoreError(err)
	}

	d.recordAudit(ctx, claims, "create_thread", "thread", t.ID, t.ID, "", "success", nil)
	return &CreateThreadResponse{ThreadID: t.ID, Status: t.Status, CreatedAt: t.CreatedAt}, nil
}

// --- get_thread ---

func (d *Dispatcher) GetThread(ctx context.Context, claims auth.Claims, req GetThreadRequest) (*GetThreadResponse, *Error) {
	if !authorize(claims.Role, capThreadRead) {
		return nil, ErrForbidden
	}
	t, participants, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID)
	if derr != nil {
		return nil, derr
	}
	return &GetThreadResponse{
		ThreadID:                    t.ID,
		WorkspaceID:                 t.WorkspaceID,
		Title:                       t.Title,
		Type:                        t.Type,
		Status:                      t.Status,
		Participants:                participants,
		EscalationOwnerAgentID:      t.EscalationOwnerAgentID,
		EscalationAssignedByAgentID: t.EscalationAssignedByAgentID,
		EscalationAssignedAt:        t.EscalationAssignedAt,
		CreatedAt:                   t.CreatedAt,
		UpdatedAt:                   t.UpdatedAt,
	}, nil
}

// --- update_thread_status ---

var allowedTransitions = map[string]map[string]bool{
	"active":   {"blocked": true, "resolved": true},
	"blocked":  {"active": true, "resolved": true, "closed": true},
	"resolved": {"active": true, "closed": true},
	"closed":   {},
}

func isOverrideReason(reason string) bool {
	return strings.HasPrefix(reason, "human_override:") || strings.HasPrefix(reason, "coordinator_override:")
}

func (d *Dispatcher) UpdateThreadStatus(ctx context.Context, claims auth.Claims, req UpdateThreadStatusRequest) (*UpdateThreadStatusResponse, *Error) {
	if !authorize(claims.Role, capThreadManage) {
		return nil, ErrForbidden
	}
	if req.Next == "" {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "next status is required"})
	}

	t, _, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID)
	if derr != nil {
		return nil, derr
	}

	if req.Next == t.Status {
		// Already in the requested state: spec §8's idempotence law treats
		// this as a no-op that still audits and returns success, bypassing
		// the transition graph and override-prefix checks entirely.
		d.recordAudit(ctx, claims, "update_thread_status", "thread", t.ID, t.ID, "", "success",
			map[string]interface{}{"from": t.Status, "to": req.Next, "reason": req.Reason, "noop": true})
		return &UpdateThreadStatusResponse{ThreadID: t.ID, Status: t.Status, UpdatedAt: t.UpdatedAt}, nil
	}

	if !allowedTransitions[t.Status][req.Next] {
		return nil, ErrInvalidTransition.WithDetails(map[string]interface{}{
			"from": t.Status, "to": req.Next,
		})
	}

	if claims.Role == auth.RoleParticipant && req.Next == "closed" {
		return nil, ErrForbidden
	}
	if t.Status == "blocked" && req.Next == "closed" {
		isOwner := t.EscalationOwnerAgentID != nil && *t.EscalationOwnerAgentID == req.ActorAgentID
		if !isOwner && !isOverrideReason(req.Reason) {
			return nil, ErrForbidden.WithDetails(map[string]interface{}{"subcode": "MISSING_OVERRIDE_PREFIX"})
		}
	}
	if t.Status == "blocked" && req.Next == "active" {
		isOwner := t.EscalationOwnerAgentID != nil && *t.EscalationOwnerAgentID == req.ActorAgentID
		if !isOwner && !isOverrideReason(req.Reason) {
			return nil, ErrForbidden.WithDetails(map[string]interface{}{"subcode": "MISSING_OVERRIDE_PREFIX"})
		}
	}

	now := time.Now()
	updated, err := d.threads.UpdateThreadStatus(ctx, req.ThreadID, req.Next, t.Status, now)
	if err != nil {
		return nil, mapStoreError(err)
	}

	d.recordAudit(ctx, claims, "update_thread_status", "thread", t.ID, t.ID, "", "success",
		map[string]interface{}{"from": t.Status, "to": req.Next, "reason": req.Reason})
	d.publish("thread:"+t.ID, "thread.status", map[string]interface{}{"thread_id": t.ID, "status": updated.Status})
	return &UpdateThreadStatusResponse{ThreadID: updated.ID, Status: updated.Status, UpdatedAt: updated.UpdatedAt}, nil
}

// --- summarize_thread ---

func (d *Dispatcher) SummarizeThread(ctx context.Context, claims auth.Claims, req SummarizeThreadRequest) (*SummarizeThreadResponse, *Error) {
	if !authorize(claims.Role, capThreadRead) {
		return nil, ErrForbidden
	}
	if _, _, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID); derr != nil {
		return nil, derr
	}
	maxMessages := req.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 20
	}
	summary, err := d.threads.SummarizeThread(ctx, req.ThreadID, maxMessages)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &SummarizeThreadResponse{
		ThreadID: summary.ThreadID, MessageCount: summary.MessageCount,
		Text: summary.Text, GeneratedAt: summary.GeneratedAt,
	}, nil
}

// --- post_message ---

func (d *Dispatcher) PostMessage(ctx context.Context, claims auth.Claims, hint IdentityHint, req PostMessageRequest) (*PostMessageResponse, *Error) {
	if !authorize(claims.Role, capMessageWrite) {
		return nil, ErrForbidden
	}
	if derr := checkIdentity(claims, hint); derr != nil {
		return nil, derr
	}
	t, participants, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID)
	if derr != nil {
		return nil, derr
	}
	if !contains(participants, claims.AgentID) {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "sender is not a thread participant"})
	}

	switch req.Kind {
	case "chat", "event", "system":
	default:
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "invalid message kind"})
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if req.Kind == "event" {
		if _, ok := metadata["event_type"]; !ok {
			return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "event_type is required for kind=event"})
		}
		if v, ok := metadata["event_version"]; ok {
			n, ok := toPositiveInt(v)
			if !ok {
				return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "event_version must be a positive integer"})
			}
			metadata["event_version"] = n
		} else {
			metadata["event_version"] = 1
		}
	}

	if req.InReplyTo != nil {
		if _, err := d.messages.GetByID(ctx, req.ThreadID, *req.InReplyTo); err != nil {
			return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "in_reply_to does not reference an existing message"})
		}
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "metadata is not serializable"})
	}

	schemaVersion := req.SchemaVersion
	if schemaVersion <= 0 {
		schemaVersion = 1
	}

	msg := &db.Message{
		ID:              "msg_" + uuid.NewString(),
		ThreadID:        req.ThreadID,
		SchemaVersion:   schemaVersion,
		SenderAgentID:   claims.AgentID,
		SenderSessionID: req.SenderSessionID,
		Kind:            req.Kind,
		Body:            req.Body,
		Metadata:        string(metadataJSON),
		InReplyTo:       req.InReplyTo,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       time.Now(),
	}

	maxAttempts := d.cfg.PostMessageMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	stored, err := d.messages.Post(ctx, msg, maxAttempts)
	if err != nil {
		return nil, mapStoreError(err)
	}

	d.recordAudit(ctx, claims, "post_message", "message", stored.ID, t.ID, "", "success", nil)
	d.publish("thread:"+t.ID, "message.posted", map[string]interface{}{
		"message_id": stored.ID, "seq": stored.Seq, "sender_agent_id": stored.SenderAgentID,
	})
	return &PostMessageResponse{MessageID: stored.ID, Seq: stored.Seq, ThreadStatus: t.Status, CreatedAt: stored.CreatedAt}, nil
}

func toPositiveInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		if n <= 0 {
			return 0, false
		}
		return n, true
	case float64:
		if n <= 0 || n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// --- read_messages ---

func (d *Dispatcher) ReadMessages(ctx context.Context, claims auth.Claims, hint IdentityHint, req ReadMessagesRequest) (*ReadMessagesResponse, *Error) {
	if !authorize(claims.Role, capMessageRead) {
		return nil, ErrForbidden
	}
	if derr := checkIdentity(claims, hint); derr != nil {
		return nil, derr
	}
	if _, _, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID); derr != nil {
		return nil, derr
	}
	if req.SinceSeq < 0 {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "since_seq must be >= 0"})
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	result, err := d.messages.Read(ctx, req.ThreadID, req.SinceSeq, limit)
	if err != nil {
		return nil, mapStoreError(err)
	}

	views := make([]MessageView, len(result.Messages))
	for i, m := range result.Messages {
		var metadata map[string]interface{}
		_ = json.Unmarshal([]byte(m.Metadata), &metadata)
		views[i] = MessageView{
			MessageID:       m.ID,
			Seq:             m.Seq,
			SchemaVersion:   m.SchemaVersion,
			SenderAgentID:   m.SenderAgentID,
			SenderSessionID: m.SenderSessionID,
			Kind:            m.Kind,
			Body:            m.Body,
			Metadata:        metadata,
			InReplyTo:       m.InReplyTo,
			CreatedAt:       m.CreatedAt,
		}
	}
	return &ReadMessagesResponse{Messages: views, NextSeq: result.NextSeq, HasMore: result.HasMore}, nil
}

// --- ack_read ---

func (d *Dispatcher) AckRead(ctx context.Context, claims auth.Claims, hint IdentityHint, req AckReadRequest) (*AckReadResponse, *Error) {
	if !authorize(claims.Role, capMessageRead) {
		return nil, ErrForbidden
	}
	if derr := checkIdentity(claims, hint); derr != nil {
		return nil, derr
	}
	if _, _, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID); derr != nil {
		return nil, derr
	}
	if req.LastReadSeq < 0 {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "last_read_seq must be >= 0"})
	}

	latest, err := d.messages.LatestSeq(ctx, req.ThreadID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if req.LastReadSeq > latest {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "last_read_seq exceeds latest_seq"})
	}

	now := time.Now()
	cursor, err := d.cursors.Ack(ctx, req.ThreadID, claims.AgentID, req.LastReadSeq, now)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &AckReadResponse{OK: true, UpdatedAt: cursor.UpdatedAt}, nil
}

// --- heartbeat_session ---

func (d *Dispatcher) HeartbeatSession(ctx context.Context, claims auth.Claims, hint IdentityHint, req HeartbeatSessionRequest) (*HeartbeatSessionResponse, *Error) {
	if !authorize(claims.Role, capSessionHeartbeat) {
		return nil, ErrForbidden
	}
	if derr := checkIdentity(claims, hint); derr != nil {
		return nil, derr
	}
	if req.WorkspaceID != "" && req.WorkspaceID != claims.WorkspaceID {
		return nil, ErrWorkspaceMismatch
	}
	switch req.ManagementMode {
	case "managed", "unmanaged":
	default:
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "invalid management_mode"})
	}
	switch req.Status {
	case "active", "idle", "offline":
	default:
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "invalid status"})
	}

	now := time.Now()
	rec := &db.SessionRecord{
		AgentID:         claims.AgentID,
		WorkspaceID:     claims.WorkspaceID,
		SessionID:       req.SessionID,
		Runtime:         req.Runtime,
		ManagementMode:  req.ManagementMode,
		Resumable:       req.Resumable,
		Status:          req.Status,
		LastHeartbeatAt: now,
		UpdatedAt:       now,
	}
	stored, err := d.sessions.Heartbeat(ctx, rec)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &HeartbeatSessionResponse{OK: true, RecordedAt: stored.LastHeartbeatAt}, nil
}

// --- trigger_participant ---

func (d *Dispatcher) TriggerParticipant(ctx context.Context, claims auth.Claims, req TriggerParticipantRequest) (*TriggerParticipantResponse, *Error) {
	if !authorize(claims.Role, capThreadManage) {
		return nil, ErrForbidden
	}
	_, participants, derr := d.loadThreadInWorkspace(ctx, claims, req.ThreadID)
	if derr != nil {
		return nil, derr
	}
	if !contains(participants, req.TargetAgentID) {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "target_agent_id is not a thread participant"})
	}
	if req.RequestID == "" {
		return nil, ErrInvalidArgument.WithDetails(map[string]interface{}{"reason": "x-request-id is required"})
	}

	triggerID := trigger.BuildTriggerID(req.RequestID)
	now := time.Now()

	session, err := d.sessions.Get(ctx, req.TargetAgentID, claims.WorkspaceID)
	if err != nil && err != store.ErrNotFound {
		return nil, mapStoreError(err)
	}
	if err == store.ErrNotFound {
		session = nil
	}

	decision := trigger.Resolve(session, d.cfg.StaleAfter, now)

	var targetSessionID *string
	if session != nil {
		sid := session.SessionID
		targetSessionID = &sid
	}

	maxRetries := d.cfg.TriggerMaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	job := &db.TriggerJob{
		TriggerID:       triggerID,
		ThreadID:        req.ThreadID,
		WorkspaceID:     claims.WorkspaceID,
		TargetAgentID:   req.TargetAgentID,
		TargetSessionID: targetSessionID,
		Reason:          req.Reason,
		Prompt:          req.TriggerPrompt,
		Status:          decision.Status,
		MaxRetries:      maxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stored, created, err := d.triggers.InsertOrGet(ctx, job)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !created {
		if stored.ThreadID != job.ThreadID || stored.TargetAgentID != job.TargetAgentID ||
			stored.Reason != job.Reason || stored.Prompt != job.Prompt {
			return nil, ErrIdempotencyConflict
		}
	}

	resp := &TriggerParticipantResponse{
		TriggerID:      stored.TriggerID,
		TargetAgentID:  stored.TargetAgentID,
		Action:         decision.Action,
		Result:         "accepted",
		JobStatus:      stored.Status,
		FallbackAction: decision.FallbackAction,
		StaleSession:   session != nil && runtime.IsStale(session.LastHeartbeatAt, d.cfg.StaleAfter, now),
		TriggeredAt:    now,
	}
	if session != nil {
		resp.TargetSessionID = session.SessionID
		resp.Runtime = session.Runtime
		resp.ManagementMode = session.ManagementMode
		resp.SessionStatus = session.Status
	}

	d.recordAudit(ctx, claims, "trigger_participant", "trigger_job", stored.TriggerID, req.ThreadID, req.RequestID, "success", nil)
	d.publish("workspace:"+claims.WorkspaceID, "trigger.status", map[string]interface{}{
		"trigger_id": stored.TriggerID, "status": stored.Status,
	})
	return resp, nil
}
