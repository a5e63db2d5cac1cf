// Package storetest provides in-memory fakes for every internal/store
// interface, for use by other packages' table-driven tests. Grounded on
// the pack's test idiom of hand-written interface fakes rather than a
// mocking framework (e.g. kadirpekel-hector's pkg/server/visibility_test.go
// mockValidator) — each fake here reproduces just enough of the real
// gormstore semantics (CAS, ordering, idempotency) for the domain logic
// under test to exercise real decisions, not a rubber-stamped double.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// ThreadStore is an in-memory store.ThreadStore.
type ThreadStore struct {
	mu           sync.Mutex
	threads      map[string]*db.Thread
	participants map[string][]string
}

func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: map[string]*db.Thread{}, participants: map[string][]string{}}
}

func (s *ThreadStore) CreateThread(_ context.Context, t *db.Thread, participants []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return store.ErrConflict
	}
	cp := *t
	s.threads[t.ID] = &cp
	seen := map[string]bool{}
	var dedup []string
	for _, p := range participants {
		if !seen[p] {
			seen[p] = true
			dedup = append(dedup, p)
		}
	}
	s.participants[t.ID] = dedup
	return nil
}

func (s *ThreadStore) GetThread(_ context.Context, threadID string) (*db.Thread, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	cp := *t
	return &cp, append([]string(nil), s.participants[threadID]...), nil
}

func (s *ThreadStore) ListActiveByWorkspace(_ context.Context, workspaceID string) ([]db.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Thread
	for _, t := range s.threads {
		if t.WorkspaceID == workspaceID && t.Status == "active" {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *ThreadStore) UpdateThreadStatus(_ context.Context, threadID, next, expectedCurrent string, updatedAt time.Time) (*db.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != expectedCurrent {
		return nil, store.ErrConflict
	}
	t.Status = next
	t.UpdatedAt = updatedAt
	if next != "blocked" {
		t.EscalationOwnerAgentID = nil
		t.EscalationAssignedByAgentID = nil
		t.EscalationAssignedAt = nil
	}
	cp := *t
	return &cp, nil
}

func (s *ThreadStore) SummarizeThread(_ context.Context, threadID string, _ int) (*store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, store.ErrNotFound
	}
	return &store.Summary{ThreadID: threadID, Text: "summary", GeneratedAt: time.Now()}, nil
}

func (s *ThreadStore) SetEscalationOwner(_ context.Context, threadID, ownerAgentID, assignedBy string, assignedAt time.Time, reassign bool) (*db.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	hasOwner := t.EscalationOwnerAgentID != nil
	if reassign && !hasOwner {
		return nil, store.ErrConflict
	}
	if !reassign && hasOwner {
		return nil, store.ErrConflict
	}
	owner, by := ownerAgentID, assignedBy
	at := assignedAt
	t.EscalationOwnerAgentID = &owner
	t.EscalationAssignedByAgentID = &by
	t.EscalationAssignedAt = &at
	cp := *t
	return &cp, nil
}

// MessageStore is an in-memory store.MessageStore.
type MessageStore struct {
	mu       sync.Mutex
	messages map[string][]db.Message // by threadID, ordered by seq
}

func NewMessageStore() *MessageStore {
	return &MessageStore{messages: map[string][]db.Message{}}
}

func (s *MessageStore) Post(_ context.Context, msg *db.Message, _ int) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[msg.ThreadID] {
		if msg.IdempotencyKey != nil && m.IdempotencyKey != nil &&
			*m.IdempotencyKey == *msg.IdempotencyKey && m.SenderAgentID == msg.SenderAgentID {
			cp := m
			return &cp, nil
		}
	}
	next := int64(len(s.messages[msg.ThreadID]) + 1)
	cp := *msg
	cp.Seq = next
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], cp)
	out := cp
	return &out, nil
}

func (s *MessageStore) Read(_ context.Context, threadID string, sinceSeq int64, limit int) (store.ListMessagesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Message
	for _, m := range s.messages[threadID] {
		if m.Seq > sinceSeq {
			out = append(out, m)
		}
	}
	hasMore := false
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		hasMore = true
	}
	next := sinceSeq
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return store.ListMessagesResult{Messages: out, NextSeq: next, HasMore: hasMore}, nil
}

func (s *MessageStore) LatestSeq(_ context.Context, threadID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

func (s *MessageStore) GetByID(_ context.Context, threadID, messageID string) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[threadID] {
		if m.ID == messageID {
			cp := m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// CursorStore is an in-memory store.CursorStore.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]*db.ParticipantCursor // by threadID|agentID
}

func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: map[string]*db.ParticipantCursor{}}
}

func cursorKey(threadID, agentID string) string { return threadID + "|" + agentID }

func (s *CursorStore) Ack(_ context.Context, threadID, agentID string, lastReadSeq int64, updatedAt time.Time) (*db.ParticipantCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(threadID, agentID)
	existing := s.cursors[key]
	if existing != nil && lastReadSeq < existing.LastReadSeq {
		return nil, store.ErrConflict
	}
	c := &db.ParticipantCursor{ThreadID: threadID, AgentID: agentID, LastReadSeq: lastReadSeq, UpdatedAt: updatedAt}
	s.cursors[key] = c
	cp := *c
	return &cp, nil
}

func (s *CursorStore) Get(_ context.Context, threadID, agentID string) (*db.ParticipantCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[cursorKey(threadID, agentID)]
	if !ok {
		return &db.ParticipantCursor{ThreadID: threadID, AgentID: agentID}, nil
	}
	cp := *c
	return &cp, nil
}

func (s *CursorStore) ListByThread(_ context.Context, threadID string) ([]db.ParticipantCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ParticipantCursor
	for _, c := range s.cursors {
		if c.ThreadID == threadID {
			out = append(out, *c)
		}
	}
	return out, nil
}

// SessionStore is an in-memory store.SessionStore.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*db.SessionRecord // by agentID|workspaceID
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]*db.SessionRecord{}}
}

func sessionKey(agentID, workspaceID string) string { return agentID + "|" + workspaceID }

func (s *SessionStore) Heartbeat(_ context.Context, rec *db.SessionRecord) (*db.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(rec.AgentID, rec.WorkspaceID)
	existing := s.sessions[key]
	if existing != nil && rec.LastHeartbeatAt.Before(existing.LastHeartbeatAt) {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	s.sessions[key] = &cp
	out := cp
	return &out, nil
}

func (s *SessionStore) Get(_ context.Context, agentID, workspaceID string) (*db.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionKey(agentID, workspaceID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *SessionStore) ListByWorkspace(_ context.Context, workspaceID string) ([]db.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.SessionRecord
	for _, r := range s.sessions {
		if r.WorkspaceID == workspaceID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *SessionStore) MarkOffline(_ context.Context, agentID, workspaceID string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionKey(agentID, workspaceID)]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = "offline"
	rec.UpdatedAt = updatedAt
	return nil
}

// terminalTriggerStatuses mirrors gormstore.terminalStatuses: the set of
// trigger_jobs.status values excluded from the circuit breaker's backlog
// count and from pending-job dedupe (spec §4.5). A job settles here only
// via callback_delivered/callback_failed or a non-retryable failed — not
// "delivered", which is a mid-lifecycle executor outcome that advances to
// callback_pending, nor "cancelled", a status this store never assigns.
var terminalTriggerStatuses = map[string]bool{"failed": true, "callback_delivered": true, "callback_failed": true}

// TriggerStore is an in-memory store.TriggerStore.
type TriggerStore struct {
	mu       sync.Mutex
	jobs     map[string]*db.TriggerJob
	attempts map[string][]db.TriggerAttempt
}

func NewTriggerStore() *TriggerStore {
	return &TriggerStore{jobs: map[string]*db.TriggerJob{}, attempts: map[string][]db.TriggerAttempt{}}
}

func (s *TriggerStore) InsertOrGet(_ context.Context, job *db.TriggerJob) (*db.TriggerJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.TriggerID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *job
	s.jobs[job.TriggerID] = &cp
	out := cp
	return &out, true, nil
}

func (s *TriggerStore) Get(_ context.Context, triggerID string) (*db.TriggerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *TriggerStore) ClaimDue(_ context.Context, workspaceID string, limit int, now time.Time) ([]store.ClaimedTriggerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimable := map[string]bool{
		"queued": true, "timeout": true, "deferred": true,
		"fallback_resume": true, "fallback_spawn": true,
		"callback_pending": true, "callback_retry": true,
	}
	var ids []string
	for id, j := range s.jobs {
		if j.WorkspaceID != workspaceID || !claimable[j.Status] {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	var out []store.ClaimedTriggerJob
	for _, id := range ids {
		j := s.jobs[id]
		prior := j.Status
		j.Status = "triggering"
		j.UpdatedAt = now
		out = append(out, store.ClaimedTriggerJob{Job: *j, PriorStatus: prior})
	}
	return out, nil
}

func (s *TriggerStore) ReclaimStaleLeases(_ context.Context, leaseTimeout time.Duration, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	toQueued, toCallback := 0, 0
	for _, j := range s.jobs {
		if j.Status != "triggering" {
			continue
		}
		if now.Sub(j.UpdatedAt) < leaseTimeout {
			continue
		}
		delivered := false
		for _, a := range s.attempts[j.TriggerID] {
			if a.AttemptResult == "delivered" {
				delivered = true
				break
			}
		}
		if delivered {
			j.Status = "callback_pending"
			toCallback++
		} else {
			j.Status = "queued"
			toQueued++
		}
		j.UpdatedAt = now
	}
	return toQueued, toCallback, nil
}

func (s *TriggerStore) Transition(_ context.Context, triggerID, expectedCurrent, next string, attempts int, nextRetryAt *time.Time, updatedAt time.Time) (*db.TriggerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != expectedCurrent {
		return nil, store.ErrConflict
	}
	j.Status = next
	j.Attempts = attempts
	j.NextRetryAt = nextRetryAt
	j.UpdatedAt = updatedAt
	cp := *j
	return &cp, nil
}

func (s *TriggerStore) RecordAttempt(_ context.Context, att *db.TriggerAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att.AttemptNo = len(s.attempts[att.TriggerID]) + 1
	s.attempts[att.TriggerID] = append(s.attempts[att.TriggerID], *att)
	return nil
}

func (s *TriggerStore) ListAttempts(_ context.Context, triggerID string) ([]db.TriggerAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.TriggerAttempt(nil), s.attempts[triggerID]...), nil
}

func (s *TriggerStore) CountPending(_ context.Context, workspaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terminal := terminalTriggerStatuses
	var n int64
	for _, j := range s.jobs {
		if j.WorkspaceID == workspaceID && !terminal[j.Status] {
			n++
		}
	}
	return n, nil
}

func (s *TriggerStore) FindPendingByReason(_ context.Context, threadID, agentID, reason string) ([]db.TriggerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terminal := terminalTriggerStatuses
	var out []db.TriggerJob
	for _, j := range s.jobs {
		if j.ThreadID == threadID && j.TargetAgentID == agentID && j.Reason == reason && !terminal[j.Status] {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *TriggerStore) RecentByParticipant(_ context.Context, threadID, agentID string, n int) ([]db.TriggerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.TriggerJob
	for _, j := range s.jobs {
		if j.ThreadID == threadID && j.TargetAgentID == agentID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *TriggerStore) RecentAttemptsByThreadAgent(_ context.Context, threadID, agentID string, n int) ([]db.TriggerAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.TriggerAttempt
	for triggerID, atts := range s.attempts {
		j, ok := s.jobs[triggerID]
		if !ok || j.ThreadID != threadID || j.TargetAgentID != agentID {
			continue
		}
		out = append(out, atts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// FallbackStore is an in-memory store.FallbackStore.
type FallbackStore struct {
	mu   sync.Mutex
	runs map[string]*db.FallbackRun
}

func NewFallbackStore() *FallbackStore {
	return &FallbackStore{runs: map[string]*db.FallbackRun{}}
}

func (s *FallbackStore) Create(_ context.Context, run *db.FallbackRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.TriggerID] = &cp
	return nil
}

func (s *FallbackStore) Get(_ context.Context, triggerID string) (*db.FallbackRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FallbackStore) ListRunning(_ context.Context) ([]db.FallbackRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.FallbackRun
	for _, r := range s.runs {
		if r.Status == "running" {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

func (s *FallbackStore) Update(_ context.Context, run *db.FallbackRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.TriggerID]; !ok {
		return store.ErrNotFound
	}
	cp := *run
	s.runs[run.TriggerID] = &cp
	return nil
}

// AuditStore is an in-memory store.AuditStore.
type AuditStore struct {
	mu     sync.Mutex
	Events []db.AuditEvent
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Record(_ context.Context, ev *db.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, *ev)
	return nil
}
