// Package unread implements the unread reconciliation and auto-trigger
// scheduler (spec §4.5): detecting dormant participants with unread
// messages, then enqueueing deduplicated trigger jobs under a circuit
// breaker and a per-participant leaky bucket. Runs once per supervisor
// tick, grounded structurally on server/internal/scheduler/scheduler.go's
// scan-then-dispatch tick shape.
package unread

import (
	"context"
	"fmt"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/runtime"
	"github.com/agent-bridge/bridge/internal/store"
	"go.uber.org/zap"
)

// Candidate is a dormant participant with unread messages in a thread,
// the unit of work for Schedule.
type Candidate struct {
	ThreadID    string
	WorkspaceID string
	AgentID     string
	LatestSeq   int64
	UnreadCount int64
	Session     *db.SessionRecord // nil if the participant has no session record
}

// Reconciler scans active threads for unread-dormant participants.
type Reconciler struct {
	threads  store.ThreadStore
	messages store.MessageStore
	cursors  store.CursorStore
	sessions store.SessionStore
	staleAfter time.Duration
	logger   *zap.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(threads store.ThreadStore, messages store.MessageStore, cursors store.CursorStore, sessions store.SessionStore, staleAfter time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		threads:    threads,
		messages:   messages,
		cursors:    cursors,
		sessions:   sessions,
		staleAfter: staleAfter,
		logger:     logger.Named("unread_reconciler"),
	}
}

// FindCandidates implements spec §4.5's reconciliation step: scan
// participants of every active thread in the workspace, compute unread
// counts, and filter to dormant participants. Multiple candidate rows for
// the same (thread, agent) — which cannot arise within one scan of one
// thread, but could across a future multi-pass reconciler — are
// deduplicated, keeping the highest LatestSeq.
func (r *Reconciler) FindCandidates(ctx context.Context, workspaceID string, now time.Time) ([]Candidate, error) {
	threads, err := r.threads.ListActiveByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("unread: list active threads: %w", err)
	}

	byKey := make(map[string]Candidate)
	for _, t := range threads {
		if err := r.scanThread(ctx, t, now, byKey); err != nil {
			r.logger.Warn("skipping thread during unread scan", zap.String("thread_id", t.ID), zap.Error(err))
		}
	}

	candidates := make([]Candidate, 0, len(byKey))
	for _, c := range byKey {
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (r *Reconciler) scanThread(ctx context.Context, t db.Thread, now time.Time, out map[string]Candidate) error {
	latestSeq, err := r.messages.LatestSeq(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("latest seq: %w", err)
	}
	if latestSeq == 0 {
		return nil
	}

	latestSender := ""
	page, err := r.messages.Read(ctx, t.ID, latestSeq-1, 1)
	if err != nil {
		return fmt.Errorf("read latest message: %w", err)
	}
	if len(page.Messages) > 0 {
		latestSender = page.Messages[0].SenderAgentID
	}

	_, participants, err := r.threads.GetThread(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("get participants: %w", err)
	}

	cursors, err := r.cursors.ListByThread(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("list cursors: %w", err)
	}
	lastRead := make(map[string]int64, len(cursors))
	for _, c := range cursors {
		lastRead[c.AgentID] = c.LastReadSeq
	}

	for _, agentID := range participants {
		if agentID == latestSender {
			continue
		}
		unread := latestSeq - lastRead[agentID]
		if unread <= 0 {
			continue
		}

		session, err := r.sessions.Get(ctx, agentID, t.WorkspaceID)
		dormant := false
		switch {
		case err == store.ErrNotFound:
			dormant = true
			session = nil
		case err != nil:
			return fmt.Errorf("get session for %s: %w", agentID, err)
		case session.Status == "idle" || session.Status == "offline":
			dormant = true
		case runtime.IsStale(session.LastHeartbeatAt, r.staleAfter, now):
			dormant = true
		}
		if !dormant {
			continue
		}

		key := t.ID + "|" + agentID
		existing, ok := out[key]
		if ok && existing.LatestSeq >= latestSeq {
			continue
		}
		out[key] = Candidate{
			ThreadID:    t.ID,
			WorkspaceID: t.WorkspaceID,
			AgentID:     agentID,
			LatestSeq:   latestSeq,
			UnreadCount: unread,
			Session:     session,
		}
	}
	return nil
}
