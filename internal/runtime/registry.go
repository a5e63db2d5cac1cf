// Package runtime wraps the session/runtime registry described in spec
// §3/§4.10: last-writer-wins heartbeat upserts, staleness classification,
// and reconciliation to offline. Grounded on
// server/internal/repositories/agent.go's UpdateStatus partial-update
// method, generalized with the last-writer-wins timestamp guard the
// teacher's unconditional update does not need (the teacher never races
// concurrent heartbeats for the same agent).
package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// Registry wraps a store.SessionStore with the staleness policy from spec §3.
type Registry struct {
	sessions   store.SessionStore
	staleAfter time.Duration
	logger     *zap.Logger
}

// New returns a Registry backed by the given store.SessionStore. staleAfter
// is the configured SESSION_STALE_AFTER_HOURS duration.
func New(sessions store.SessionStore, staleAfter time.Duration, logger *zap.Logger) *Registry {
	return &Registry{sessions: sessions, staleAfter: staleAfter, logger: logger.Named("runtime")}
}

// IsStale reports whether a session with the given last-heartbeat time is
// stale as of now, per spec §3: now - last_heartbeat_at >= stale_after.
func IsStale(lastHeartbeatAt time.Time, staleAfter time.Duration, now time.Time) bool {
	return now.Sub(lastHeartbeatAt) >= staleAfter
}

// Heartbeat upserts a session record, applying last-writer-wins semantics.
func (r *Registry) Heartbeat(ctx context.Context, rec *db.SessionRecord) (*db.SessionRecord, error) {
	out, err := r.sessions.Heartbeat(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("runtime: heartbeat: %w", err)
	}
	return out, nil
}

// Get returns the session for (agentID, workspaceID), or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, agentID, workspaceID string) (*db.SessionRecord, error) {
	return r.sessions.Get(ctx, agentID, workspaceID)
}

// IsSessionStale reports whether rec is stale as of now under this
// Registry's configured threshold.
func (r *Registry) IsSessionStale(rec *db.SessionRecord, now time.Time) bool {
	return IsStale(rec.LastHeartbeatAt, r.staleAfter, now)
}

// ReconcileResult reports the outcome of a Reconcile pass.
type ReconcileResult struct {
	Checked     int
	Transitioned int
}

// Reconcile scans every session in the workspace and marks stale,
// non-offline sessions offline, per spec §4.10.
func (r *Registry) Reconcile(ctx context.Context, workspaceID string, now time.Time) (ReconcileResult, error) {
	sessions, err := r.sessions.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("runtime: reconcile: list: %w", err)
	}

	result := ReconcileResult{Checked: len(sessions)}
	for _, sess := range sessions {
		if sess.Status == "offline" {
			continue
		}
		if !r.IsSessionStale(&sess, now) {
			continue
		}
		if err := r.sessions.MarkOffline(ctx, sess.AgentID, sess.WorkspaceID, now); err != nil {
			r.logger.Error("failed to mark session offline",
				zap.String("agent_id", sess.AgentID),
				zap.String("workspace_id", sess.WorkspaceID),
				zap.Error(err),
			)
			continue
		}
		result.Transitioned++
	}
	return result, nil
}
