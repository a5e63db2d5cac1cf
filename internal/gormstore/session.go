package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// SessionStore is the GORM-backed implementation of store.SessionStore,
// generalized from server/internal/repositories/agent.go's UpdateStatus
// partial-update method by adding a last-writer-wins guard on top of the
// teacher's unconditional update.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore returns a store.SessionStore backed by the provided *gorm.DB.
func NewSessionStore(gdb *gorm.DB) *SessionStore {
	return &SessionStore{db: gdb}
}

// Heartbeat upserts last-writer-wins by LastHeartbeatAt, per spec §4.10: an
// incoming heartbeat older than the stored one is silently discarded (not
// an error — the caller already won the race, it just lost this one).
func (s *SessionStore) Heartbeat(ctx context.Context, rec *db.SessionRecord) (*db.SessionRecord, error) {
	var existing db.SessionRecord
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND workspace_id = ?", rec.AgentID, rec.WorkspaceID).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if createErr := s.db.WithContext(ctx).Create(rec).Error; createErr != nil {
			if isUniqueConstraintErr(createErr) {
				// Lost a race against a concurrent first heartbeat; fall
				// through to the last-writer-wins update below.
				return s.applyIfNewer(ctx, rec)
			}
			return nil, fmt.Errorf("sessions: heartbeat: create: %w", createErr)
		}
		return rec, nil
	case err != nil:
		return nil, fmt.Errorf("sessions: heartbeat: load: %w", err)
	}

	if !rec.LastHeartbeatAt.After(existing.LastHeartbeatAt) {
		return &existing, nil
	}
	return s.applyIfNewer(ctx, rec)
}

func (s *SessionStore) applyIfNewer(ctx context.Context, rec *db.SessionRecord) (*db.SessionRecord, error) {
	result := s.db.WithContext(ctx).
		Model(&db.SessionRecord{}).
		Where("agent_id = ? AND workspace_id = ? AND last_heartbeat_at < ?", rec.AgentID, rec.WorkspaceID, rec.LastHeartbeatAt).
		Updates(map[string]interface{}{
			"session_id":        rec.SessionID,
			"runtime":           rec.Runtime,
			"management_mode":  rec.ManagementMode,
			"resumable":        rec.Resumable,
			"status":           rec.Status,
			"last_heartbeat_at": rec.LastHeartbeatAt,
			"updated_at":       rec.UpdatedAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("sessions: heartbeat: apply: %w", result.Error)
	}

	var out db.SessionRecord
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND workspace_id = ?", rec.AgentID, rec.WorkspaceID).
		First(&out).Error; err != nil {
		return nil, fmt.Errorf("sessions: heartbeat: reload: %w", err)
	}
	return &out, nil
}

// Get returns the session for (agentID, workspaceID).
func (s *SessionStore) Get(ctx context.Context, agentID, workspaceID string) (*db.SessionRecord, error) {
	var rec db.SessionRecord
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND workspace_id = ?", agentID, workspaceID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	return &rec, nil
}

// ListByWorkspace returns every session record in a workspace.
func (s *SessionStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]db.SessionRecord, error) {
	var rows []db.SessionRecord
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sessions: list by workspace: %w", err)
	}
	return rows, nil
}

// MarkOffline transitions a session to offline, used by the reconciler.
func (s *SessionStore) MarkOffline(ctx context.Context, agentID, workspaceID string, updatedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&db.SessionRecord{}).
		Where("agent_id = ? AND workspace_id = ? AND status <> ?", agentID, workspaceID, "offline").
		Updates(map[string]interface{}{
			"status":     "offline",
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("sessions: mark offline: %w", result.Error)
	}
	return nil
}
