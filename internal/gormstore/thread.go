// Package gormstore implements the internal/store capability interfaces on
// top of gorm.io/gorm, following the query idioms of the teacher's
// internal/repositories package: First+gorm.ErrRecordNotFound mapped to a
// sentinel error, Updates with a plain map for partial writes, and
// result.RowsAffected checked for not-found/conflict signals.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// ThreadStore is the GORM-backed implementation of store.ThreadStore.
type ThreadStore struct {
	db *gorm.DB
}

// NewThreadStore returns a store.ThreadStore backed by the provided *gorm.DB.
func NewThreadStore(gdb *gorm.DB) *ThreadStore {
	return &ThreadStore{db: gdb}
}

// CreateThread inserts the thread and its deduplicated, order-preserving
// participant set in a single transaction.
func (s *ThreadStore) CreateThread(ctx context.Context, t *db.Thread, participants []string) error {
	seen := make(map[string]bool, len(participants))
	rows := make([]db.ThreadParticipant, 0, len(participants))
	pos := 0
	for _, agentID := range participants {
		if seen[agentID] {
			continue
		}
		seen[agentID] = true
		rows = append(rows, db.ThreadParticipant{
			ThreadID:  t.ID,
			AgentID:   agentID,
			Position:  pos,
			CreatedAt: t.CreatedAt,
		})
		pos++
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("threads: create: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("threads: create participants: %w", err)
			}
		}
		return nil
	})
	return err
}

// GetThread returns the thread and its participants in insertion order.
func (s *ThreadStore) GetThread(ctx context.Context, threadID string) (*db.Thread, []string, error) {
	var t db.Thread
	if err := s.db.WithContext(ctx).First(&t, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, fmt.Errorf("threads: get: %w", err)
	}

	var rows []db.ThreadParticipant
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("threads: get participants: %w", err)
	}

	participants := make([]string, len(rows))
	for i, r := range rows {
		participants[i] = r.AgentID
	}
	return &t, participants, nil
}

// ListActiveByWorkspace returns every thread with status = "active" in a
// workspace, used by the unread reconciler's per-tick scan.
func (s *ThreadStore) ListActiveByWorkspace(ctx context.Context, workspaceID string) ([]db.Thread, error) {
	var threads []db.Thread
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceID, "active").
		Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("threads: list active: %w", err)
	}
	return threads, nil
}

// UpdateThreadStatus performs the status CAS described in spec §4.1.
// Transitioning out of "blocked" clears the escalation fields in the same
// statement.
func (s *ThreadStore) UpdateThreadStatus(ctx context.Context, threadID, next, expectedCurrent string, updatedAt time.Time) (*db.Thread, error) {
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": updatedAt,
	}
	if expectedCurrent == "blocked" && next != "blocked" {
		updates["escalation_owner_agent_id"] = nil
		updates["escalation_assigned_by_agent_id"] = nil
		updates["escalation_assigned_at"] = nil
	}

	result := s.db.WithContext(ctx).
		Model(&db.Thread{}).
		Where("id = ? AND status = ?", threadID, expectedCurrent).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("threads: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish "doesn't exist" from "status CAS lost" so the
		// dispatcher can return NOT_FOUND vs CONFLICT correctly.
		var exists db.Thread
		err := s.db.WithContext(ctx).First(&exists, "id = ?", threadID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}

	var t db.Thread
	if err := s.db.WithContext(ctx).First(&t, "id = ?", threadID).Error; err != nil {
		return nil, fmt.Errorf("threads: reload after update: %w", err)
	}
	return &t, nil
}

// SummarizeThread produces a deterministic textual digest of the most
// recent maxMessages messages. No LLM call is made here: content
// generation is an opaque, out-of-scope concern (spec §1); this is pure
// storage-layer plumbing, per DESIGN.md's resolution of the Summary shape.
func (s *ThreadStore) SummarizeThread(ctx context.Context, threadID string, maxMessages int) (*store.Summary, error) {
	if _, _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	var msgs []db.Message
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		Limit(maxMessages).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("threads: summarize: load messages: %w", err)
	}

	var b strings.Builder
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Seq, m.SenderAgentID, truncate(m.Body, 200))
	}

	return &store.Summary{
		ThreadID:     threadID,
		MessageCount: len(msgs),
		Text:         b.String(),
		GeneratedAt:  time.Now(),
	}, nil
}

// SetEscalationOwner assigns or reassigns the escalation owner.
// Assign fails with ErrConflict if an owner is already set; reassign
// requires an existing owner.
func (s *ThreadStore) SetEscalationOwner(ctx context.Context, threadID, ownerAgentID, assignedBy string, assignedAt time.Time, reassign bool) (*db.Thread, error) {
	var t db.Thread
	if err := s.db.WithContext(ctx).First(&t, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("threads: set escalation owner: load: %w", err)
	}

	hasOwner := t.EscalationOwnerAgentID != nil
	if reassign && !hasOwner {
		return nil, store.ErrConflict
	}
	if !reassign && hasOwner {
		return nil, store.ErrConflict
	}

	result := s.db.WithContext(ctx).
		Model(&db.Thread{}).
		Where("id = ?", threadID).
		Updates(map[string]interface{}{
			"escalation_owner_agent_id":       ownerAgentID,
			"escalation_assigned_by_agent_id": assignedBy,
			"escalation_assigned_at":          assignedAt,
			"updated_at":                      assignedAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("threads: set escalation owner: update: %w", result.Error)
	}

	if err := s.db.WithContext(ctx).First(&t, "id = ?", threadID).Error; err != nil {
		return nil, fmt.Errorf("threads: set escalation owner: reload: %w", err)
	}
	return &t, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
