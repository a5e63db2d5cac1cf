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

// CursorStore is the GORM-backed implementation of store.CursorStore.
type CursorStore struct {
	db *gorm.DB
}

// NewCursorStore returns a store.CursorStore backed by the provided *gorm.DB.
func NewCursorStore(gdb *gorm.DB) *CursorStore {
	return &CursorStore{db: gdb}
}

// Ack upserts the participant cursor, rejecting regressions as ErrConflict
// per spec §4.2.
func (s *CursorStore) Ack(ctx context.Context, threadID, agentID string, lastReadSeq int64, updatedAt time.Time) (*db.ParticipantCursor, error) {
	var cur db.ParticipantCursor
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND agent_id = ?", threadID, agentID).
		First(&cur).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cur = db.ParticipantCursor{
			ThreadID:    threadID,
			AgentID:     agentID,
			LastReadSeq: lastReadSeq,
			UpdatedAt:   updatedAt,
		}
		if err := s.db.WithContext(ctx).Create(&cur).Error; err != nil {
			return nil, fmt.Errorf("cursors: ack: create: %w", err)
		}
		return &cur, nil
	case err != nil:
		return nil, fmt.Errorf("cursors: ack: load: %w", err)
	}

	if lastReadSeq < cur.LastReadSeq {
		return nil, store.ErrConflict
	}

	result := s.db.WithContext(ctx).
		Model(&db.ParticipantCursor{}).
		Where("thread_id = ? AND agent_id = ? AND last_read_seq <= ?", threadID, agentID, lastReadSeq).
		Updates(map[string]interface{}{
			"last_read_seq": lastReadSeq,
			"updated_at":    updatedAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("cursors: ack: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Another writer advanced the cursor past lastReadSeq between our
		// read and our write; treat as a regression.
		return nil, store.ErrConflict
	}

	cur.LastReadSeq = lastReadSeq
	cur.UpdatedAt = updatedAt
	return &cur, nil
}

// Get returns the stored cursor, or a zero-value cursor if the participant
// has never acknowledged anything.
func (s *CursorStore) Get(ctx context.Context, threadID, agentID string) (*db.ParticipantCursor, error) {
	var cur db.ParticipantCursor
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND agent_id = ?", threadID, agentID).
		First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &db.ParticipantCursor{ThreadID: threadID, AgentID: agentID, LastReadSeq: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cursors: get: %w", err)
	}
	return &cur, nil
}

// ListByThread returns all cursors recorded for a thread.
func (s *CursorStore) ListByThread(ctx context.Context, threadID string) ([]db.ParticipantCursor, error) {
	var rows []db.ParticipantCursor
	if err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cursors: list by thread: %w", err)
	}
	return rows, nil
}
