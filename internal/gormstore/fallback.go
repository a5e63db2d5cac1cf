package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// FallbackStore is the GORM-backed implementation of store.FallbackStore.
type FallbackStore struct {
	db *gorm.DB
}

// NewFallbackStore returns a store.FallbackStore backed by the provided *gorm.DB.
func NewFallbackStore(gdb *gorm.DB) *FallbackStore {
	return &FallbackStore{db: gdb}
}

// Create inserts the single fallback_runs row for a trigger job's fallback
// execution.
func (s *FallbackStore) Create(ctx context.Context, run *db.FallbackRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("fallback: create: %w", err)
	}
	return nil
}

// Get fetches the fallback run for a trigger job.
func (s *FallbackStore) Get(ctx context.Context, triggerID string) (*db.FallbackRun, error) {
	var run db.FallbackRun
	err := s.db.WithContext(ctx).First(&run, "trigger_id = ?", triggerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fallback: get: %w", err)
	}
	return &run, nil
}

// ListRunning returns every fallback run with status = running, for the
// reconciler's per-tick scan.
func (s *FallbackStore) ListRunning(ctx context.Context) ([]db.FallbackRun, error) {
	var rows []db.FallbackRun
	if err := s.db.WithContext(ctx).Where("status = ?", "running").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fallback: list running: %w", err)
	}
	return rows, nil
}

// Update persists all mutable fields of a fallback run.
func (s *FallbackStore) Update(ctx context.Context, run *db.FallbackRun) error {
	result := s.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("fallback: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
