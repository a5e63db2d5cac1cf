package gormstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/agent-bridge/bridge/internal/db"
)

// AuditStore is the GORM-backed implementation of store.AuditStore,
// grounded on server/internal/repositories/job.go's BulkCreateLogs:
// append-only, single-row inserts, errors reported to the caller rather
// than swallowed here — internal/audit is the layer that makes writes
// fire-and-forget, this store stays honest about failures.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore returns a store.AuditStore backed by the provided *gorm.DB.
func NewAuditStore(gdb *gorm.DB) *AuditStore {
	return &AuditStore{db: gdb}
}

// Record inserts an audit event row.
func (s *AuditStore) Record(ctx context.Context, ev *db.AuditEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}
