// Package audit wraps store.AuditStore with fire-and-forget semantics:
// a write failure here is logged, never propagated to the caller, per
// spec §7's propagation policy ("Audit writes are never allowed to fail
// the caller").
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// Recorder is the dispatcher's audit sink.
type Recorder struct {
	store  store.AuditStore
	logger *zap.Logger
}

// New constructs a Recorder.
func New(s store.AuditStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: s, logger: logger.Named("audit")}
}

// Record writes ev, logging (not returning) any failure.
func (r *Recorder) Record(ctx context.Context, ev *db.AuditEvent) {
	if err := r.store.Record(ctx, ev); err != nil {
		r.logger.Error("audit write failed",
			zap.String("operation", ev.Operation),
			zap.String("resource_id", ev.ResourceID),
			zap.Error(err))
	}
}
