package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/tanglewood/keywarden/internal/keys/domain"
	"github.com/tanglewood/keywarden/internal/keys/store"
	"github.com/tanglewood/keywarden/pkg/idx"
	"github.com/tanglewood/keywarden/pkg/slogx"
)

// AuditLog is the in-process AuditSink: it appends events to the store's
// append-only audit table. Writes are at-least-effort, not transactional:
// a failed append is logged to the operational channel and swallowed,
// because audit logging is observability, never a guarantee coupled to the
// credential mutation that triggered it.
type AuditLog struct {
	Store store.Store
}

// Record implements AuditSink.
func (a *AuditLog) Record(
	ctx context.Context,
	kind domain.EventKind,
	actorID, subjectID, description string,
	metadata map[string]string,
) {
	event := domain.AuditEvent{
		ID:          idx.New().String(),
		Kind:        kind,
		ActorID:     actorID,
		SubjectID:   subjectID,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}

	if err := a.Store.AuditEvents().AppendAuditEvent(ctx, event); err != nil {
		slogx.FromContext(ctx).Error("audit event write failed",
			slog.String("kind", string(kind)),
			slog.String("subject_id", subjectID),
			slog.Any("error", err))
	}
}

// Query returns audit events matching filter, newest first. Consumed by
// anomaly detection and compliance tooling.
func (a *AuditLog) Query(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEvent, error) {
	return a.Store.AuditEvents().ListAuditEvents(ctx, filter)
}
