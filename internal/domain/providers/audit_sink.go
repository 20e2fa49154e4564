package providers

import (
	"context"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// AuditSink receives audit events. Record is best-effort: it must never
// block or fail the operation being audited.
type AuditSink interface {
	Record(ctx context.Context, event *entities.AuditEvent)
}
