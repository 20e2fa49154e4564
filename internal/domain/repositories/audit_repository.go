package repositories

import (
	"context"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// AuditRepository persists audit events
type AuditRepository interface {
	// Create stores an audit event
	Create(ctx context.Context, event *entities.AuditEvent) error

	// ListByEntity retrieves the audit trail of an entity, oldest first
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*entities.AuditEvent, error)
}
