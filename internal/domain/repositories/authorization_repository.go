package repositories

import (
	"context"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// AuthorizationRepository stores insurer verification attempts
type AuthorizationRepository interface {
	// Create stores a record. When the record carries a verdict, every
	// earlier verdict of the same visit is marked superseded.
	Create(ctx context.Context, record *entities.AuthorizationRecord) error

	// GetActiveByVisit retrieves the newest non-superseded verdict of a visit
	GetActiveByVisit(ctx context.Context, visitID string) (*entities.AuthorizationRecord, error)

	// ListByVisit retrieves every attempt of a visit, newest first
	ListByVisit(ctx context.Context, visitID string) ([]*entities.AuthorizationRecord, error)
}
