package repositories

import (
	"context"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// VisitRepository defines the record store contract for visits. Updates are
// last-write-wins at the field level; no multi-statement transaction is
// assumed by callers.
type VisitRepository interface {
	// Create stores a new visit
	Create(ctx context.Context, visit *entities.Visit) error

	// GetByID retrieves a visit by ID
	GetByID(ctx context.Context, id string) (*entities.Visit, error)

	// GetActiveByPatient retrieves the non-terminal visit of a patient
	GetActiveByPatient(ctx context.Context, patientID string) (*entities.Visit, error)

	// Update applies a partial update and returns the stored visit
	Update(ctx context.Context, id string, patch entities.VisitPatch) (*entities.Visit, error)

	// AppendBillItems appends items to the visit bill and returns the stored visit
	AppendBillItems(ctx context.Context, id string, items []entities.BillItem) (*entities.Visit, error)

	// List retrieves visits
	List(ctx context.Context, filter VisitFilter) ([]*entities.Visit, error)
}

// VisitFilter defines filters for listing visits
type VisitFilter struct {
	Status    *entities.VisitStatus
	PatientID string
	Limit     int
	Offset    int
}
