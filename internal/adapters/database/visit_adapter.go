package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

const visitsTable = "visits"

const pgUniqueViolation = "23505"

var visitColumns = []interface{}{
	"id", "patient_id", "status", "insurance_mode", "card_number",
	"authorization_number", "visit_type_code", "referral_number",
	"remaining_stages", "prescription", "treatment_plan", "bill_items",
	"cancel_reason", "checked_in_at", "completed_at", "updated_at",
}

// visitRow is the storage shape of a visit. Stages, prescription and bill
// items live in JSONB columns.
type visitRow struct {
	ID                  string       `db:"id"`
	PatientID           string       `db:"patient_id"`
	Status              string       `db:"status"`
	InsuranceMode       string       `db:"insurance_mode"`
	CardNumber          string       `db:"card_number"`
	AuthorizationNumber string       `db:"authorization_number"`
	VisitTypeCode       string       `db:"visit_type_code"`
	ReferralNumber      string       `db:"referral_number"`
	RemainingStages     []byte       `db:"remaining_stages"`
	Prescription        []byte       `db:"prescription"`
	TreatmentPlan       string       `db:"treatment_plan"`
	BillItems           []byte       `db:"bill_items"`
	CancelReason        string       `db:"cancel_reason"`
	CheckedInAt         time.Time    `db:"checked_in_at"`
	CompletedAt         sql.NullTime `db:"completed_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
}

func (r *visitRow) toEntity() (*entities.Visit, error) {
	visit := &entities.Visit{
		ID:                  r.ID,
		PatientID:           r.PatientID,
		Status:              entities.VisitStatus(r.Status),
		InsuranceMode:       entities.InsuranceMode(r.InsuranceMode),
		CardNumber:          r.CardNumber,
		AuthorizationNumber: r.AuthorizationNumber,
		VisitTypeCode:       entities.VisitTypeCode(r.VisitTypeCode),
		ReferralNumber:      r.ReferralNumber,
		TreatmentPlan:       r.TreatmentPlan,
		CancelReason:        r.CancelReason,
		CheckedInAt:         r.CheckedInAt,
		UpdatedAt:           r.UpdatedAt,
		RemainingStages:     []entities.Stage{},
		BillItems:           []entities.BillItem{},
	}

	if len(r.RemainingStages) > 0 {
		if err := json.Unmarshal(r.RemainingStages, &visit.RemainingStages); err != nil {
			return nil, fmt.Errorf("remaining_stages: %w", err)
		}
	}
	if len(r.Prescription) > 0 && string(r.Prescription) != "null" {
		visit.Prescription = &entities.Prescription{}
		if err := json.Unmarshal(r.Prescription, visit.Prescription); err != nil {
			return nil, fmt.Errorf("prescription: %w", err)
		}
	}
	if len(r.BillItems) > 0 {
		if err := json.Unmarshal(r.BillItems, &visit.BillItems); err != nil {
			return nil, fmt.Errorf("bill_items: %w", err)
		}
	}
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Time
		visit.CompletedAt = &completed
	}

	return visit, nil
}

// VisitAdapter implements the VisitRepository interface
type VisitAdapter struct {
	db  *goqu.Database
	dbx *sqlx.DB
}

// NewVisitAdapter creates a new visit adapter
func NewVisitAdapter(client *postgres.Client) repositories.VisitRepository {
	return &VisitAdapter{
		db:  goqu.New("postgres", client.DB()),
		dbx: client.DBx(),
	}
}

func jsonText(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Create stores a new visit. A second open visit for the same patient
// violates the partial unique index and is reported as a conflict.
func (a *VisitAdapter) Create(ctx context.Context, visit *entities.Visit) error {
	stages := visit.RemainingStages
	if stages == nil {
		stages = []entities.Stage{}
	}
	items := visit.BillItems
	if items == nil {
		items = []entities.BillItem{}
	}

	stagesJSON, err := jsonText(stages)
	if err != nil {
		return apperrors.NewInternalError("failed to encode remaining stages", err)
	}
	itemsJSON, err := jsonText(items)
	if err != nil {
		return apperrors.NewInternalError("failed to encode bill items", err)
	}

	record := goqu.Record{
		"id":                   visit.ID,
		"patient_id":           visit.PatientID,
		"status":               string(visit.Status),
		"insurance_mode":       string(visit.InsuranceMode),
		"card_number":          visit.CardNumber,
		"authorization_number": visit.AuthorizationNumber,
		"visit_type_code":      string(visit.VisitTypeCode),
		"referral_number":      visit.ReferralNumber,
		"remaining_stages":     stagesJSON,
		"treatment_plan":       visit.TreatmentPlan,
		"bill_items":           itemsJSON,
		"cancel_reason":        visit.CancelReason,
		"checked_in_at":        visit.CheckedInAt,
		"updated_at":           visit.UpdatedAt,
	}
	if visit.Prescription != nil {
		prescriptionJSON, err := jsonText(visit.Prescription)
		if err != nil {
			return apperrors.NewInternalError("failed to encode prescription", err)
		}
		record["prescription"] = prescriptionJSON
	}

	query, args, err := a.db.Insert(visitsTable).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := a.dbx.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return apperrors.NewConflictError(fmt.Sprintf("patient %s already has an open visit", visit.PatientID))
		}
		return apperrors.NewPersistenceError("failed to create visit", err)
	}

	return nil
}

// GetByID retrieves a visit by ID
func (a *VisitAdapter) GetByID(ctx context.Context, id string) (*entities.Visit, error) {
	query, args, err := a.db.Select(visitColumns...).
		From(visitsTable).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	return a.getOne(ctx, query, args, fmt.Sprintf("visit with id %s not found", id))
}

// GetActiveByPatient retrieves the open visit of a patient
func (a *VisitAdapter) GetActiveByPatient(ctx context.Context, patientID string) (*entities.Visit, error) {
	query, args, err := a.db.Select(visitColumns...).
		From(visitsTable).
		Where(
			goqu.C("patient_id").Eq(patientID),
			goqu.C("status").NotIn(
				string(entities.VisitStatusCompleted),
				string(entities.VisitStatusCancelled),
			),
		).
		Order(goqu.C("checked_in_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	return a.getOne(ctx, query, args, fmt.Sprintf("no open visit for patient %s", patientID))
}

// Update applies the patch and returns the stored visit
func (a *VisitAdapter) Update(ctx context.Context, id string, patch entities.VisitPatch) (*entities.Visit, error) {
	record := goqu.Record{"updated_at": time.Now().UTC()}

	if patch.Status != nil {
		record["status"] = string(*patch.Status)
	}
	if patch.InsuranceMode != nil {
		record["insurance_mode"] = string(*patch.InsuranceMode)
	}
	if patch.AuthorizationNumber != nil {
		record["authorization_number"] = *patch.AuthorizationNumber
	}
	if patch.VisitTypeCode != nil {
		record["visit_type_code"] = string(*patch.VisitTypeCode)
	}
	if patch.ReferralNumber != nil {
		record["referral_number"] = *patch.ReferralNumber
	}
	if patch.RemainingStages != nil {
		stagesJSON, err := jsonText(*patch.RemainingStages)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode remaining stages", err)
		}
		record["remaining_stages"] = stagesJSON
	}
	if patch.Prescription != nil {
		prescriptionJSON, err := jsonText(patch.Prescription)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode prescription", err)
		}
		record["prescription"] = prescriptionJSON
	} else if patch.ClearPrescription {
		record["prescription"] = nil
	}
	if patch.TreatmentPlan != nil {
		record["treatment_plan"] = *patch.TreatmentPlan
	}
	if patch.CancelReason != nil {
		record["cancel_reason"] = *patch.CancelReason
	}
	if patch.CompletedAt != nil {
		record["completed_at"] = *patch.CompletedAt
	} else if patch.ClearCompletedAt {
		record["completed_at"] = nil
	}

	query, args, err := a.db.Update(visitsTable).
		Set(record).
		Where(goqu.Ex{"id": id}).
		Returning(visitColumns...).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build update query", err)
	}

	return a.getOne(ctx, query, args, fmt.Sprintf("visit with id %s not found", id))
}

// AppendBillItems appends to the bill_items array in a single statement
func (a *VisitAdapter) AppendBillItems(ctx context.Context, id string, items []entities.BillItem) (*entities.Visit, error) {
	if len(items) == 0 {
		return a.GetByID(ctx, id)
	}

	itemsJSON, err := jsonText(items)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode bill items", err)
	}

	query, args, err := a.db.Update(visitsTable).
		Set(goqu.Record{
			"bill_items": goqu.L("COALESCE(bill_items, '[]'::jsonb) || ?::jsonb", itemsJSON),
			"updated_at": time.Now().UTC(),
		}).
		Where(goqu.Ex{"id": id}).
		Returning(visitColumns...).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build update query", err)
	}

	return a.getOne(ctx, query, args, fmt.Sprintf("visit with id %s not found", id))
}

// List retrieves visits, newest check-in first
func (a *VisitAdapter) List(ctx context.Context, filter repositories.VisitFilter) ([]*entities.Visit, error) {
	ds := a.db.Select(visitColumns...).From(visitsTable)

	if filter.Status != nil {
		ds = ds.Where(goqu.Ex{"status": string(*filter.Status)})
	}
	if filter.PatientID != "" {
		ds = ds.Where(goqu.Ex{"patient_id": filter.PatientID})
	}

	ds = ds.Order(goqu.C("checked_in_at").Desc())

	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}
	if filter.Offset > 0 {
		ds = ds.Offset(uint(filter.Offset))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	var rows []visitRow
	if err := a.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewPersistenceError("failed to list visits", err)
	}

	visits := make([]*entities.Visit, 0, len(rows))
	for i := range rows {
		visit, err := rows[i].toEntity()
		if err != nil {
			return nil, apperrors.NewPersistenceError("failed to decode visit", err)
		}
		visits = append(visits, visit)
	}

	return visits, nil
}

func (a *VisitAdapter) getOne(ctx context.Context, query string, args []interface{}, notFound string) (*entities.Visit, error) {
	var row visitRow
	err := a.dbx.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(notFound)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to load visit", err)
	}

	visit, err := row.toEntity()
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to decode visit", err)
	}
	return visit, nil
}
