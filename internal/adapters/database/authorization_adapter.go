package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

const authorizationsTable = "authorization_records"

var authorizationColumns = []interface{}{
	"id", "visit_id", "card_number", "visit_type_code", "referral_number",
	"remarks", "status", "authorization_number", "card_status", "member_name",
	"responder_remarks", "raw_response", "failure_reason", "superseded",
	"verified_by", "verified_at",
}

// AuthorizationAdapter implements the AuthorizationRepository interface
type AuthorizationAdapter struct {
	db  *goqu.Database
	dbx *sqlx.DB
}

// NewAuthorizationAdapter creates a new authorization adapter
func NewAuthorizationAdapter(client *postgres.Client) repositories.AuthorizationRepository {
	return &AuthorizationAdapter{
		db:  goqu.New("postgres", client.DB()),
		dbx: client.DBx(),
	}
}

// Create stores the record. A verdict supersedes the visit's earlier
// verdicts in the same transaction; failed attempts are stored as-is.
func (a *AuthorizationAdapter) Create(ctx context.Context, record *entities.AuthorizationRecord) error {
	row := goqu.Record{
		"id":                   record.ID,
		"visit_id":             record.VisitID,
		"card_number":          record.CardNumber,
		"visit_type_code":      string(record.VisitTypeCode),
		"referral_number":      record.ReferralNumber,
		"remarks":              record.Remarks,
		"status":               string(record.Status),
		"authorization_number": record.AuthorizationNumber,
		"card_status":          record.CardStatus,
		"member_name":          record.MemberName,
		"responder_remarks":    record.ResponderRemarks,
		"failure_reason":       record.FailureReason,
		"superseded":           record.Superseded,
		"verified_by":          record.VerifiedBy,
		"verified_at":          record.VerifiedAt,
	}
	// raw_response is NOT NULL so it always scans back into json.RawMessage
	row["raw_response"] = "null"
	if len(record.RawResponse) > 0 && json.Valid(record.RawResponse) {
		row["raw_response"] = string(record.RawResponse)
	}

	insertSQL, insertArgs, err := a.db.Insert(authorizationsTable).Rows(row).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	tx, err := a.dbx.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if record.IsVerdict() {
		supersedeSQL, supersedeArgs, err := a.db.Update(authorizationsTable).
			Set(goqu.Record{"superseded": true}).
			Where(
				goqu.C("visit_id").Eq(record.VisitID),
				goqu.C("superseded").IsFalse(),
				goqu.C("failure_reason").Eq(""),
			).
			ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build supersede query", err)
		}
		if _, err := tx.ExecContext(ctx, supersedeSQL, supersedeArgs...); err != nil {
			return apperrors.NewPersistenceError("failed to supersede previous authorization", err)
		}
	}

	if _, err := tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		return apperrors.NewPersistenceError("failed to create authorization record", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewPersistenceError("failed to commit authorization record", err)
	}
	return nil
}

// GetActiveByVisit retrieves the newest non-superseded verdict of a visit
func (a *AuthorizationAdapter) GetActiveByVisit(ctx context.Context, visitID string) (*entities.AuthorizationRecord, error) {
	query, args, err := a.db.Select(authorizationColumns...).
		From(authorizationsTable).
		Where(
			goqu.C("visit_id").Eq(visitID),
			goqu.C("superseded").IsFalse(),
			goqu.C("failure_reason").Eq(""),
		).
		Order(goqu.C("verified_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	var record entities.AuthorizationRecord
	err = a.dbx.QueryRowxContext(ctx, query, args...).StructScan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no active authorization for visit %s", visitID))
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to load authorization", err)
	}

	return &record, nil
}

// ListByVisit retrieves every attempt of a visit, newest first
func (a *AuthorizationAdapter) ListByVisit(ctx context.Context, visitID string) ([]*entities.AuthorizationRecord, error) {
	query, args, err := a.db.Select(authorizationColumns...).
		From(authorizationsTable).
		Where(goqu.Ex{"visit_id": visitID}).
		Order(goqu.C("verified_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	records := []*entities.AuthorizationRecord{}
	if err := a.dbx.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, apperrors.NewPersistenceError("failed to list authorizations", err)
	}

	return records, nil
}
