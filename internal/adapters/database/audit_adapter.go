package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

type auditRow struct {
	ID         string    `db:"id"`
	Actor      string    `db:"actor"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Outcome    string    `db:"outcome"`
	Details    []byte    `db:"details"`
	OccurredAt time.Time `db:"occurred_at"`
}

type AuditAdapter struct {
	db *sqlx.DB
}

func NewAuditAdapter(client *postgres.Client) repositories.AuditRepository {
	return &AuditAdapter{db: client.DBx()}
}

func (a *AuditAdapter) Create(ctx context.Context, event *entities.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	details := event.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return apperrors.NewInternalError("failed to encode audit details", err)
	}

	query := `
		INSERT INTO audit_events
		(id, actor, action, entity_type, entity_id, outcome, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = a.db.ExecContext(ctx, query,
		event.ID,
		event.Actor,
		event.Action,
		event.EntityType,
		event.EntityID,
		string(event.Outcome),
		string(detailsJSON),
		event.OccurredAt,
	)
	if err != nil {
		return apperrors.NewPersistenceError("failed to write audit event", err)
	}

	return nil
}

func (a *AuditAdapter) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*entities.AuditEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, actor, action, entity_type, entity_id, outcome, details, occurred_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at ASC
		LIMIT $3
	`

	var rows []auditRow
	if err := a.db.SelectContext(ctx, &rows, query, entityType, entityID, limit); err != nil {
		return nil, apperrors.NewPersistenceError("failed to list audit events", err)
	}

	events := make([]*entities.AuditEvent, 0, len(rows))
	for _, row := range rows {
		event := &entities.AuditEvent{
			ID:         row.ID,
			Actor:      row.Actor,
			Action:     row.Action,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Outcome:    entities.AuditOutcome(row.Outcome),
			OccurredAt: row.OccurredAt,
		}
		if len(row.Details) > 0 {
			if err := json.Unmarshal(row.Details, &event.Details); err != nil {
				return nil, apperrors.NewPersistenceError("failed to decode audit details", err)
			}
		}
		events = append(events, event)
	}

	return events, nil
}
