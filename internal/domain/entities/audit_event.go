package entities

import (
	"time"
)

// AuditOutcome distinguishes committed transitions from refused attempts
type AuditOutcome string

const (
	AuditOutcomeCommitted AuditOutcome = "COMMITTED"
	AuditOutcomeRefused   AuditOutcome = "REFUSED"
)

// Audit entity types
const (
	AuditEntityVisit         = "visit"
	AuditEntityAuthorization = "authorization"
)

// AuditEvent records what happened, by whom and when
type AuditEvent struct {
	ID         string                 `json:"id" db:"id"`
	Actor      string                 `json:"actor" db:"actor"`
	Action     string                 `json:"action" db:"action"`
	EntityType string                 `json:"entity_type" db:"entity_type"`
	EntityID   string                 `json:"entity_id" db:"entity_id"`
	Outcome    AuditOutcome           `json:"outcome" db:"outcome"`
	Details    map[string]interface{} `json:"details" db:"details"`
	OccurredAt time.Time              `json:"occurred_at" db:"occurred_at"`
}
