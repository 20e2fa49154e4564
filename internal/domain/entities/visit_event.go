package entities

import (
	"time"

	"github.com/google/uuid"
)

// VisitEventType represents the type of visit board event
type VisitEventType string

const (
	VisitEventTypeCheckedIn       VisitEventType = "checked_in"
	VisitEventTypeStatusChanged   VisitEventType = "status_changed"
	VisitEventTypeInsuranceSwitch VisitEventType = "insurance_changed"
)

// VisitEvent is published when a committed transition moves a patient, so
// stage screens can show who is arriving
type VisitEvent struct {
	ID         string         `json:"id"`
	VisitID    string         `json:"visit_id"`
	PatientID  string         `json:"patient_id"`
	EventType  VisitEventType `json:"event_type"`
	Action     string         `json:"action"`
	FromStatus VisitStatus    `json:"from_status,omitempty"`
	ToStatus   VisitStatus    `json:"to_status"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewVisitEvent creates a new visit event
func NewVisitEvent(visit *Visit, eventType VisitEventType, action string, from VisitStatus) *VisitEvent {
	return &VisitEvent{
		ID:         uuid.New().String(),
		VisitID:    visit.ID,
		PatientID:  visit.PatientID,
		EventType:  eventType,
		Action:     action,
		FromStatus: from,
		ToStatus:   visit.Status,
		Timestamp:  time.Now(),
	}
}
