package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// AuthorizationVerifier is the part of the authorization gate the
// orchestrator drives directly
type AuthorizationVerifier interface {
	Verify(ctx context.Context, visit *entities.Visit, req VerifyRequest) (*AuthorizationResult, error)
	History(ctx context.Context, visitID string) ([]*entities.AuthorizationRecord, error)
}

// CheckInRequest opens a visit at reception
type CheckInRequest struct {
	PatientID      string                 `json:"patient_id"`
	InsuranceMode  entities.InsuranceMode `json:"insurance_mode"`
	CardNumber     string                 `json:"card_number,omitempty"`
	VisitTypeCode  entities.VisitTypeCode `json:"visit_type_code,omitempty"`
	ReferralNumber string                 `json:"referral_number,omitempty"`
}

// TransitionResult is returned for every committed transition
type TransitionResult struct {
	Visit   *entities.Visit      `json:"visit"`
	Bill    entities.BillSummary `json:"bill"`
	Warning string               `json:"warning,omitempty"`
}

// VerificationOutcome is returned by VerifyAuthorization
type VerificationOutcome struct {
	Visit         *entities.Visit      `json:"visit"`
	Authorization *AuthorizationResult `json:"authorization"`
}

// BillStatement is the reconciled bill of a visit
type BillStatement struct {
	VisitID       string                 `json:"visit_id"`
	InsuranceMode entities.InsuranceMode `json:"insurance_mode"`
	Items         []entities.BillItem    `json:"items"`
	Summary       entities.BillSummary   `json:"summary"`
}

// OrchestratorDeps wires the orchestrator. Events and Metrics may be nil.
type OrchestratorDeps struct {
	Visits     repositories.VisitRepository
	AuditLog   repositories.AuditRepository
	Machine    *VisitStateMachine
	Verifier   AuthorizationVerifier
	Calculator *CoverageCalculator
	Audit      providers.AuditSink
	Events     providers.EventBus
	Metrics    *observability.Metrics
}

// WorkflowOrchestrator is the entry point for clinical stages. It is the
// only component that writes visits and audit events.
type WorkflowOrchestrator struct {
	visits     repositories.VisitRepository
	auditLog   repositories.AuditRepository
	machine    *VisitStateMachine
	verifier   AuthorizationVerifier
	calculator *CoverageCalculator
	audit      providers.AuditSink
	events     providers.EventBus
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewWorkflowOrchestrator creates an orchestrator
func NewWorkflowOrchestrator(deps OrchestratorDeps) *WorkflowOrchestrator {
	return &WorkflowOrchestrator{
		visits:     deps.Visits,
		auditLog:   deps.AuditLog,
		machine:    deps.Machine,
		verifier:   deps.Verifier,
		calculator: deps.Calculator,
		audit:      deps.Audit,
		events:     deps.Events,
		metrics:    deps.Metrics,
		now:        time.Now,
	}
}

// CheckIn opens a visit. A patient may hold only one open visit.
func (o *WorkflowOrchestrator) CheckIn(ctx context.Context, actor string, req CheckInRequest) (*entities.Visit, error) {
	ctx, span := observability.StartSpan(ctx, "WorkflowOrchestrator.CheckIn")
	defer span.End()

	req.PatientID = strings.TrimSpace(req.PatientID)
	if err := validateCheckIn(req); err != nil {
		o.recordRefusal(ctx, actor, ActionCheckIn, entities.AuditEntityVisit, "", err, map[string]interface{}{"patient_id": req.PatientID})
		return nil, err
	}

	existing, err := o.visits.GetActiveByPatient(ctx, req.PatientID)
	if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, persistenceError("failed to look up open visits", err)
	}
	if existing != nil {
		conflict := apperrors.NewConflictError(fmt.Sprintf("patient %s already has open visit %s", req.PatientID, existing.ID))
		o.recordRefusal(ctx, actor, ActionCheckIn, entities.AuditEntityVisit, existing.ID, conflict, nil)
		return nil, conflict
	}

	now := o.now().UTC()
	visit := &entities.Visit{
		ID:              uuid.New().String(),
		PatientID:       req.PatientID,
		Status:          entities.VisitStatusWaiting,
		InsuranceMode:   req.InsuranceMode,
		CardNumber:      strings.TrimSpace(req.CardNumber),
		VisitTypeCode:   req.VisitTypeCode,
		ReferralNumber:  strings.TrimSpace(req.ReferralNumber),
		RemainingStages: []entities.Stage{},
		BillItems:       []entities.BillItem{},
		CheckedInAt:     now,
		UpdatedAt:       now,
	}

	if err := o.visits.Create(ctx, visit); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			return nil, err
		}
		return nil, persistenceError("failed to create visit", err)
	}

	observability.SetSpanAttributes(span, attribute.String("visit.id", visit.ID))
	observability.LoggerFromContext(ctx).Info().
		Str("visit_id", visit.ID).
		Str("patient_id", visit.PatientID).
		Str("insurance_mode", string(visit.InsuranceMode)).
		Msg("patient checked in")

	o.recordCommitted(ctx, actor, ActionCheckIn, entities.AuditEntityVisit, visit.ID, map[string]interface{}{
		"patient_id":     visit.PatientID,
		"insurance_mode": string(visit.InsuranceMode),
		"to_status":      string(visit.Status),
	})
	o.publish(ctx, entities.NewVisitEvent(visit, entities.VisitEventTypeCheckedIn, string(ActionCheckIn), ""))
	observability.RecordTransition(ctx, o.metrics, string(ActionCheckIn), "committed")

	return visit, nil
}

func validateCheckIn(req CheckInRequest) error {
	if strings.TrimSpace(req.PatientID) == "" {
		return apperrors.NewValidationError("patient_id is required")
	}
	if !req.InsuranceMode.IsValid() {
		return apperrors.NewValidationError("insurance_mode must be one of CASH, NHIF, PRIVATE")
	}
	if req.InsuranceMode == entities.InsuranceModeNHIF && strings.TrimSpace(req.CardNumber) == "" {
		return apperrors.NewValidationError("card_number is required for NHIF visits")
	}
	if req.VisitTypeCode != "" && !req.VisitTypeCode.IsValid() {
		return apperrors.NewValidationError("visit_type_code must be one of NORMAL, EMERGENCY, REFERRAL, FOLLOW_UP")
	}
	return nil
}

// VerifyAuthorization checks the visit's card with the insurer. A verdict
// that does not allow service is a normal result, not an error.
func (o *WorkflowOrchestrator) VerifyAuthorization(ctx context.Context, actor, visitID string, req VerifyRequest) (*VerificationOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "WorkflowOrchestrator.VerifyAuthorization")
	defer span.End()
	observability.SetSpanAttributes(span, attribute.String("visit.id", visitID))

	visit, err := o.load(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if visit.Status.IsTerminal() {
		err := apperrors.NewInvariantViolationError(fmt.Sprintf("visit %s is %s and cannot be re-verified", visit.ID, visit.Status))
		o.recordRefusal(ctx, actor, ActionVerifyAuthorization, entities.AuditEntityVisit, visit.ID, err, nil)
		return nil, err
	}

	req.VerifiedBy = actor
	result, err := o.verifier.Verify(ctx, visit, req)
	if err != nil {
		observability.RecordError(span, err)
		o.recordRefusal(ctx, actor, ActionVerifyAuthorization, entities.AuditEntityVisit, visit.ID, err, map[string]interface{}{
			"visit_type_code": string(req.VisitTypeCode),
		})
		return nil, err
	}

	record := result.Record
	code := record.VisitTypeCode
	referral := record.ReferralNumber
	authNumber := record.AuthorizationNumber
	patch := entities.VisitPatch{
		VisitTypeCode:       &code,
		ReferralNumber:      &referral,
		AuthorizationNumber: &authNumber,
	}

	updated, err := o.visits.Update(ctx, visit.ID, patch)
	if err != nil {
		return nil, persistenceError("failed to store authorization on visit", err)
	}

	o.recordCommitted(ctx, actor, ActionVerifyAuthorization, entities.AuditEntityAuthorization, record.ID, map[string]interface{}{
		"visit_id":             visit.ID,
		"visit_type_code":      string(record.VisitTypeCode),
		"status":               string(record.Status),
		"authorization_number": record.AuthorizationNumber,
		"allowed":              result.Allowed,
	})
	observability.RecordTransition(ctx, o.metrics, string(ActionVerifyAuthorization), "committed")

	logger := observability.LoggerFromContext(ctx)
	event := logger.Info()
	if !result.Allowed {
		event = logger.Warn()
	}
	event.Str("visit_id", visit.ID).Str("status", string(record.Status)).Bool("allowed", result.Allowed).Msg("insurer authorization verified")

	return &VerificationOutcome{Visit: updated, Authorization: result}, nil
}

// StartConsultation moves a waiting patient into the clinical encounter
func (o *WorkflowOrchestrator) StartConsultation(ctx context.Context, actor, visitID string, items []entities.BillItem) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionStartConsultation, Actor: actor, BillItems: items})
}

// CompleteConsultation records the prescription and routes the patient
func (o *WorkflowOrchestrator) CompleteConsultation(ctx context.Context, actor, visitID string, outcome ConsultationOutcome, items []entities.BillItem) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionCompleteConsultation, Actor: actor, Consultation: &outcome, BillItems: items})
}

// DispenseOptical bills a spectacle dispense and moves the patient on
func (o *WorkflowOrchestrator) DispenseOptical(ctx context.Context, actor, visitID string, dispense *entities.OpticalDispense, items []entities.BillItem) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionDispenseOptical, Actor: actor, OpticalDispense: dispense, BillItems: items})
}

// DispensePharmacy bills dispensed medication and moves the patient on
func (o *WorkflowOrchestrator) DispensePharmacy(ctx context.Context, actor, visitID string, items []entities.BillItem) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionDispensePharmacy, Actor: actor, BillItems: items})
}

// SendToPharmacy hands a patient to the pharmacy from optical or billing
func (o *WorkflowOrchestrator) SendToPharmacy(ctx context.Context, actor, visitID string) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionSendToPharmacy, Actor: actor})
}

// ProcessPayment completes a visit whose bill has been settled
func (o *WorkflowOrchestrator) ProcessPayment(ctx context.Context, actor, visitID string) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionProcessPayment, Actor: actor})
}

// Cancel ends a visit without completing it
func (o *WorkflowOrchestrator) Cancel(ctx context.Context, actor, visitID, reason string) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionCancel, Actor: actor, CancelReason: reason})
}

// ConvertToCash switches an insured visit to cash so the patient can
// proceed without authorization
func (o *WorkflowOrchestrator) ConvertToCash(ctx context.Context, actor, visitID string) (*TransitionResult, error) {
	return o.transition(ctx, visitID, TransitionRequest{Action: ActionConvertToCash, Actor: actor})
}

// transition runs load, decide, persist, audit for one action
func (o *WorkflowOrchestrator) transition(ctx context.Context, visitID string, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "WorkflowOrchestrator."+string(req.Action))
	defer span.End()
	observability.SetSpanAttributes(span, attribute.String("visit.id", visitID), attribute.String("visit.action", string(req.Action)))
	logger := observability.LoggerFromContext(ctx)

	visit, err := o.load(ctx, visitID)
	if err != nil {
		return nil, err
	}

	decision, err := o.machine.Decide(ctx, visit, req)
	if err != nil {
		observability.RecordError(span, err)
		if apperrors.IsType(err, apperrors.ErrorTypeInvariantViolation) {
			logger.Error().Err(err).Str("visit_id", visit.ID).Str("action", string(req.Action)).Msg("invariant violation, transition refused")
		}
		o.recordRefusal(ctx, req.Actor, req.Action, entities.AuditEntityVisit, visit.ID, err, map[string]interface{}{
			"from_status": string(visit.Status),
		})
		return nil, err
	}

	if decision.Refused() {
		o.audit.Record(ctx, &entities.AuditEvent{
			Actor:      req.Actor,
			Action:     string(req.Action),
			EntityType: entities.AuditEntityVisit,
			EntityID:   visit.ID,
			Outcome:    entities.AuditOutcomeRefused,
			Details:    decision.Snapshot,
		})
		observability.RecordTransition(ctx, o.metrics, string(req.Action), "refused")
		logger.Warn().Str("visit_id", visit.ID).Str("action", string(req.Action)).
			Str("reason", decision.Refusal.Reason).Str("status", string(decision.Refusal.Status)).
			Msg("gated transition refused")

		return nil, apperrors.NewAuthorizationRefusedError(
			fmt.Sprintf("%s refused: %s", req.Action, decision.Refusal.Reason),
			string(decision.Refusal.Status),
			decision.Refusal.Remarks,
		).WithDetail("reason", decision.Refusal.Reason)
	}

	updated, err := o.persist(ctx, visit, decision)
	if err != nil {
		observability.RecordError(span, err)
		observability.RecordTransition(ctx, o.metrics, string(req.Action), "error")
		return nil, err
	}

	o.audit.Record(ctx, &entities.AuditEvent{
		Actor:      req.Actor,
		Action:     string(req.Action),
		EntityType: entities.AuditEntityVisit,
		EntityID:   visit.ID,
		Outcome:    entities.AuditOutcomeCommitted,
		Details:    decision.Snapshot,
	})
	observability.RecordTransition(ctx, o.metrics, string(req.Action), "committed")

	if decision.To != decision.From {
		o.publish(ctx, entities.NewVisitEvent(updated, entities.VisitEventTypeStatusChanged, string(req.Action), decision.From))
	} else if decision.Patch.InsuranceMode != nil {
		o.publish(ctx, entities.NewVisitEvent(updated, entities.VisitEventTypeInsuranceSwitch, string(req.Action), decision.From))
	}

	logger.Info().Str("visit_id", visit.ID).Str("action", string(req.Action)).
		Str("from", string(decision.From)).Str("to", string(decision.To)).
		Int("items_added", len(decision.BillItems)).
		Msg("visit transition committed")

	result := &TransitionResult{Visit: updated, Bill: o.calculator.Summarize(updated)}
	if decision.Gate != nil {
		result.Warning = decision.Gate.Warning
	}
	return result, nil
}

// persist writes the patch, then the bill items. If the append fails the
// patch is undone so the caller never sees a half-applied transition.
func (o *WorkflowOrchestrator) persist(ctx context.Context, before *entities.Visit, decision *Decision) (*entities.Visit, error) {
	updated := before
	var err error

	if !decision.Patch.IsEmpty() {
		updated, err = o.visits.Update(ctx, before.ID, decision.Patch)
		if err != nil {
			return nil, persistenceError("failed to persist visit transition", err)
		}
	}

	if len(decision.BillItems) == 0 {
		return updated, nil
	}

	updated, err = o.visits.AppendBillItems(ctx, before.ID, decision.BillItems)
	if err == nil {
		return updated, nil
	}

	if !decision.Patch.IsEmpty() {
		revert := entities.RevertPatch(before, decision.Patch)
		if _, revertErr := o.visits.Update(context.WithoutCancel(ctx), before.ID, revert); revertErr != nil {
			observability.LoggerFromContext(ctx).Error().Err(revertErr).
				Str("visit_id", before.ID).Str("action", string(decision.Action)).
				Msg("failed to revert visit after bill append failure")
		}
	}
	return nil, persistenceError("failed to append bill items", err)
}

// GetVisit returns a visit
func (o *WorkflowOrchestrator) GetVisit(ctx context.Context, visitID string) (*entities.Visit, error) {
	return o.load(ctx, visitID)
}

// ListVisits returns visits matching filter
func (o *WorkflowOrchestrator) ListVisits(ctx context.Context, filter repositories.VisitFilter) ([]*entities.Visit, error) {
	visits, err := o.visits.List(ctx, filter)
	if err != nil {
		return nil, persistenceError("failed to list visits", err)
	}
	return visits, nil
}

// GetBill returns the reconciled bill. An anomalous bill is reported but
// not refused here; payment refuses it.
func (o *WorkflowOrchestrator) GetBill(ctx context.Context, visitID string) (*BillStatement, error) {
	visit, err := o.load(ctx, visitID)
	if err != nil {
		return nil, err
	}

	summary := o.calculator.Summarize(visit)
	if summary.Anomaly {
		observability.LoggerFromContext(ctx).Error().
			Str("visit_id", visit.ID).
			Float64("total", summary.Total).
			Float64("coverage", summary.Coverage).
			Msg("insurance coverage exceeds bill total")
	}

	return &BillStatement{
		VisitID:       visit.ID,
		InsuranceMode: visit.InsuranceMode,
		Items:         visit.BillItems,
		Summary:       summary,
	}, nil
}

// ListAuthorizations returns every verification attempt of a visit
func (o *WorkflowOrchestrator) ListAuthorizations(ctx context.Context, visitID string) ([]*entities.AuthorizationRecord, error) {
	if _, err := o.load(ctx, visitID); err != nil {
		return nil, err
	}
	return o.verifier.History(ctx, visitID)
}

// AuditTrail returns the audit events of a visit, oldest first
func (o *WorkflowOrchestrator) AuditTrail(ctx context.Context, visitID string, limit int) ([]*entities.AuditEvent, error) {
	if o.auditLog == nil {
		return []*entities.AuditEvent{}, nil
	}
	return o.auditLog.ListByEntity(ctx, entities.AuditEntityVisit, visitID, limit)
}

func (o *WorkflowOrchestrator) load(ctx context.Context, visitID string) (*entities.Visit, error) {
	if strings.TrimSpace(visitID) == "" {
		return nil, apperrors.NewValidationError("visit id is required")
	}
	visit, err := o.visits.GetByID(ctx, visitID)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, err
		}
		return nil, persistenceError("failed to load visit", err)
	}
	return visit, nil
}

func (o *WorkflowOrchestrator) recordCommitted(ctx context.Context, actor string, action Action, entityType, entityID string, details map[string]interface{}) {
	o.audit.Record(ctx, &entities.AuditEvent{
		Actor:      actor,
		Action:     string(action),
		EntityType: entityType,
		EntityID:   entityID,
		Outcome:    entities.AuditOutcomeCommitted,
		Details:    details,
	})
}

func (o *WorkflowOrchestrator) recordRefusal(ctx context.Context, actor string, action Action, entityType, entityID string, cause error, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["error_type"] = string(apperrors.TypeOf(cause))
	if appErr, ok := apperrors.As(cause); ok {
		details["error"] = appErr.Message
	} else {
		details["error"] = cause.Error()
	}

	o.audit.Record(ctx, &entities.AuditEvent{
		Actor:      actor,
		Action:     string(action),
		EntityType: entityType,
		EntityID:   entityID,
		Outcome:    entities.AuditOutcomeRefused,
		Details:    details,
	})
	observability.RecordTransition(ctx, o.metrics, string(action), "refused")
}

func (o *WorkflowOrchestrator) publish(ctx context.Context, event *entities.VisitEvent) {
	if o.events == nil {
		return
	}
	logger := observability.LoggerFromContext(ctx)
	for _, channel := range []string{providers.EventChannelVisitUpdates, providers.GetStageChannel(event.ToStatus)} {
		if err := o.events.Publish(ctx, channel, event); err != nil {
			logger.Warn().Err(err).Str("channel", channel).Str("visit_id", event.VisitID).Msg("failed to publish visit event")
		}
	}
}

// persistenceError keeps typed store errors and wraps anything else
func persistenceError(message string, err error) error {
	if apperrors.IsType(err, apperrors.ErrorTypePersistence) {
		return err
	}
	return apperrors.NewPersistenceError(message, err)
}
