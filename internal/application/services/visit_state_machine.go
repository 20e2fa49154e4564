package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

// Action is a transition requested by a clinical stage
type Action string

const (
	ActionCheckIn              Action = "CHECK_IN"
	ActionVerifyAuthorization  Action = "VERIFY_AUTHORIZATION"
	ActionStartConsultation    Action = "START_CONSULTATION"
	ActionCompleteConsultation Action = "COMPLETE_CONSULTATION"
	ActionDispenseOptical      Action = "DISPENSE_OPTICAL"
	ActionDispensePharmacy     Action = "DISPENSE_PHARMACY"
	ActionSendToPharmacy       Action = "SEND_TO_PHARMACY"
	ActionProcessPayment       Action = "PROCESS_PAYMENT"
	ActionCancel               Action = "CANCEL"
	ActionConvertToCash        Action = "CONVERT_TO_CASH"
)

var nonTerminal = []entities.VisitStatus{
	entities.VisitStatusWaiting,
	entities.VisitStatusInClinical,
	entities.VisitStatusInOptical,
	entities.VisitStatusInPharmacy,
	entities.VisitStatusPendingBilling,
}

// transitionMap lists the statuses each action may start from
var transitionMap = map[Action][]entities.VisitStatus{
	ActionStartConsultation:    {entities.VisitStatusWaiting},
	ActionCompleteConsultation: {entities.VisitStatusInClinical},
	ActionDispenseOptical:      {entities.VisitStatusInOptical},
	ActionDispensePharmacy:     {entities.VisitStatusInPharmacy},
	ActionSendToPharmacy:       {entities.VisitStatusInOptical, entities.VisitStatusPendingBilling},
	ActionProcessPayment:       {entities.VisitStatusPendingBilling},
	ActionCancel:               nonTerminal,
	ActionConvertToCash:        nonTerminal,
}

// gatedActions need an allowing authorization on NHIF visits
var gatedActions = map[Action]bool{
	ActionStartConsultation: true,
	ActionDispenseOptical:   true,
	ActionDispensePharmacy:  true,
}

// billableActions may append bill items
var billableActions = map[Action]bool{
	ActionStartConsultation:    true,
	ActionCompleteConsultation: true,
	ActionDispenseOptical:      true,
	ActionDispensePharmacy:     true,
}

// ValidTransition reports whether action may be applied to a visit in from
func ValidTransition(action Action, from entities.VisitStatus) bool {
	for _, status := range transitionMap[action] {
		if status == from {
			return true
		}
	}
	return false
}

// IsGated reports whether action passes the authorization gate
func IsGated(action Action) bool {
	return gatedActions[action]
}

// AccessChecker answers whether an insured visit may pass a gated transition
type AccessChecker interface {
	CheckAccess(ctx context.Context, visit *entities.Visit) (*GateDecision, error)
}

// TransitionRequest is the input of one state machine decision
type TransitionRequest struct {
	Action          Action
	Actor           string
	Consultation    *ConsultationOutcome
	OpticalDispense *entities.OpticalDispense
	BillItems       []entities.BillItem
	CancelReason    string
}

// Refusal explains why a gated transition did not happen
type Refusal struct {
	Reason  string                       `json:"reason"`
	Status  entities.AuthorizationStatus `json:"status,omitempty"`
	Remarks string                       `json:"remarks,omitempty"`
}

// Decision is the result of applying a transition to a visit. A refused
// decision carries no patch.
type Decision struct {
	Action    Action
	From      entities.VisitStatus
	To        entities.VisitStatus
	Patch     entities.VisitPatch
	BillItems []entities.BillItem
	Refusal   *Refusal
	Gate      *GateDecision
	Signals   *RoutingSignals
	// Snapshot holds the decision inputs for the audit trail
	Snapshot map[string]interface{}
}

// Refused reports whether the gate refused the transition
func (d *Decision) Refused() bool {
	return d.Refusal != nil
}

// VisitStateMachine owns the transition rules. It never touches the record
// store; Decide only computes what should change.
type VisitStateMachine struct {
	gate       AccessChecker
	routing    RoutingPolicy
	calculator *CoverageCalculator
	now        func() time.Time
}

// NewVisitStateMachine creates a state machine
func NewVisitStateMachine(gate AccessChecker, routing RoutingPolicy, calculator *CoverageCalculator) *VisitStateMachine {
	return &VisitStateMachine{
		gate:       gate,
		routing:    routing,
		calculator: calculator,
		now:        time.Now,
	}
}

// Decide computes the outcome of req on visit. Business refusals are
// returned in the Decision; errors are reserved for invalid requests and
// infrastructure failures.
func (m *VisitStateMachine) Decide(ctx context.Context, visit *entities.Visit, req TransitionRequest) (*Decision, error) {
	if visit == nil {
		return nil, apperrors.NewInternalError("visit is required", nil)
	}
	if visit.Status.IsTerminal() {
		return nil, apperrors.NewInvariantViolationError(
			fmt.Sprintf("visit %s is %s and accepts no further transitions", visit.ID, visit.Status))
	}
	if _, known := transitionMap[req.Action]; !known {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown action %q", req.Action))
	}
	if !ValidTransition(req.Action, visit.Status) {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("%s is not allowed while the visit is %s", req.Action, visit.Status))
	}

	now := m.now().UTC()
	items, err := m.billItems(visit, req, now)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Action:    req.Action,
		From:      visit.Status,
		To:        visit.Status,
		BillItems: items,
	}

	if IsGated(req.Action) && visit.RequiresAuthorization() {
		gate, err := m.gate.CheckAccess(ctx, visit)
		if err != nil {
			return nil, err
		}
		decision.Gate = gate
		if !gate.Allowed {
			decision.Refusal = &Refusal{Reason: gate.Reason, Status: gate.Status, Remarks: gate.Remarks}
			decision.BillItems = nil
			decision.Snapshot = m.snapshot(visit, decision)
			return decision, nil
		}
	}

	switch req.Action {
	case ActionStartConsultation:
		decision.To = entities.VisitStatusInClinical

	case ActionCompleteConsultation:
		outcome := ConsultationOutcome{}
		if req.Consultation != nil {
			outcome = *req.Consultation
		}
		signals := m.routing.Signals(outcome)
		decision.Signals = &signals

		decision.To = NextStatus(signals.NeedsOptical, signals.NeedsPharmacy)
		_, rest := popStage(StageQueue(signals))
		decision.Patch.RemainingStages = &rest
		if outcome.Prescription != nil {
			decision.Patch.Prescription = outcome.Prescription.Clone()
		}
		if plan := strings.TrimSpace(outcome.TreatmentPlan); plan != "" {
			decision.Patch.TreatmentPlan = &plan
		}

	case ActionDispenseOptical, ActionDispensePharmacy:
		current := entities.StageOptical
		if req.Action == ActionDispensePharmacy {
			current = entities.StagePharmacy
		}
		queue := withoutStage(visit.RemainingStages, current)
		decision.To, queue = popStage(queue)
		decision.Patch.RemainingStages = &queue

	case ActionSendToPharmacy:
		if visit.Status == entities.VisitStatusInOptical {
			// the hand-off happens once optical dispensing completes
			queue := withoutStage(visit.RemainingStages, entities.StagePharmacy)
			queue = append(queue, entities.StagePharmacy)
			decision.Patch.RemainingStages = &queue
		} else {
			decision.To = entities.VisitStatusInPharmacy
			empty := []entities.Stage{}
			decision.Patch.RemainingStages = &empty
		}

	case ActionProcessPayment:
		summary := m.calculator.Summarize(visit)
		if summary.Anomaly {
			return nil, apperrors.NewInvariantViolationError(
				fmt.Sprintf("coverage %.2f exceeds bill total %.2f for visit %s", summary.Coverage, summary.Total, visit.ID)).
				WithDetail("shortfall", fmt.Sprintf("%.2f", summary.Shortfall))
		}
		decision.To = entities.VisitStatusCompleted
		decision.Patch.CompletedAt = &now

	case ActionCancel:
		decision.To = entities.VisitStatusCancelled
		reason := strings.TrimSpace(req.CancelReason)
		decision.Patch.CancelReason = &reason

	case ActionConvertToCash:
		if visit.InsuranceMode == entities.InsuranceModeCash {
			return nil, apperrors.NewConflictError("visit is already a cash visit")
		}
		cash := entities.InsuranceModeCash
		decision.Patch.InsuranceMode = &cash
	}

	if decision.To != decision.From {
		to := decision.To
		decision.Patch.Status = &to
	}
	decision.Snapshot = m.snapshot(visit, decision)
	return decision, nil
}

// billItems validates the items a request adds and fills in their
// identity; an optical dispense is priced into capped component items
func (m *VisitStateMachine) billItems(visit *entities.Visit, req TransitionRequest, now time.Time) ([]entities.BillItem, error) {
	if len(req.BillItems) == 0 && req.OpticalDispense == nil {
		return nil, nil
	}
	if !billableActions[req.Action] {
		return nil, apperrors.NewValidationError(fmt.Sprintf("%s does not accept bill items", req.Action))
	}
	if req.OpticalDispense != nil && req.Action != ActionDispenseOptical {
		return nil, apperrors.NewValidationError("optical dispense details are only accepted when dispensing optical")
	}

	items := make([]entities.BillItem, 0, len(req.BillItems))
	for _, item := range req.BillItems {
		if strings.TrimSpace(item.Description) == "" {
			return nil, apperrors.NewValidationError("bill item description is required")
		}
		if item.Amount < 0 || math.IsNaN(item.Amount) || math.IsInf(item.Amount, 0) {
			return nil, apperrors.NewValidationError(fmt.Sprintf("bill item %q has an invalid amount", item.Description))
		}
		if item.Category == "" {
			item.Category = defaultCategory(req.Action)
		}
		// capped optical components only come from OpticalBillItems
		if item.Category == entities.BillCategoryOptical && item.CoveredByNational && visit.InsuranceMode == entities.InsuranceModeNHIF {
			return nil, apperrors.NewValidationError(fmt.Sprintf("bill item %q: national optical cover is billed through an optical dispense", item.Description))
		}
		item.OpticalComponent = ""
		item.LensType = ""
		item.DispenseID = ""
		item.ID = uuid.New().String()
		item.AddedAt = now
		item.AddedBy = req.Actor
		items = append(items, item)
	}

	optical, err := m.calculator.OpticalBillItems(req.OpticalDispense, req.Actor, now)
	if err != nil {
		return nil, err
	}
	return append(items, optical...), nil
}

func (m *VisitStateMachine) snapshot(visit *entities.Visit, d *Decision) map[string]interface{} {
	snapshot := map[string]interface{}{
		"action":         string(d.Action),
		"from_status":    string(d.From),
		"to_status":      string(d.To),
		"insurance_mode": string(visit.InsuranceMode),
	}
	if d.Signals != nil {
		snapshot["needs_optical"] = d.Signals.NeedsOptical
		snapshot["needs_pharmacy"] = d.Signals.NeedsPharmacy
	}
	if d.Patch.RemainingStages != nil {
		snapshot["remaining_stages"] = *d.Patch.RemainingStages
	}
	if d.Gate != nil {
		snapshot["gate_allowed"] = d.Gate.Allowed
		snapshot["gate_status"] = string(d.Gate.Status)
		if d.Gate.Warning != "" {
			snapshot["gate_warning"] = d.Gate.Warning
		}
	}
	if d.Refusal != nil {
		snapshot["refusal_reason"] = d.Refusal.Reason
	}

	projected := visit.Clone()
	projected.BillItems = append(projected.BillItems, d.BillItems...)
	d.Patch.Apply(projected)
	summary := m.calculator.Summarize(projected)
	snapshot["bill_total"] = summary.Total
	snapshot["coverage"] = summary.Coverage
	snapshot["net_payable"] = summary.NetPayable
	snapshot["items_added"] = len(d.BillItems)
	return snapshot
}

func defaultCategory(action Action) entities.BillCategory {
	switch action {
	case ActionDispenseOptical:
		return entities.BillCategoryOptical
	case ActionDispensePharmacy:
		return entities.BillCategoryPharmacy
	}
	return entities.BillCategoryClinical
}

// popStage returns the status of the first queued stage and the rest of
// the queue; an empty queue leads to billing
func popStage(queue []entities.Stage) (entities.VisitStatus, []entities.Stage) {
	if len(queue) == 0 {
		return entities.VisitStatusPendingBilling, []entities.Stage{}
	}
	rest := append([]entities.Stage{}, queue[1:]...)
	return queue[0].Status(), rest
}

func withoutStage(queue []entities.Stage, stage entities.Stage) []entities.Stage {
	out := make([]entities.Stage, 0, len(queue))
	for _, s := range queue {
		if s != stage {
			out = append(out, s)
		}
	}
	return out
}
