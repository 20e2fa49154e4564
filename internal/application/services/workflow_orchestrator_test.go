package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicflow/internal/application/services"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

type orchestratorFixture struct {
	visits       *memoryVisitRepository
	records      *memoryAuthorizationRepository
	audit        *recordingAuditSink
	events       *MockEventBus
	insurer      *fakeInsurer
	orchestrator *services.WorkflowOrchestrator
}

func newOrchestratorFixture(t *testing.T, insurerStatus, authNumber string, visits ...*entities.Visit) *orchestratorFixture {
	insurer := newFakeInsurer(t, insurerStatus, authNumber)
	records := &memoryAuthorizationRepository{}
	gate := newGate(insurer, records, 2*time.Second)
	calculator := services.NewCoverageCalculator(testCoverageConfig())
	machine := services.NewVisitStateMachine(gate, services.NewKeywordRoutingPolicy([]string{"drop", "tablet"}), calculator)

	events := new(MockEventBus)
	events.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	f := &orchestratorFixture{
		visits:  newMemoryVisitRepository(visits...),
		records: records,
		audit:   &recordingAuditSink{},
		events:  events,
		insurer: insurer,
	}
	f.orchestrator = services.NewWorkflowOrchestrator(services.OrchestratorDeps{
		Visits:     f.visits,
		AuditLog:   &blockingAuditRepository{},
		Machine:    machine,
		Verifier:   gate,
		Calculator: calculator,
		Audit:      f.audit,
		Events:     events,
	})
	return f
}

func TestWorkflowOrchestrator_CheckIn(t *testing.T) {
	ctx := context.Background()

	t.Run("opens a waiting visit", func(t *testing.T) {
		f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123")

		visit, err := f.orchestrator.CheckIn(ctx, "reception-1", services.CheckInRequest{
			PatientID:     " patient-1 ",
			InsuranceMode: entities.InsuranceModeNHIF,
			CardNumber:    "NHIF-0001",
		})

		require.NoError(t, err)
		assert.Equal(t, "patient-1", visit.PatientID)
		assert.Equal(t, entities.VisitStatusWaiting, visit.Status)
		assert.Equal(t, entities.VisitStatusWaiting, f.visits.stored(visit.ID).Status)
		assert.Equal(t, []entities.AuditOutcome{entities.AuditOutcomeCommitted}, f.audit.outcomes())
		assert.Equal(t, "reception-1", f.audit.last().Actor)
		f.events.AssertCalled(t, "Publish", mock.Anything, providers.EventChannelVisitUpdates, mock.Anything)
		f.events.AssertCalled(t, "Publish", mock.Anything, "stage:WAITING", mock.Anything)
	})

	t.Run("second open visit for the same patient conflicts", func(t *testing.T) {
		f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123")
		req := services.CheckInRequest{PatientID: "patient-1", InsuranceMode: entities.InsuranceModeCash}

		_, err := f.orchestrator.CheckIn(ctx, "reception-1", req)
		require.NoError(t, err)
		_, err = f.orchestrator.CheckIn(ctx, "reception-1", req)

		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
		assert.Equal(t, entities.AuditOutcomeRefused, f.audit.last().Outcome)
	})

	t.Run("invalid requests", func(t *testing.T) {
		f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123")

		tests := map[string]services.CheckInRequest{
			"blank patient":      {PatientID: "  ", InsuranceMode: entities.InsuranceModeCash},
			"unknown mode":       {PatientID: "p", InsuranceMode: "BARTER"},
			"NHIF without card":  {PatientID: "p", InsuranceMode: entities.InsuranceModeNHIF},
			"unknown visit type": {PatientID: "p", InsuranceMode: entities.InsuranceModeCash, VisitTypeCode: "WALK_IN"},
		}
		for name, req := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := f.orchestrator.CheckIn(ctx, "reception-1", req)
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
			})
		}
	})
}

func TestWorkflowOrchestrator_InsuredVisit(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123")

	visit, err := f.orchestrator.CheckIn(ctx, "reception-1", services.CheckInRequest{
		PatientID:     "patient-1",
		InsuranceMode: entities.InsuranceModeNHIF,
		CardNumber:    "NHIF-0001",
	})
	require.NoError(t, err)

	// not verified yet
	_, err = f.orchestrator.StartConsultation(ctx, "doctor-1", visit.ID, []entities.BillItem{
		{Description: "Consultation", Amount: 1500, CoveredByNational: true},
	})
	require.True(t, apperrors.IsType(err, apperrors.ErrorTypeAuthorizationRefused))
	appErr, _ := apperrors.As(err)
	assert.Equal(t, services.RefusalNotVerified, appErr.Details["reason"])
	stored := f.visits.stored(visit.ID)
	assert.Equal(t, entities.VisitStatusWaiting, stored.Status)
	assert.Empty(t, stored.BillItems)
	assert.Equal(t, entities.AuditOutcomeRefused, f.audit.last().Outcome)

	outcome, err := f.orchestrator.VerifyAuthorization(ctx, "reception-1", visit.ID, services.VerifyRequest{
		VisitTypeCode: entities.VisitTypeNormal,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Authorization.Allowed)
	assert.Equal(t, "AUTH123", outcome.Visit.AuthorizationNumber)
	assert.Equal(t, entities.VisitTypeNormal, outcome.Visit.VisitTypeCode)
	assert.Equal(t, entities.AuditEntityAuthorization, f.audit.last().EntityType)

	result, err := f.orchestrator.StartConsultation(ctx, "doctor-1", visit.ID, []entities.BillItem{
		{Description: "Consultation", Amount: 1500, CoveredByNational: true},
	})
	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusInClinical, result.Visit.Status)
	assert.Len(t, result.Visit.BillItems, 1)

	result, err = f.orchestrator.CompleteConsultation(ctx, "doctor-1", visit.ID, services.ConsultationOutcome{
		Prescription: &entities.Prescription{
			RightEye:    entities.EyeCorrection{Sphere: "-1.50"},
			Medications: []entities.Medication{{Name: "Timolol"}},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusInOptical, result.Visit.Status)
	assert.Equal(t, []entities.Stage{entities.StagePharmacy}, result.Visit.RemainingStages)

	result, err = f.orchestrator.DispenseOptical(ctx, "optician-1", visit.ID, &entities.OpticalDispense{
		FramePrice: 50000, FrameEligible: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusInPharmacy, result.Visit.Status)

	result, err = f.orchestrator.DispensePharmacy(ctx, "pharmacist-1", visit.ID, []entities.BillItem{
		{Description: "Timolol 0.5%", Amount: 800, CoveredByNational: true},
	})
	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusPendingBilling, result.Visit.Status)

	bill, err := f.orchestrator.GetBill(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, 52300.0, bill.Summary.Total)
	assert.Equal(t, 32300.0, bill.Summary.Coverage)
	assert.Equal(t, 20000.0, bill.Summary.NetPayable)

	result, err = f.orchestrator.ProcessPayment(ctx, "cashier-1", visit.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusCompleted, result.Visit.Status)
	assert.NotNil(t, result.Visit.CompletedAt)

	// completed visits accept nothing further
	_, err = f.orchestrator.Cancel(ctx, "reception-1", visit.ID, "late")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvariantViolation))
	assert.Equal(t, entities.VisitStatusCompleted, f.visits.stored(visit.ID).Status)

	_, err = f.orchestrator.VerifyAuthorization(ctx, "reception-1", visit.ID, services.VerifyRequest{VisitTypeCode: entities.VisitTypeNormal})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvariantViolation))

	assert.Equal(t, int32(1), f.insurer.verifyCalls.Load())
	f.events.AssertCalled(t, "Publish", mock.Anything, "stage:IN_PHARMACY", mock.Anything)
	f.events.AssertCalled(t, "Publish", mock.Anything, "stage:COMPLETED", mock.Anything)
}

func TestWorkflowOrchestrator_CashEyeDrops(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123")

	visit, err := f.orchestrator.CheckIn(ctx, "reception-1", services.CheckInRequest{PatientID: "patient-2", InsuranceMode: entities.InsuranceModeCash})
	require.NoError(t, err)

	_, err = f.orchestrator.StartConsultation(ctx, "doctor-1", visit.ID, nil)
	require.NoError(t, err)

	result, err := f.orchestrator.CompleteConsultation(ctx, "doctor-1", visit.ID, services.ConsultationOutcome{
		TreatmentPlan: "Lubricating eye drops four times a day",
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusInPharmacy, result.Visit.Status)
	assert.Equal(t, "Lubricating eye drops four times a day", result.Visit.TreatmentPlan)
	assert.Equal(t, int32(0), f.insurer.tokenCalls.Load())
}

func TestWorkflowOrchestrator_RejectedAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "REJECTED", "", nhifVisit("v1", entities.VisitStatusWaiting))

	outcome, err := f.orchestrator.VerifyAuthorization(ctx, "reception-1", "v1", services.VerifyRequest{VisitTypeCode: entities.VisitTypeNormal})
	require.NoError(t, err)
	assert.False(t, outcome.Authorization.Allowed)
	assert.Empty(t, outcome.Visit.AuthorizationNumber)

	_, err = f.orchestrator.StartConsultation(ctx, "doctor-1", "v1", nil)
	require.True(t, apperrors.IsType(err, apperrors.ErrorTypeAuthorizationRefused))
	appErr, _ := apperrors.As(err)
	assert.Equal(t, services.RefusalAuthorizationStatus, appErr.Details["reason"])

	result, err := f.orchestrator.ConvertToCash(ctx, "reception-1", "v1")
	require.NoError(t, err)
	assert.Equal(t, entities.InsuranceModeCash, result.Visit.InsuranceMode)
	assert.Equal(t, entities.VisitStatusWaiting, result.Visit.Status)
	f.events.AssertCalled(t, "Publish", mock.Anything, providers.EventChannelVisitUpdates, mock.MatchedBy(func(e *entities.VisitEvent) bool {
		return e.EventType == entities.VisitEventTypeInsuranceSwitch
	}))

	result, err = f.orchestrator.StartConsultation(ctx, "doctor-1", "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusInClinical, result.Visit.Status)
}

func TestWorkflowOrchestrator_UnknownAuthorizationWarns(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "UNKNOWN", "", nhifVisit("v1", entities.VisitStatusWaiting))

	_, err := f.orchestrator.VerifyAuthorization(ctx, "reception-1", "v1", services.VerifyRequest{VisitTypeCode: entities.VisitTypeNormal})
	require.NoError(t, err)

	result, err := f.orchestrator.StartConsultation(ctx, "doctor-1", "v1", nil)

	require.NoError(t, err)
	assert.Equal(t, entities.VisitStatusInClinical, result.Visit.Status)
	assert.NotEmpty(t, result.Warning)
}

func TestWorkflowOrchestrator_ReverifyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", nhifVisit("v1", entities.VisitStatusWaiting))
	req := services.VerifyRequest{VisitTypeCode: entities.VisitTypeNormal}

	_, err := f.orchestrator.VerifyAuthorization(ctx, "reception-1", "v1", req)
	require.NoError(t, err)
	second, err := f.orchestrator.VerifyAuthorization(ctx, "reception-1", "v1", req)
	require.NoError(t, err)

	assert.Equal(t, "AUTH123", second.Visit.AuthorizationNumber)
	assert.Equal(t, entities.VisitStatusWaiting, second.Visit.Status)

	history, err := f.orchestrator.ListAuthorizations(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = f.orchestrator.StartConsultation(ctx, "doctor-1", "v1", nil)
	assert.NoError(t, err)
}

func TestWorkflowOrchestrator_InsurerUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", nhifVisit("v1", entities.VisitStatusWaiting))
	f.insurer.setTokenStatus(503)

	_, err := f.orchestrator.VerifyAuthorization(ctx, "reception-1", "v1", services.VerifyRequest{VisitTypeCode: entities.VisitTypeNormal})

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeAuthorizationUnavailable))
	assert.Equal(t, entities.AuditOutcomeRefused, f.audit.last().Outcome)
	assert.Equal(t, string(apperrors.ErrorTypeAuthorizationUnavailable), f.audit.last().Details["error_type"])
	assert.Empty(t, f.visits.stored("v1").AuthorizationNumber)
}

func TestWorkflowOrchestrator_FailedAppendReverts(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", cashVisit("v1", entities.VisitStatusWaiting))
	f.visits.appendErr = errors.New("disk full")

	_, err := f.orchestrator.StartConsultation(ctx, "doctor-1", "v1", []entities.BillItem{
		{Description: "Consultation", Amount: 1500},
	})

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypePersistence))
	stored := f.visits.stored("v1")
	assert.Equal(t, entities.VisitStatusWaiting, stored.Status)
	assert.Empty(t, stored.BillItems)
	// forward patch plus revert
	assert.Equal(t, 2, f.visits.updateCalls)
	assert.NotContains(t, f.audit.outcomes(), entities.AuditOutcomeCommitted)
	f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkflowOrchestrator_FailedUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("transition with bill items", func(t *testing.T) {
		f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", cashVisit("v1", entities.VisitStatusWaiting))
		f.visits.updateErr = errors.New("connection reset")

		result, err := f.orchestrator.StartConsultation(ctx, "doctor-1", "v1", []entities.BillItem{
			{Description: "Consultation", Amount: 1500},
		})

		assert.Nil(t, result)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypePersistence))
		stored := f.visits.stored("v1")
		assert.Equal(t, entities.VisitStatusWaiting, stored.Status)
		assert.Empty(t, stored.BillItems)
		assert.Equal(t, 1, f.visits.updateCalls)
		assert.Equal(t, 0, f.visits.appendCalls)
		assert.NotContains(t, f.audit.outcomes(), entities.AuditOutcomeCommitted)
		f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("patch-only transition", func(t *testing.T) {
		f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", nhifVisit("v1", entities.VisitStatusWaiting))
		f.visits.updateErr = errors.New("connection reset")

		_, err := f.orchestrator.ConvertToCash(ctx, "reception-1", "v1")

		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypePersistence))
		assert.Equal(t, entities.InsuranceModeNHIF, f.visits.stored("v1").InsuranceMode)
		assert.NotContains(t, f.audit.outcomes(), entities.AuditOutcomeCommitted)
		f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestWorkflowOrchestrator_PaymentAnomaly(t *testing.T) {
	ctx := context.Background()
	visit := nhifVisit("v1", entities.VisitStatusPendingBilling)
	visit.BillItems = []entities.BillItem{
		{ID: "a", Description: "Consultation", Amount: 100, CoveredByNational: true},
		{ID: "b", Description: "Adjustment", Amount: -50},
	}
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", visit)

	bill, err := f.orchestrator.GetBill(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, bill.Summary.Anomaly)
	assert.Equal(t, 0.0, bill.Summary.NetPayable)

	_, err = f.orchestrator.ProcessPayment(ctx, "cashier-1", "v1")

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvariantViolation))
	assert.Equal(t, entities.VisitStatusPendingBilling, f.visits.stored("v1").Status)
	assert.Equal(t, string(apperrors.ErrorTypeInvariantViolation), f.audit.last().Details["error_type"])
}

func TestWorkflowOrchestrator_Lookups(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, "ACCEPTED", "AUTH123", cashVisit("v1", entities.VisitStatusWaiting))

	_, err := f.orchestrator.GetVisit(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	_, err = f.orchestrator.GetVisit(ctx, " ")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = f.orchestrator.ListAuthorizations(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	waiting := entities.VisitStatusWaiting
	visits, err := f.orchestrator.ListVisits(ctx, repositories.VisitFilter{Status: &waiting})
	require.NoError(t, err)
	assert.Len(t, visits, 1)

	trail, err := f.orchestrator.AuditTrail(ctx, "v1", 0)
	require.NoError(t, err)
	assert.Empty(t, trail)
}
