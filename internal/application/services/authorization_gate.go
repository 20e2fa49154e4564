package services

import (
	"context"
	"encoding/json"
	"errors"
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

const (
	// RefusalNotVerified is the refusal reason when an insured visit has no
	// active authorization
	RefusalNotVerified = "NOT_VERIFIED"
	// RefusalAuthorizationStatus is the refusal reason when the active
	// authorization does not allow service
	RefusalAuthorizationStatus = "AUTHORIZATION_NOT_ALLOWED"

	manualVerificationWarning = "authorization status is UNKNOWN: verify manually at the insurer's office"

	recordWriteTimeout = 5 * time.Second
)

// AuthorizationAPI is the slice of the insurer client the gate calls
type AuthorizationAPI interface {
	AuthorizeCard(ctx context.Context, token *entities.Token, req providers.CardAuthorizationRequest) (json.RawMessage, error)
}

// TokenSource hands out insurer tokens
type TokenSource interface {
	GetToken(ctx context.Context) (*entities.Token, error)
	Invalidate(ctx context.Context, token *entities.Token)
}

// VerifyRequest is one card verification requested by a clinical stage
type VerifyRequest struct {
	VisitTypeCode  entities.VisitTypeCode `json:"visit_type_code"`
	ReferralNumber string                 `json:"referral_number,omitempty"`
	Remarks        string                 `json:"remarks,omitempty"`
	VerifiedBy     string                 `json:"-"`
}

// AuthorizationResult is the outcome of a verification
type AuthorizationResult struct {
	Record  *entities.AuthorizationRecord `json:"record"`
	Allowed bool                          `json:"allowed"`
	Warning string                        `json:"warning,omitempty"`
}

// GateDecision is the gating policy applied to a visit's active record
type GateDecision struct {
	Allowed             bool                         `json:"allowed"`
	Status              entities.AuthorizationStatus `json:"status,omitempty"`
	AuthorizationNumber string                       `json:"authorization_number,omitempty"`
	Remarks             string                       `json:"remarks,omitempty"`
	Warning             string                       `json:"warning,omitempty"`
	Reason              string                       `json:"reason,omitempty"`
}

// AuthorizationGate verifies insurer cards and answers whether a visit may
// pass a gated transition
type AuthorizationGate struct {
	api     AuthorizationAPI
	tokens  TokenSource
	records repositories.AuthorizationRepository
	timeout time.Duration
	metrics *observability.Metrics
	now     func() time.Time
}

// NewAuthorizationGate creates an authorization gate. timeout bounds a
// whole Verify call.
func NewAuthorizationGate(
	api AuthorizationAPI,
	tokens TokenSource,
	records repositories.AuthorizationRepository,
	timeout time.Duration,
	metrics *observability.Metrics,
) *AuthorizationGate {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &AuthorizationGate{
		api:     api,
		tokens:  tokens,
		records: records,
		timeout: timeout,
		metrics: metrics,
		now:     time.Now,
	}
}

// Allows is the service-gating policy
func Allows(status entities.AuthorizationStatus) (allowed bool, warning string) {
	if status == entities.AuthorizationStatusUnknown {
		return true, manualVerificationWarning
	}
	return status.AllowsService(), ""
}

// ValidateVerifyRequest checks a verification request without any I/O
func ValidateVerifyRequest(visit *entities.Visit, req VerifyRequest) error {
	if visit.InsuranceMode != entities.InsuranceModeNHIF {
		return apperrors.NewValidationError("only NHIF visits are verified with the insurer")
	}
	if strings.TrimSpace(visit.CardNumber) == "" {
		return apperrors.NewValidationError("visit has no insurance card number")
	}
	if !req.VisitTypeCode.IsValid() {
		return apperrors.NewValidationError("visit type must be one of NORMAL, EMERGENCY, REFERRAL, FOLLOW_UP")
	}
	if req.VisitTypeCode.RequiresReferral() && strings.TrimSpace(req.ReferralNumber) == "" {
		return apperrors.NewValidationError("referral number is required for " + string(req.VisitTypeCode) + " visits")
	}
	return nil
}

// Verify checks the visit's card with the insurer and stores the attempt.
// Transport and token failures are stored too, then returned as
// AuthorizationUnavailable.
func (g *AuthorizationGate) Verify(ctx context.Context, visit *entities.Visit, req VerifyRequest) (*AuthorizationResult, error) {
	if err := ValidateVerifyRequest(visit, req); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "AuthorizationGate.Verify")
	defer span.End()
	observability.SetSpanAttributes(span,
		attribute.String("visit.id", visit.ID),
		attribute.String("authorization.visit_type", string(req.VisitTypeCode)),
	)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	record := &entities.AuthorizationRecord{
		ID:             uuid.New().String(),
		VisitID:        visit.ID,
		CardNumber:     visit.CardNumber,
		VisitTypeCode:  req.VisitTypeCode,
		ReferralNumber: strings.TrimSpace(req.ReferralNumber),
		Remarks:        req.Remarks,
		VerifiedBy:     req.VerifiedBy,
	}

	raw, callErr := g.authorize(callCtx, providers.CardAuthorizationRequest{
		CardNumber:     visit.CardNumber,
		VisitTypeCode:  req.VisitTypeCode,
		ReferralNumber: record.ReferralNumber,
		Remarks:        req.Remarks,
	})
	record.VerifiedAt = g.now().UTC()

	if callErr != nil {
		observability.RecordError(span, callErr)
		record.Status = entities.AuthorizationStatusRejected
		record.FailureReason = failureReason(callErr)
		// the caller may have gone away; the attempt is still recorded
		if err := g.store(context.WithoutCancel(ctx), record); err != nil {
			observability.LoggerFromContext(ctx).Error().Err(err).Str("visit_id", visit.ID).Msg("failed to record failed authorization attempt")
		}
		observability.RecordVerification(ctx, g.metrics, "UNAVAILABLE")
		return nil, apperrors.NewAuthorizationUnavailableError("insurer authorization is unavailable, try again", callErr)
	}

	normalized := NormalizeAuthorizationResponse(raw)
	record.Status = normalized.Status
	record.AuthorizationNumber = normalized.AuthorizationNumber
	record.CardStatus = normalized.CardStatus
	record.MemberName = normalized.MemberName
	record.ResponderRemarks = normalized.Remarks
	record.RawResponse = raw

	if !normalized.Recognized {
		observability.LoggerFromContext(ctx).Warn().Str("visit_id", visit.ID).Msg("unrecognized insurer response, treating as REJECTED")
	}

	if err := g.store(context.WithoutCancel(ctx), record); err != nil {
		return nil, apperrors.NewPersistenceError("failed to store authorization record", err)
	}

	observability.RecordVerification(ctx, g.metrics, string(record.Status))
	allowed, warning := Allows(record.Status)
	return &AuthorizationResult{Record: record, Allowed: allowed, Warning: warning}, nil
}

// authorize calls the insurer, re-authenticating once on a 401
func (g *AuthorizationGate) authorize(ctx context.Context, req providers.CardAuthorizationRequest) (json.RawMessage, error) {
	token, err := g.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := g.api.AuthorizeCard(ctx, token, req)
	if !errors.Is(err, providers.ErrInsurerUnauthorized) {
		return raw, err
	}

	observability.LoggerFromContext(ctx).Info().Msg("insurer rejected token, re-authenticating once")
	g.tokens.Invalidate(ctx, token)

	token, err = g.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	return g.api.AuthorizeCard(ctx, token, req)
}

func (g *AuthorizationGate) store(ctx context.Context, record *entities.AuthorizationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, recordWriteTimeout)
	defer cancel()
	return g.records.Create(ctx, record)
}

// CheckAccess applies the gating policy to the visit's active record. It
// makes no insurer call.
func (g *AuthorizationGate) CheckAccess(ctx context.Context, visit *entities.Visit) (*GateDecision, error) {
	record, err := g.records.GetActiveByVisit(ctx, visit.ID)
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		observability.RecordGateDecision(ctx, g.metrics, "NONE", false)
		return &GateDecision{Allowed: false, Reason: RefusalNotVerified, Remarks: "no active insurer authorization for this visit"}, nil
	}
	if err != nil {
		return nil, err
	}

	allowed, warning := Allows(record.Status)
	decision := &GateDecision{
		Allowed:             allowed,
		Status:              record.Status,
		AuthorizationNumber: record.AuthorizationNumber,
		Remarks:             record.ResponderRemarks,
		Warning:             warning,
	}
	if !allowed {
		decision.Reason = RefusalAuthorizationStatus
	}

	observability.RecordGateDecision(ctx, g.metrics, string(record.Status), allowed)
	return decision, nil
}

// History lists every verification attempt of a visit, newest first
func (g *AuthorizationGate) History(ctx context.Context, visitID string) ([]*entities.AuthorizationRecord, error) {
	return g.records.ListByVisit(ctx, visitID)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, providers.ErrInsurerUnauthorized):
		return "unauthorized after token refresh"
	}
	return err.Error()
}
