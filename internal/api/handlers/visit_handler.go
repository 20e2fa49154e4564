package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zatekoja/clinicflow/internal/application/services"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

// ActorHeader carries the identity of the staff member driving a request
const ActorHeader = "X-Actor-ID"

const maxRequestBody = 1 << 20

// VisitService is the workflow surface the visit handler drives
type VisitService interface {
	CheckIn(ctx context.Context, actor string, req services.CheckInRequest) (*entities.Visit, error)
	VerifyAuthorization(ctx context.Context, actor, visitID string, req services.VerifyRequest) (*services.VerificationOutcome, error)
	StartConsultation(ctx context.Context, actor, visitID string, items []entities.BillItem) (*services.TransitionResult, error)
	CompleteConsultation(ctx context.Context, actor, visitID string, outcome services.ConsultationOutcome, items []entities.BillItem) (*services.TransitionResult, error)
	DispenseOptical(ctx context.Context, actor, visitID string, dispense *entities.OpticalDispense, items []entities.BillItem) (*services.TransitionResult, error)
	DispensePharmacy(ctx context.Context, actor, visitID string, items []entities.BillItem) (*services.TransitionResult, error)
	SendToPharmacy(ctx context.Context, actor, visitID string) (*services.TransitionResult, error)
	ProcessPayment(ctx context.Context, actor, visitID string) (*services.TransitionResult, error)
	Cancel(ctx context.Context, actor, visitID, reason string) (*services.TransitionResult, error)
	ConvertToCash(ctx context.Context, actor, visitID string) (*services.TransitionResult, error)
	GetVisit(ctx context.Context, visitID string) (*entities.Visit, error)
	ListVisits(ctx context.Context, filter repositories.VisitFilter) ([]*entities.Visit, error)
	GetBill(ctx context.Context, visitID string) (*services.BillStatement, error)
	ListAuthorizations(ctx context.Context, visitID string) ([]*entities.AuthorizationRecord, error)
	AuditTrail(ctx context.Context, visitID string, limit int) ([]*entities.AuditEvent, error)
}

// VisitHandler handles visit workflow HTTP requests
type VisitHandler struct {
	service VisitService
}

// NewVisitHandler creates a new visit handler
func NewVisitHandler(service VisitService) *VisitHandler {
	return &VisitHandler{service: service}
}

type itemsRequest struct {
	Items []entities.BillItem `json:"items"`
}

type completeConsultationRequest struct {
	services.ConsultationOutcome
	Items []entities.BillItem `json:"items"`
}

type opticalDispenseRequest struct {
	Dispense *entities.OpticalDispense `json:"dispense"`
	Items    []entities.BillItem       `json:"items"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CheckIn handles POST /api/visits
func (h *VisitHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req services.CheckInRequest
	if !decodeBody(w, r, &req) {
		return
	}

	visit, err := h.service.CheckIn(r.Context(), actorFrom(r), req)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, visit)
}

// ListVisits handles GET /api/visits
func (h *VisitHandler) ListVisits(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repositories.VisitFilter{
		PatientID: strings.TrimSpace(query.Get("patient_id")),
		Limit:     50,
	}

	if raw := query.Get("status"); raw != "" {
		status := entities.VisitStatus(strings.ToUpper(raw))
		if !status.IsValid() {
			respondWithError(w, http.StatusBadRequest, "unknown visit status")
			return
		}
		filter.Status = &status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid offset parameter")
			return
		}
		filter.Offset = offset
	}

	visits, err := h.service.ListVisits(r.Context(), filter)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"visits": visits,
		"count":  len(visits),
	})
}

// GetVisit handles GET /api/visits/{id}
func (h *VisitHandler) GetVisit(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	visit, err := h.service.GetVisit(r.Context(), visitID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, visit)
}

// GetBill handles GET /api/visits/{id}/bill
func (h *VisitHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	bill, err := h.service.GetBill(r.Context(), visitID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, bill)
}

// ListAuthorizations handles GET /api/visits/{id}/authorizations
func (h *VisitHandler) ListAuthorizations(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	records, err := h.service.ListAuthorizations(r.Context(), visitID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"authorizations": records,
		"count":          len(records),
	})
}

// VerifyAuthorization handles POST /api/visits/{id}/authorizations
func (h *VisitHandler) VerifyAuthorization(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	var req services.VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := h.service.VerifyAuthorization(r.Context(), actorFrom(r), visitID, req)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, outcome)
}

// StartConsultation handles POST /api/visits/{id}/consultation/start
func (h *VisitHandler) StartConsultation(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	var req itemsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.StartConsultation(r.Context(), actorFrom(r), visitID, req.Items)
	respondWithTransition(w, r, result, err)
}

// CompleteConsultation handles POST /api/visits/{id}/consultation/complete
func (h *VisitHandler) CompleteConsultation(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	var req completeConsultationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.CompleteConsultation(r.Context(), actorFrom(r), visitID, req.ConsultationOutcome, req.Items)
	respondWithTransition(w, r, result, err)
}

// DispenseOptical handles POST /api/visits/{id}/optical/dispense
func (h *VisitHandler) DispenseOptical(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	var req opticalDispenseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.DispenseOptical(r.Context(), actorFrom(r), visitID, req.Dispense, req.Items)
	respondWithTransition(w, r, result, err)
}

// DispensePharmacy handles POST /api/visits/{id}/pharmacy/dispense
func (h *VisitHandler) DispensePharmacy(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	var req itemsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.DispensePharmacy(r.Context(), actorFrom(r), visitID, req.Items)
	respondWithTransition(w, r, result, err)
}

// SendToPharmacy handles POST /api/visits/{id}/pharmacy/refer
func (h *VisitHandler) SendToPharmacy(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	result, err := h.service.SendToPharmacy(r.Context(), actorFrom(r), visitID)
	respondWithTransition(w, r, result, err)
}

// ProcessPayment handles POST /api/visits/{id}/payment
func (h *VisitHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	result, err := h.service.ProcessPayment(r.Context(), actorFrom(r), visitID)
	respondWithTransition(w, r, result, err)
}

// Cancel handles POST /api/visits/{id}/cancel
func (h *VisitHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.Cancel(r.Context(), actorFrom(r), visitID, req.Reason)
	respondWithTransition(w, r, result, err)
}

// ConvertToCash handles POST /api/visits/{id}/convert-to-cash
func (h *VisitHandler) ConvertToCash(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	result, err := h.service.ConvertToCash(r.Context(), actorFrom(r), visitID)
	respondWithTransition(w, r, result, err)
}

// GetAuditTrail handles GET /api/visits/{id}/audit
func (h *VisitHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	visitID, ok := visitIDFrom(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}

	events, err := h.service.AuditTrail(r.Context(), visitID, limit)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func respondWithTransition(w http.ResponseWriter, r *http.Request, result *services.TransitionResult, err error) {
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func visitIDFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	visitID := strings.TrimSpace(r.PathValue("id"))
	if visitID == "" {
		respondWithError(w, http.StatusBadRequest, "visit ID is required")
		return "", false
	}
	return visitID, true
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return actor
	}
	return "anonymous"
}

// decodeBody decodes an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		observability.LoggerFromContext(r.Context()).Error().Err(err).Msg("Unhandled request error")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := statusForError(appErr.Type)
	if status >= http.StatusInternalServerError {
		observability.LoggerFromContext(r.Context()).Error().
			Err(err).
			Str("error_type", string(appErr.Type)).
			Msg("Request failed")
	}

	message := appErr.Message
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	payload := map[string]interface{}{
		"error": message,
		"type":  appErr.Type,
	}
	if len(appErr.Details) > 0 {
		payload["details"] = appErr.Details
	}
	respondWithJSON(w, status, payload)
}

func statusForError(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeConflict, apperrors.ErrorTypeInvariantViolation:
		return http.StatusConflict
	case apperrors.ErrorTypeAuthorizationRefused:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorTypeAuthorizationUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
