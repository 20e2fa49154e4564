package routes

import (
	"net/http"

	"github.com/zatekoja/clinicflow/internal/api/handlers"
	"github.com/zatekoja/clinicflow/internal/api/middleware"
	"github.com/zatekoja/clinicflow/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux            *http.ServeMux
	visitHandler   *handlers.VisitHandler
	sseHandler     *handlers.SSEHandler
	healthHandler  *handlers.HealthHandler
	metrics        *observability.Metrics
	allowedOrigins []string
}

// NewRouter creates a new router. sseHandler may be nil when no event bus
// is configured.
func NewRouter(
	visitHandler *handlers.VisitHandler,
	sseHandler *handlers.SSEHandler,
	metrics *observability.Metrics,
	allowedOrigins []string,
) *Router {
	return &Router{
		mux:            http.NewServeMux(),
		visitHandler:   visitHandler,
		sseHandler:     sseHandler,
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
	}
}

// WithHealth adds the GET /ready probe
func (r *Router) WithHealth(h *handlers.HealthHandler) *Router {
	r.healthHandler = h
	return r
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})
	if r.healthHandler != nil {
		r.mux.HandleFunc("GET /ready", r.healthHandler.Ready)
	}

	// Reception
	r.mux.HandleFunc("POST /api/visits", r.visitHandler.CheckIn)
	r.mux.HandleFunc("GET /api/visits", r.visitHandler.ListVisits)
	r.mux.HandleFunc("GET /api/visits/{id}", r.visitHandler.GetVisit)
	r.mux.HandleFunc("POST /api/visits/{id}/cancel", r.visitHandler.Cancel)
	r.mux.HandleFunc("POST /api/visits/{id}/convert-to-cash", r.visitHandler.ConvertToCash)

	// Insurer authorization
	r.mux.HandleFunc("GET /api/visits/{id}/authorizations", r.visitHandler.ListAuthorizations)
	r.mux.HandleFunc("POST /api/visits/{id}/authorizations", r.visitHandler.VerifyAuthorization)

	// Clinical stages
	r.mux.HandleFunc("POST /api/visits/{id}/consultation/start", r.visitHandler.StartConsultation)
	r.mux.HandleFunc("POST /api/visits/{id}/consultation/complete", r.visitHandler.CompleteConsultation)
	r.mux.HandleFunc("POST /api/visits/{id}/optical/dispense", r.visitHandler.DispenseOptical)
	r.mux.HandleFunc("POST /api/visits/{id}/pharmacy/dispense", r.visitHandler.DispensePharmacy)
	r.mux.HandleFunc("POST /api/visits/{id}/pharmacy/refer", r.visitHandler.SendToPharmacy)

	// Billing
	r.mux.HandleFunc("GET /api/visits/{id}/bill", r.visitHandler.GetBill)
	r.mux.HandleFunc("POST /api/visits/{id}/payment", r.visitHandler.ProcessPayment)

	r.mux.HandleFunc("GET /api/visits/{id}/audit", r.visitHandler.GetAuditTrail)

	// Visit board streams
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/visits", r.sseHandler.StreamVisitUpdates)
		r.mux.HandleFunc("GET /api/stream/stages/{status}", r.sseHandler.StreamStageArrivals)
	}

	// CORS is outermost so preflights never reach logging or tracing
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics, r.mux)(handler)
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
