package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zatekoja/clinicflow/internal/application/services"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/insurer"
	"github.com/zatekoja/clinicflow/pkg/config"
	apperrors "github.com/zatekoja/clinicflow/pkg/errors"
)

// memoryVisitRepository is an in-memory VisitRepository

type memoryVisitRepository struct {
	mu          sync.Mutex
	visits      map[string]*entities.Visit
	appendErr   error
	updateErr   error
	updateCalls int
	appendCalls int
}

func newMemoryVisitRepository(visits ...*entities.Visit) *memoryVisitRepository {
	repo := &memoryVisitRepository{visits: map[string]*entities.Visit{}}
	for _, v := range visits {
		repo.visits[v.ID] = v.Clone()
	}
	return repo
}

func (r *memoryVisitRepository) Create(_ context.Context, visit *entities.Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.visits {
		if v.PatientID == visit.PatientID && !v.Status.IsTerminal() {
			return apperrors.NewConflictError("open visit exists")
		}
	}
	r.visits[visit.ID] = visit.Clone()
	return nil
}

func (r *memoryVisitRepository) GetByID(_ context.Context, id string) (*entities.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("visit not found")
	}
	return v.Clone(), nil
}

func (r *memoryVisitRepository) GetActiveByPatient(_ context.Context, patientID string) (*entities.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.visits {
		if v.PatientID == patientID && !v.Status.IsTerminal() {
			return v.Clone(), nil
		}
	}
	return nil, apperrors.NewNotFoundError("no open visit")
}

func (r *memoryVisitRepository) Update(_ context.Context, id string, patch entities.VisitPatch) (*entities.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	v, ok := r.visits[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("visit not found")
	}
	patch.Apply(v)
	v.UpdatedAt = time.Now()
	return v.Clone(), nil
}

func (r *memoryVisitRepository) AppendBillItems(_ context.Context, id string, items []entities.BillItem) (*entities.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if r.appendErr != nil {
		return nil, r.appendErr
	}
	v, ok := r.visits[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("visit not found")
	}
	v.BillItems = append(v.BillItems, items...)
	return v.Clone(), nil
}

func (r *memoryVisitRepository) List(_ context.Context, filter repositories.VisitFilter) ([]*entities.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*entities.Visit{}
	for _, v := range r.visits {
		if filter.Status != nil && v.Status != *filter.Status {
			continue
		}
		out = append(out, v.Clone())
	}
	return out, nil
}

func (r *memoryVisitRepository) stored(id string) *entities.Visit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visits[id].Clone()
}

// memoryAuthorizationRepository is an in-memory AuthorizationRepository

type memoryAuthorizationRepository struct {
	mu      sync.Mutex
	records []*entities.AuthorizationRecord
}

func (r *memoryAuthorizationRepository) Create(_ context.Context, record *entities.AuthorizationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.IsVerdict() {
		for _, existing := range r.records {
			if existing.VisitID == record.VisitID && existing.IsVerdict() {
				existing.Superseded = true
			}
		}
	}
	stored := *record
	r.records = append(r.records, &stored)
	return nil
}

func (r *memoryAuthorizationRepository) GetActiveByVisit(_ context.Context, visitID string) (*entities.AuthorizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.VisitID == visitID && rec.IsVerdict() && !rec.Superseded {
			out := *rec
			return &out, nil
		}
	}
	return nil, apperrors.NewNotFoundError("no active authorization")
}

func (r *memoryAuthorizationRepository) ListByVisit(_ context.Context, visitID string) ([]*entities.AuthorizationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*entities.AuthorizationRecord{}
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].VisitID == visitID {
			rec := *r.records[i]
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (r *memoryAuthorizationRepository) all() []entities.AuthorizationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.AuthorizationRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// recordingAuditSink keeps every event it receives

type recordingAuditSink struct {
	mu     sync.Mutex
	events []*entities.AuditEvent
}

func (s *recordingAuditSink) Record(_ context.Context, event *entities.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingAuditSink) outcomes() []entities.AuditOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.AuditOutcome, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Outcome)
	}
	return out
}

func (s *recordingAuditSink) last() *entities.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

// MockAccessChecker mocks the authorization gate seen by the state machine

type MockAccessChecker struct {
	mock.Mock
}

func (m *MockAccessChecker) CheckAccess(ctx context.Context, visit *entities.Visit) (*services.GateDecision, error) {
	args := m.Called(ctx, visit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.GateDecision), args.Error(1)
}

// MockEventBus records published visit events

type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.VisitEvent) error {
	args := m.Called(ctx, channel, event)
	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.VisitEvent, error) {
	args := m.Called(ctx, channel)
	return args.Get(0).(<-chan *entities.VisitEvent), args.Error(1)
}

func (m *MockEventBus) Close() error {
	return nil
}

// fakeInsurer is an httptest insurer API

type fakeInsurer struct {
	server *httptest.Server

	tokenCalls  atomic.Int32
	verifyCalls atomic.Int32

	mu sync.Mutex
	// unauthorizedCalls lists the 1-based verify calls answered with 401
	unauthorizedCalls map[int32]bool
	status            string
	authNumber        string
	verifyDelay       time.Duration
	tokenStatus       int
	lastQuery         map[string]string
	lastAuthHdrs      []string
}

func newFakeInsurer(t *testing.T, status, authNumber string) *fakeInsurer {
	f := &fakeInsurer{status: status, authNumber: authNumber, unauthorizedCalls: map[int32]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		f.mu.Lock()
		tokenStatus := f.tokenStatus
		f.mu.Unlock()
		if tokenStatus != 0 {
			w.WriteHeader(tokenStatus)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /AuthorizeCard", func(w http.ResponseWriter, r *http.Request) {
		n := f.verifyCalls.Add(1)

		f.mu.Lock()
		f.lastAuthHdrs = append(f.lastAuthHdrs, r.Header.Get("Authorization"))
		f.lastQuery = map[string]string{}
		for key := range r.URL.Query() {
			f.lastQuery[key] = r.URL.Query().Get(key)
		}
		delay := f.verifyDelay
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		f.mu.Lock()
		unauthorized := f.unauthorizedCalls[n]
		status, authNumber := f.status, f.authNumber
		f.mu.Unlock()

		if unauthorized {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"AuthorizationStatus": status,
			"AuthorizationNo":     authNumber,
			"CardStatus":          "Active",
			"FullName":            "JANE DOE",
			"Remarks":             "",
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeInsurer) rejectVerifyCalls(calls ...int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range calls {
		f.unauthorizedCalls[n] = true
	}
}

func (f *fakeInsurer) setTokenStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
}

func (f *fakeInsurer) setVerifyDelay(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyDelay = delay
}

func (f *fakeInsurer) setVerdict(status, authNumber string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.authNumber = authNumber
}

func (f *fakeInsurer) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lastAuthHdrs...)
}

func (f *fakeInsurer) query() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

func (f *fakeInsurer) config(timeout time.Duration) config.InsurerConfig {
	return config.InsurerConfig{
		BaseURL:           f.server.URL,
		Username:          "clinic",
		Password:          "secret",
		VerifyTimeout:     timeout,
		TokenFetchTimeout: timeout,
		TokenExpirySkew:   time.Minute,
	}
}

// newGate builds a real gate against the fake insurer. The HTTP client
// ceiling stays above timeout so the gate deadline is the one that fires.
func newGate(f *fakeInsurer, records repositories.AuthorizationRepository, timeout time.Duration) *services.AuthorizationGate {
	cfg := f.config(5 * time.Second)
	client := insurer.NewClient(&cfg)
	tokens := services.NewTokenCache(client, nil, cfg, nil)
	return services.NewAuthorizationGate(client, tokens, records, timeout, nil)
}

func testCoverageConfig() config.CoverageConfig {
	return config.CoverageConfig{
		FrameCap: 30000,
		LensCaps: map[string]float64{
			config.LensTypeSingleVision: 20000,
			config.LensTypeBifocal:      35000,
			config.LensTypeProgressive:  60000,
		},
		MaxTotalReimbursement: 100000,
	}
}

func nhifVisit(id string, status entities.VisitStatus) *entities.Visit {
	return &entities.Visit{
		ID:              id,
		PatientID:       "patient-" + id,
		Status:          status,
		InsuranceMode:   entities.InsuranceModeNHIF,
		CardNumber:      "NHIF-0001",
		RemainingStages: []entities.Stage{},
		BillItems:       []entities.BillItem{},
		CheckedInAt:     time.Now(),
	}
}

func cashVisit(id string, status entities.VisitStatus) *entities.Visit {
	v := nhifVisit(id, status)
	v.InsuranceMode = entities.InsuranceModeCash
	v.CardNumber = ""
	return v
}

func boolPtr(b bool) *bool {
	return &b
}
