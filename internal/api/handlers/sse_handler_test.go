package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicflow/internal/api/handlers"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
)

// memoryEventBus fans published events out to in-process subscribers
type memoryEventBus struct {
	mu           sync.Mutex
	subscribers  map[string][]chan *entities.VisitEvent
	subscribed   chan string
	subscribeErr error
}

func newMemoryEventBus() *memoryEventBus {
	return &memoryEventBus{
		subscribers: make(map[string][]chan *entities.VisitEvent),
		subscribed:  make(chan string, 10),
	}
}

func (m *memoryEventBus) Publish(_ context.Context, channel string, event *entities.VisitEvent) error {
	m.mu.Lock()
	channels := append([]chan *entities.VisitEvent(nil), m.subscribers[channel]...)
	m.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *memoryEventBus) Subscribe(_ context.Context, channel string) (<-chan *entities.VisitEvent, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.mu.Lock()
	ch := make(chan *entities.VisitEvent, 10)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	m.mu.Unlock()
	m.subscribed <- channel
	return ch, nil
}

func (m *memoryEventBus) Close() error {
	return nil
}

func (m *memoryEventBus) waitForSubscriber(t *testing.T) string {
	t.Helper()
	select {
	case channel := <-m.subscribed:
		return channel
	case <-time.After(2 * time.Second):
		t.Fatal("handler never subscribed")
		return ""
	}
}

func runStream(t *testing.T, serve func(http.ResponseWriter, *http.Request), req *http.Request) (*httptest.ResponseRecorder, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		serve(w, req.WithContext(ctx))
		close(done)
	}()
	return w, cancel, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after cancel")
	}
}

func TestSSEHandler_StreamStageArrivals(t *testing.T) {
	t.Run("streams arrivals for the requested stage", func(t *testing.T) {
		bus := newMemoryEventBus()
		handler := handlers.NewSSEHandler(bus)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/stages/in_pharmacy", nil)
		req.SetPathValue("status", "in_pharmacy")
		w, cancel, done := runStream(t, handler.StreamStageArrivals, req)
		defer cancel()

		channel := bus.waitForSubscriber(t)
		assert.Equal(t, "stage:IN_PHARMACY", channel)

		visit := &entities.Visit{ID: "v1", PatientID: "p1", Status: entities.VisitStatusInPharmacy}
		event := entities.NewVisitEvent(visit, entities.VisitEventTypeStatusChanged, "COMPLETE_CONSULTATION", entities.VisitStatusInClinical)
		require.NoError(t, bus.Publish(context.Background(), channel, event))

		time.Sleep(100 * time.Millisecond)
		cancel()
		waitDone(t, done)

		result := w.Result()
		assert.Equal(t, "text/event-stream", result.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache", result.Header.Get("Cache-Control"))
		body := w.Body.String()
		assert.Contains(t, body, "event: connected")
		assert.Contains(t, body, "event: status_changed")
		assert.Contains(t, body, `"visit_id":"v1"`)
		assert.Equal(t, 0, handler.GetClientCount())
	})

	t.Run("sends heartbeats", func(t *testing.T) {
		bus := newMemoryEventBus()
		handler := handlers.NewSSEHandler(bus).WithHeartbeat(20 * time.Millisecond)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/stages/WAITING", nil)
		req.SetPathValue("status", "WAITING")
		w, cancel, done := runStream(t, handler.StreamStageArrivals, req)
		defer cancel()

		bus.waitForSubscriber(t)
		time.Sleep(100 * time.Millisecond)
		cancel()
		waitDone(t, done)

		assert.Contains(t, w.Body.String(), "event: heartbeat")
	})

	t.Run("rejects an unknown stage", func(t *testing.T) {
		handler := handlers.NewSSEHandler(newMemoryEventBus())

		req := httptest.NewRequest(http.MethodGet, "/api/stream/stages/LOBBY", nil)
		req.SetPathValue("status", "LOBBY")
		w := httptest.NewRecorder()

		handler.StreamStageArrivals(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("subscription failure is unavailable", func(t *testing.T) {
		bus := newMemoryEventBus()
		bus.subscribeErr = errors.New("redis down")
		handler := handlers.NewSSEHandler(bus)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/stages/WAITING", nil)
		req.SetPathValue("status", "WAITING")
		w := httptest.NewRecorder()

		handler.StreamStageArrivals(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestSSEHandler_StreamVisitUpdates(t *testing.T) {
	bus := newMemoryEventBus()
	handler := handlers.NewSSEHandler(bus)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/visits", nil)
	_, cancel, done := runStream(t, handler.StreamVisitUpdates, req)
	defer cancel()

	assert.Equal(t, providers.EventChannelVisitUpdates, bus.waitForSubscriber(t))
	assert.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	waitDone(t, done)
	assert.Equal(t, 0, handler.GetClientCount())
}
