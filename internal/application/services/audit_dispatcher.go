package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
	"github.com/zatekoja/clinicflow/internal/domain/repositories"
	"github.com/zatekoja/clinicflow/internal/infrastructure/observability"
)

const auditWriteTimeout = 5 * time.Second

// AuditDispatcher is an AuditSink that writes events in the background.
// Record never blocks: when the buffer is full the event is dropped and
// counted.
type AuditDispatcher struct {
	repo    repositories.AuditRepository
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	events chan *entities.AuditEvent
	done   chan struct{}
}

var _ providers.AuditSink = (*AuditDispatcher)(nil)

// NewAuditDispatcher creates a dispatcher and starts its writer
func NewAuditDispatcher(repo repositories.AuditRepository, bufferSize int, metrics *observability.Metrics) *AuditDispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	d := &AuditDispatcher{
		repo:    repo,
		metrics: metrics,
		events:  make(chan *entities.AuditEvent, bufferSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Record queues the event for writing
func (d *AuditDispatcher) Record(ctx context.Context, event *entities.AuditEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		observability.LoggerFromContext(ctx).Warn().Str("action", event.Action).Str("entity_id", event.EntityID).Msg("audit dispatcher closed, dropping event")
		observability.RecordAuditDrop(ctx, d.metrics, event.Action)
		return
	}

	select {
	case d.events <- event:
	default:
		observability.LoggerFromContext(ctx).Warn().Str("action", event.Action).Str("entity_id", event.EntityID).Msg("audit buffer full, dropping event")
		observability.RecordAuditDrop(ctx, d.metrics, event.Action)
	}
}

func (d *AuditDispatcher) run() {
	defer close(d.done)
	logger := observability.GetLogger()

	for event := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := d.repo.Create(ctx, event); err != nil {
			logger.Error().Err(err).
				Str("action", event.Action).
				Str("entity_type", event.EntityType).
				Str("entity_id", event.EntityID).
				Msg("failed to write audit event")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written or
// for ctx to end
func (d *AuditDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
