package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinicflow/internal/application/services"
	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

type blockingAuditRepository struct {
	mu      sync.Mutex
	written []*entities.AuditEvent
	block   chan struct{}
	err     error
}

func (r *blockingAuditRepository) Create(_ context.Context, event *entities.AuditEvent) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.written = append(r.written, event)
	return nil
}

func (r *blockingAuditRepository) ListByEntity(_ context.Context, _, entityID string, _ int) ([]*entities.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*entities.AuditEvent{}
	for _, e := range r.written {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *blockingAuditRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.written)
}

func TestAuditDispatcher(t *testing.T) {
	t.Run("writes queued events in order and fills identity", func(t *testing.T) {
		repo := &blockingAuditRepository{}
		dispatcher := services.NewAuditDispatcher(repo, 16, nil)

		for _, action := range []string{"CHECK_IN", "START_CONSULTATION", "COMPLETE_CONSULTATION"} {
			dispatcher.Record(context.Background(), &entities.AuditEvent{Action: action, EntityType: entities.AuditEntityVisit, EntityID: "v1"})
		}
		require.NoError(t, dispatcher.Close(context.Background()))

		require.Equal(t, 3, repo.count())
		assert.Equal(t, "CHECK_IN", repo.written[0].Action)
		assert.Equal(t, "COMPLETE_CONSULTATION", repo.written[2].Action)
		for _, event := range repo.written {
			assert.NotEmpty(t, event.ID)
			assert.False(t, event.OccurredAt.IsZero())
		}
	})

	t.Run("full buffer drops instead of blocking", func(t *testing.T) {
		repo := &blockingAuditRepository{block: make(chan struct{})}
		dispatcher := services.NewAuditDispatcher(repo, 1, nil)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				dispatcher.Record(context.Background(), &entities.AuditEvent{Action: "CANCEL", EntityID: "v1"})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Record blocked on a full buffer")
		}

		close(repo.block)
		require.NoError(t, dispatcher.Close(context.Background()))
		assert.GreaterOrEqual(t, repo.count(), 1)
		assert.LessOrEqual(t, repo.count(), 2)
	})

	t.Run("write failures do not stop the writer", func(t *testing.T) {
		repo := &blockingAuditRepository{err: errors.New("db down")}
		dispatcher := services.NewAuditDispatcher(repo, 4, nil)

		dispatcher.Record(context.Background(), &entities.AuditEvent{Action: "CANCEL", EntityID: "v1"})
		dispatcher.Record(context.Background(), &entities.AuditEvent{Action: "CANCEL", EntityID: "v2"})

		assert.NoError(t, dispatcher.Close(context.Background()))
		assert.Equal(t, 0, repo.count())
	})

	t.Run("record after close is dropped", func(t *testing.T) {
		repo := &blockingAuditRepository{}
		dispatcher := services.NewAuditDispatcher(repo, 4, nil)
		require.NoError(t, dispatcher.Close(context.Background()))

		assert.NotPanics(t, func() {
			dispatcher.Record(context.Background(), &entities.AuditEvent{Action: "CANCEL", EntityID: "v1"})
		})
		assert.NoError(t, dispatcher.Close(context.Background()))
		assert.Equal(t, 0, repo.count())
	})

	t.Run("close gives up when ctx ends", func(t *testing.T) {
		repo := &blockingAuditRepository{block: make(chan struct{})}
		dispatcher := services.NewAuditDispatcher(repo, 4, nil)
		dispatcher.Record(context.Background(), &entities.AuditEvent{Action: "CANCEL", EntityID: "v1"})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, dispatcher.Close(ctx), context.DeadlineExceeded)
		close(repo.block)
	})
}
