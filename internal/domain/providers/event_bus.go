package providers

import (
	"context"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to visit board events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.VisitEvent) error

	// Subscribe subscribes to events on a channel until ctx is done
	Subscribe(ctx context.Context, channel string) (<-chan *entities.VisitEvent, error)

	// Close closes the event bus and all subscriptions
	Close() error
}

const (
	// EventChannelVisitUpdates is the channel for every committed visit transition
	EventChannelVisitUpdates = "visits:updates"

	// EventChannelStagePrefix is the prefix for per-status arrival channels
	EventChannelStagePrefix = "stage:"
)

// GetStageChannel returns the channel on which arrivals to a status are published
func GetStageChannel(status entities.VisitStatus) string {
	return EventChannelStagePrefix + string(status)
}
