package ports

import (
	"context"

	"resonance-backend/domain/events"
)

// EventPublisher publishes domain events. Publishing is best effort; callers
// log failures rather than failing the operation.
type EventPublisher interface {
	Publish(ctx context.Context, event events.DomainEvent) error
	PublishBatch(ctx context.Context, batch []events.DomainEvent) error
}
