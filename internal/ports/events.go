package ports

import (
	"context"
	"taskvisor/internal/domain"
)

// Observer receives lifecycle events on the coordinating loop.
type Observer func(ev domain.Event)

// Emitter queues events for delivery on the coordinating loop.
type Emitter interface {
	Emit(ev domain.Event)
}

type EventSink interface {
	// Publish stores ev outside the process.
	Publish(ctx context.Context, ev domain.Event) error
	Close() error
}
