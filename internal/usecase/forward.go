package usecase

import (
	"context"
	"sync/atomic"
	"taskvisor/internal/domain"
	"taskvisor/internal/ports"
	"taskvisor/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
)

// Forwarder copies lifecycle events to a sink. Observe never blocks the
// loop; events are dropped when the buffer is full.
type Forwarder struct {
	Sink    ports.EventSink
	Backoff backoff.Policy

	events  chan domain.Event
	dropped atomic.Int64
}

func NewForwarder(sink ports.EventSink, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Forwarder{
		Sink:    sink,
		Backoff: backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
		events:  make(chan domain.Event, buffer),
	}
}

func (f *Forwarder) Observe(ev domain.Event) {
	switch ev.Kind {
	case domain.EventTaskHeartbeat, domain.EventTaskProgress:
		return
	}
	select {
	case f.events <- ev:
	default:
		f.dropped.Add(1)
	}
}

func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

func (f *Forwarder) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.events:
			err := f.Sink.Publish(ctx, ev)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			delay := f.Backoff.Delay(failures)
			log.Ctx(ctx).Warn().Err(err).Str("kind", string(ev.Kind)).Dur("backoff", delay).Msg("failed to forward event")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}
