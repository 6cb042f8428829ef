// Package loop implements the coordinating context: a single goroutine that
// owns scheduler and supervisor state and is the only place observers run.
//
// Other goroutines never touch that state directly. They Post closures or
// Emit events; the loop drains them in FIFO order.
package loop

import (
	"context"
	"errors"
	"sync"
	"taskvisor/internal/domain"
	"taskvisor/internal/ports"
	"time"

	"github.com/rs/zerolog"
)

var _ ports.Emitter = (*Loop)(nil)

var ErrStopped = errors.New("coordinating loop stopped")

type Loop struct {
	logger zerolog.Logger

	mu        sync.Mutex
	queue     []func()
	observers []ports.Observer
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func New(logger zerolog.Logger) *Loop {
	return &Loop{
		logger: logger.With().Str("component", "loop").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn for execution on the loop. It returns false once the loop
// has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and blocks until it ran. Must not be used from the loop itself.
func (l *Loop) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Emit queues ev for delivery to every observer.
func (l *Loop) Emit(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.Post(func() { l.dispatch(ev) })
}

func (l *Loop) Subscribe(o ports.Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run drains the queue until ctx is cancelled. Closures still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	l.logger.Debug().Msg("coordinating loop started")

	for {
		for _, fn := range l.take() {
			l.invoke(fn)
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()
			l.logger.Debug().Int("dropped", dropped).Msg("coordinating loop stopped")
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("recovered panic on coordinating loop")
		}
	}()
	fn()
}

func (l *Loop) dispatch(ev domain.Event) {
	l.mu.Lock()
	observers := append([]ports.Observer(nil), l.observers...)
	l.mu.Unlock()

	for _, o := range observers {
		l.invoke(func() { o(ev) })
	}
}
