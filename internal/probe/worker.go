// Package probe is the reference worker child: it polls a Collector and
// writes one JSON message per line to its output.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"taskvisor/internal/domain"
	"time"
)

type Collector interface {
	Collect(ctx context.Context) ([]domain.Item, error)
	Capabilities() map[string]bool
}

type Worker struct {
	Interval  time.Duration
	Out       io.Writer
	Collector Collector

	mu  sync.Mutex
	enc *json.Encoder
}

// Run emits startup and init, then a metrics (or error) message followed by
// a heartbeat every interval, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.Interval <= 0 {
		return fmt.Errorf("invalid interval %s", w.Interval)
	}
	w.enc = json.NewEncoder(w.Out)

	if err := w.send(domain.Message{Type: domain.MessageStartup, Interval: int(w.Interval.Milliseconds())}); err != nil {
		return err
	}
	if err := w.send(domain.Message{Type: domain.MessageInit, Capabilities: w.Collector.Capabilities()}); err != nil {
		return err
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		if err := w.cycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return w.send(domain.Message{Type: domain.MessageShutdown, Message: "worker stopping"})
		case <-ticker.C:
		}
	}
}

// cycle always ends with a heartbeat, whether or not collection worked.
func (w *Worker) cycle(ctx context.Context) error {
	items, err := w.collect(ctx)
	if err != nil {
		msg := domain.Message{Type: domain.MessageError, Message: err.Error()}
		if pe, ok := err.(*collectPanic); ok {
			msg.Trace = pe.stack
		}
		if err := w.send(msg); err != nil {
			return err
		}
	} else if err := w.send(domain.Message{Type: domain.MessageMetrics, Count: len(items), Items: items}); err != nil {
		return err
	}
	return w.send(domain.Message{Type: domain.MessageHeartbeat})
}

type collectPanic struct {
	value any
	stack string
}

func (p *collectPanic) Error() string { return fmt.Sprintf("collector panic: %v", p.value) }

func (w *Worker) collect(ctx context.Context) (items []domain.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &collectPanic{value: r, stack: string(debug.Stack())}
		}
	}()
	return w.Collector.Collect(ctx)
}

func (w *Worker) send(m domain.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m.Timestamp = float64(time.Now().UnixNano()) / 1e9
	if err := w.enc.Encode(m); err != nil {
		return fmt.Errorf("write %s message: %w", m.Type, err)
	}
	return nil
}
