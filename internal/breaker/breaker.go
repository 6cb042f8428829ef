// Package breaker counts failures in a sliding window and trips once the
// count reaches a threshold. A tripped breaker never closes again; only a
// new Breaker (i.e. a restart of the owning application) clears it.
package breaker

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = 60 * time.Second
)

var ErrOpen = errors.New("circuit breaker is open")

type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  []time.Time
	open      bool
	openedAt  time.Time
}

func New(threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Breaker{threshold: threshold, window: window}
}

// Record adds a failure at now and reports whether the breaker is open
// afterwards.
func (b *Breaker) Record(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return true
	}
	b.failures = append(b.prune(now), now)
	if len(b.failures) >= b.threshold {
		b.open = true
		b.openedAt = now
	}
	return b.open
}

// Allow returns ErrOpen once the breaker tripped.
func (b *Breaker) Allow() error {
	if b.Open() {
		return ErrOpen
	}
	return nil
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures counts failures still inside the window at now.
func (b *Breaker) Failures(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.prune(now)
	return len(b.failures)
}

func (b *Breaker) prune(now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return kept
}
