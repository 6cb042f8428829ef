// Package watchdog detects tasks that stopped sending heartbeats without
// finishing, e.g. blocked on I/O.
package watchdog

import (
	"context"
	"sort"
	"sync"
	"taskvisor/internal/domain"
	"taskvisor/internal/ports"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultStaleThreshold = 15 * time.Second
)

type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

type Watchdog struct {
	cfg     Config
	emitter ports.Emitter
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(cfg Config, emitter ports.Emitter, logger zerolog.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	return &Watchdog{
		cfg:      cfg,
		emitter:  emitter,
		logger:   logger.With().Str("component", "watchdog").Logger(),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// Register starts tracking id. Registering a tracked id refreshes it.
func (w *Watchdog) Register(id string) {
	w.mu.Lock()
	w.lastSeen[id] = w.now()
	n := len(w.lastSeen)
	w.mu.Unlock()
	w.logger.Debug().Str("id", id).Int("registered", n).Msg("registered")
}

// Heartbeat refreshes id. Unknown ids are ignored.
func (w *Watchdog) Heartbeat(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.lastSeen[id]; ok {
		w.lastSeen[id] = w.now()
	}
}

func (w *Watchdog) Unregister(id string) {
	w.mu.Lock()
	_, ok := w.lastSeen[id]
	delete(w.lastSeen, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.logger.Debug().Str("id", id).Msg("unregistered")
	w.emit(domain.Event{Kind: domain.EventWatchdogUnregistered, Subject: id})
}

func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lastSeen)
}

// Registered returns the tracked ids in sorted order.
func (w *Watchdog) Registered() []string {
	w.mu.Lock()
	ids := make([]string, 0, len(w.lastSeen))
	for id := range w.lastSeen {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Run sweeps on every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Dur("stale_threshold", w.cfg.StaleThreshold).
		Msg("watchdog started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(w.now())
		}
	}
}

// Sweep reports and drops every id silent for longer than the stale
// threshold at now. It returns the stalled ids.
func (w *Watchdog) Sweep(now time.Time) []string {
	type stall struct {
		id      string
		elapsed time.Duration
	}
	var stalls []stall

	w.mu.Lock()
	for id, seen := range w.lastSeen {
		if elapsed := now.Sub(seen); elapsed > w.cfg.StaleThreshold {
			stalls = append(stalls, stall{id: id, elapsed: elapsed})
			delete(w.lastSeen, id)
		}
	}
	w.mu.Unlock()

	sort.Slice(stalls, func(i, j int) bool { return stalls[i].id < stalls[j].id })
	ids := make([]string, 0, len(stalls))
	for _, s := range stalls {
		ids = append(ids, s.id)
		w.logger.Warn().Str("id", s.id).Float64("silent_seconds", s.elapsed.Seconds()).Msg("task stalled")
		w.emit(domain.Event{Kind: domain.EventWatchdogStalled, Subject: s.id, Elapsed: s.elapsed})
		w.emit(domain.Event{Kind: domain.EventWatchdogUnregistered, Subject: s.id})
	}
	return ids
}

func (w *Watchdog) emit(ev domain.Event) {
	if w.emitter != nil {
		w.emitter.Emit(ev)
	}
}
