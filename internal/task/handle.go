package task

import (
	"context"
	"taskvisor/internal/domain"
	"time"
)

// Handle is the view of its own task given to running work.
type Handle struct {
	t   *Task
	ctx context.Context
}

// Context is cancelled when the task is cancelled.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) ID() string { return h.t.id }

func (h *Handle) IsCancelled() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.cancelled || h.ctx.Err() != nil
}

func (h *Handle) IsPaused() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.paused
}

// Heartbeat records liveness with the task and its watchdog.
func (h *Handle) Heartbeat() {
	h.t.mu.Lock()
	h.t.lastHeartbeat = time.Now()
	h.t.mu.Unlock()

	if h.t.watchdog != nil {
		h.t.watchdog.Heartbeat(h.t.id)
	}
	h.t.emit(domain.Event{Kind: domain.EventTaskHeartbeat})
}

// Progress reports completion percent, clamped to [0, 100]. It counts as a
// heartbeat.
func (h *Handle) Progress(percent int) {
	percent = max(0, min(100, percent))
	h.t.mu.Lock()
	h.t.progress = percent
	h.t.lastHeartbeat = time.Now()
	h.t.mu.Unlock()

	if h.t.watchdog != nil {
		h.t.watchdog.Heartbeat(h.t.id)
	}
	h.t.emit(domain.Event{Kind: domain.EventTaskProgress, Progress: percent})
}

// WaitWhilePaused blocks while the task is paused, polling every poll. It
// returns false if the task was cancelled in the meantime.
func (h *Handle) WaitWhilePaused(poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for h.IsPaused() {
		select {
		case <-h.ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return !h.IsCancelled()
}
