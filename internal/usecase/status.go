package usecase

import (
	"sync"
	"taskvisor/internal/domain"
	"time"
)

type TaskView struct {
	Phase     domain.Phase `json:"phase"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
	ElapsedMs int64        `json:"elapsed_ms"`
}

type WorkerView struct {
	Status      string    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	Items       int       `json:"items"`
	LastMetrics time.Time `json:"last_metrics,omitempty"`
}

type Snapshot struct {
	Phases  map[domain.Phase]string `json:"phases"`
	Tasks   map[string]TaskView     `json:"tasks"`
	Summary *domain.Summary         `json:"summary,omitempty"`
	Stalls  []string                `json:"stalls"`
	Workers map[string]WorkerView   `json:"workers"`
}

// Board keeps the latest view of every subject seen on the event stream.
type Board struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewBoard() *Board {
	return &Board{snap: Snapshot{
		Phases:  map[domain.Phase]string{},
		Tasks:   map[string]TaskView{},
		Stalls:  []string{},
		Workers: map[string]WorkerView{},
	}}
}

func (b *Board) Observe(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Kind {
	case domain.EventPhaseStarted:
		b.snap.Phases[ev.Phase] = "running"
	case domain.EventPhaseCompleted:
		b.snap.Phases[ev.Phase] = "completed"
	case domain.EventPhaseFailed:
		b.snap.Phases[ev.Phase] = "failed"
	case domain.EventStartupComplete:
		b.snap.Summary = ev.Summary
	case domain.EventTaskStarted, domain.EventTaskStatus, domain.EventTaskCompleted,
		domain.EventTaskFailed, domain.EventTaskCancelled, domain.EventTaskTimeout:
		view := b.snap.Tasks[ev.Subject]
		view.Phase = ev.Phase
		view.Status = ev.Status
		if ev.Kind == domain.EventTaskStarted {
			view.Status = string(domain.StatusRunning)
		}
		view.Error = ev.Error
		view.ElapsedMs = ev.ElapsedMs()
		b.snap.Tasks[ev.Subject] = view
	case domain.EventWatchdogStalled:
		b.snap.Stalls = append(b.snap.Stalls, ev.Subject)
	case domain.EventProcessStatus:
		w := b.snap.Workers[ev.Subject]
		w.Status = ev.Status
		if ev.Status == string(domain.ProcessStopped) {
			w.Items = 0
		}
		b.snap.Workers[ev.Subject] = w
	case domain.EventProcessError:
		w := b.snap.Workers[ev.Subject]
		w.LastError = ev.Error
		b.snap.Workers[ev.Subject] = w
	case domain.EventProcessMetrics:
		w := b.snap.Workers[ev.Subject]
		w.Items = len(ev.Items)
		w.LastMetrics = ev.At
		b.snap.Workers[ev.Subject] = w
	}
}

// Snapshot returns a deep copy safe to encode from any goroutine.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Snapshot{
		Phases:  make(map[domain.Phase]string, len(b.snap.Phases)),
		Tasks:   make(map[string]TaskView, len(b.snap.Tasks)),
		Stalls:  append([]string{}, b.snap.Stalls...),
		Workers: make(map[string]WorkerView, len(b.snap.Workers)),
	}
	for k, v := range b.snap.Phases {
		out.Phases[k] = v
	}
	for k, v := range b.snap.Tasks {
		out.Tasks[k] = v
	}
	for k, v := range b.snap.Workers {
		out.Workers[k] = v
	}
	if b.snap.Summary != nil {
		sum := *b.snap.Summary
		out.Summary = &sum
	}
	return out
}
