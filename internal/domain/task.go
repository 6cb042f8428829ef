package domain

import "time"

type TaskStatus string

const (
	StatusIdle       TaskStatus = "idle"
	StatusRunning    TaskStatus = "running"
	StatusPaused     TaskStatus = "paused"
	StatusCancelling TaskStatus = "cancelling"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusTimeout    TaskStatus = "timeout"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

type Phase string

const (
	PhaseCritical   Phase = "critical"
	PhaseImportant  Phase = "important"
	PhaseBackground Phase = "background"
)

// Phases lists the startup phases in execution order.
var Phases = []Phase{PhaseCritical, PhaseImportant, PhaseBackground}

type TaskState struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        TaskStatus `json:"status"`
	Cancelled     bool       `json:"cancelled"`
	Paused        bool       `json:"paused"`
	Progress      int        `json:"progress"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// Result is the outcome of a single execution attempt.
type Result struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Status  TaskStatus    `json:"status"`
	Value   any           `json:"-"`
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r Result) Succeeded() bool { return r.Status == StatusCompleted }
