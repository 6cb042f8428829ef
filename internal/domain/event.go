package domain

import "time"

type EventKind string

const (
	EventPhaseStarted    EventKind = "phase.started"
	EventPhaseCompleted  EventKind = "phase.completed"
	EventPhaseFailed     EventKind = "phase.failed"
	EventStartupComplete EventKind = "startup.complete"

	EventTaskStarted   EventKind = "task.started"
	EventTaskHeartbeat EventKind = "task.heartbeat"
	EventTaskProgress  EventKind = "task.progress"
	EventTaskStatus    EventKind = "task.status"
	EventTaskCompleted EventKind = "task.completed"
	EventTaskFailed    EventKind = "task.failed"
	EventTaskCancelled EventKind = "task.cancelled"
	EventTaskTimeout   EventKind = "task.timeout"

	EventWatchdogStalled      EventKind = "watchdog.stalled"
	EventWatchdogUnregistered EventKind = "watchdog.unregistered"

	EventProcessStatus  EventKind = "process.status"
	EventProcessMessage EventKind = "process.message"
	EventProcessMetrics EventKind = "process.metrics"
	EventProcessError   EventKind = "process.error"
)

// Event is a lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Subject string        `json:"subject"`
	Phase   Phase         `json:"phase,omitempty"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Stack     string `json:"stack,omitempty"`

	Status   string `json:"status,omitempty"`
	Progress int    `json:"progress,omitempty"`

	Summary *Summary `json:"summary,omitempty"`
	Items   []Item   `json:"items,omitempty"`
}

// ElapsedMs returns Elapsed in whole milliseconds.
func (e Event) ElapsedMs() int64 { return e.Elapsed.Milliseconds() }

// Summary is the payload of EventStartupComplete.
type Summary struct {
	SuccessCount int                    `json:"success_count"`
	FailCount    int                    `json:"fail_count"`
	Total        int                    `json:"total"`
	Phases       map[Phase]PhaseSummary `json:"phases"`
	Elapsed      time.Duration          `json:"elapsed"`
}

type PhaseSummary struct {
	Success   bool `json:"success"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	TimedOut  int  `json:"timed_out"`
	Advanced  bool `json:"advanced_by_deadline"`
}
