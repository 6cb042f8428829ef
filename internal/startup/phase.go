package startup

import (
	"taskvisor/internal/domain"
	"taskvisor/internal/loop"
	"taskvisor/internal/task"
	"time"
)

type phaseState struct {
	phase       domain.Phase
	index       int
	descriptors []Descriptor
	tasks       []*task.Task
	timers      []*loop.Timer
	deadline    *loop.Timer
	reported    map[string]bool

	started            bool
	startedAt          time.Time
	finalized          bool
	advancedByDeadline bool

	completed int
	failed    int
	timedOut  int
}

func newPhaseState(p domain.Phase, ds []Descriptor) *phaseState {
	return &phaseState{
		phase:       p,
		descriptors: ds,
		reported:    make(map[string]bool, len(ds)),
	}
}

func (ps *phaseState) summary() domain.PhaseSummary {
	return domain.PhaseSummary{
		Success:   !ps.advancedByDeadline && ps.failed == 0,
		Completed: ps.completed,
		Failed:    ps.failed,
		TimedOut:  ps.timedOut,
		Advanced:  ps.advancedByDeadline,
	}
}
