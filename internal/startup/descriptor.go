package startup

import (
	"errors"
	"fmt"
	"taskvisor/internal/domain"
	"taskvisor/internal/loop"
	"taskvisor/internal/task"
	"time"
)

var (
	ErrAlreadyExecuted = errors.New("startup sequence already executed")
	ErrLoopStopped     = loop.ErrStopped
	ErrUnknownPhase    = errors.New("unknown phase")
)

// Descriptor is one scheduled unit of startup work. It is consumed by a
// single execution attempt.
type Descriptor struct {
	Name  string
	Phase domain.Phase
	Delay time.Duration
	Work  task.Work
	// Timeout is the post-hoc budget of this task; zero uses the scheduler
	// default.
	Timeout time.Duration
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("descriptor has no name")
	}
	if d.Work == nil {
		return fmt.Errorf("descriptor %q has no work", d.Name)
	}
	switch d.Phase {
	case domain.PhaseCritical, domain.PhaseImportant, domain.PhaseBackground:
		return nil
	default:
		return fmt.Errorf("descriptor %q phase %q: %w", d.Name, d.Phase, ErrUnknownPhase)
	}
}
