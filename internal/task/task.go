package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"taskvisor/internal/domain"
	"taskvisor/internal/ports"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Heartbeater is the liveness registry a task reports to while running.
type Heartbeater interface {
	Register(id string)
	Heartbeat(id string)
	Unregister(id string)
}

type Option func(*Task)

// WithTimeout sets the post-hoc time budget. Zero disables the check.
func WithTimeout(d time.Duration) Option { return func(t *Task) { t.timeout = d } }

func WithEmitter(e ports.Emitter) Option { return func(t *Task) { t.emitter = e } }

func WithWatchdog(w Heartbeater) Option { return func(t *Task) { t.watchdog = w } }

func WithPhase(p domain.Phase) Option { return func(t *Task) { t.phase = p } }

func WithID(id string) Option { return func(t *Task) { t.id = id } }

func WithLogger(l zerolog.Logger) Option { return func(t *Task) { t.logger = l } }

// Task runs a Work at most once with cooperative cancel and pause.
type Task struct {
	id       string
	name     string
	phase    domain.Phase
	work     Work
	timeout  time.Duration
	emitter  ports.Emitter
	watchdog Heartbeater
	logger   zerolog.Logger

	mu            sync.Mutex
	status        domain.TaskStatus
	cancelled     bool
	paused        bool
	progress      int
	startedAt     time.Time
	lastHeartbeat time.Time
	cancel        context.CancelFunc
}

func New(name string, work Work, opts ...Option) *Task {
	t := &Task{
		name:   name,
		work:   work,
		status: domain.StatusIdle,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.id == "" {
		t.id = fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	}
	t.logger = t.logger.With().Str("task", name).Str("task_id", t.id).Logger()
	return t
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

func (t *Task) Status() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) State() domain.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.TaskState{
		ID:            t.id,
		Name:          t.name,
		Status:        t.status,
		Cancelled:     t.cancelled,
		Paused:        t.paused,
		Progress:      t.progress,
		StartedAt:     t.startedAt,
		LastHeartbeat: t.lastHeartbeat,
	}
}

// Run executes the work once and classifies the outcome. Errors and panics
// from the work are folded into the result.
func (t *Task) Run(ctx context.Context) domain.Result {
	t.mu.Lock()
	if t.status != domain.StatusIdle {
		status := t.status
		t.mu.Unlock()
		return t.result(domain.StatusFailed, nil, fmt.Errorf("run in status %s: %w", status, ErrInvalidTransition), 0)
	}
	if t.cancelled {
		t.status = domain.StatusCancelled
		t.mu.Unlock()
		t.emit(domain.Event{Kind: domain.EventTaskCancelled, Status: string(domain.StatusCancelled), Error: ErrCancelled.Error()})
		return t.result(domain.StatusCancelled, nil, ErrCancelled, 0)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	now := time.Now()
	t.status = domain.StatusRunning
	t.startedAt = now
	t.lastHeartbeat = now
	t.cancel = cancel
	t.mu.Unlock()

	if t.watchdog != nil {
		t.watchdog.Register(t.id)
	}
	t.emit(domain.Event{Kind: domain.EventTaskStarted})
	t.logger.Debug().Msg("task started")

	value, err := t.invoke(ctx)
	elapsed := time.Since(now)

	t.mu.Lock()
	var status domain.TaskStatus
	switch {
	case t.cancelled || ctx.Err() != nil:
		status = domain.StatusCancelled
		if err == nil {
			err = ErrCancelled
		}
	case t.timeout > 0 && elapsed > t.timeout:
		status = domain.StatusTimeout
		err = fmt.Errorf("elapsed %s over budget %s: %w", elapsed.Round(time.Millisecond), t.timeout, ErrTimeout)
	case err != nil:
		status = domain.StatusFailed
	default:
		status = domain.StatusCompleted
	}
	t.status = status
	t.paused = false
	t.cancel = nil
	t.mu.Unlock()

	if t.watchdog != nil {
		t.watchdog.Unregister(t.id)
	}

	ev := domain.Event{Elapsed: elapsed, Status: string(status)}
	switch status {
	case domain.StatusCompleted:
		ev.Kind = domain.EventTaskCompleted
		t.logger.Debug().Dur("elapsed", elapsed).Msg("task completed")
	case domain.StatusCancelled:
		ev.Kind = domain.EventTaskCancelled
		ev.Error = err.Error()
		t.logger.Info().Dur("elapsed", elapsed).Msg("task cancelled")
	case domain.StatusTimeout:
		ev.Kind = domain.EventTaskTimeout
		ev.Error = err.Error()
		t.logger.Warn().Dur("elapsed", elapsed).Dur("budget", t.timeout).Msg("task timed out")
	default:
		ev.Kind = domain.EventTaskFailed
		ev.Error = err.Error()
		ev.ErrorType = ErrorType(err)
		ev.Stack = ErrorStack(err)
		t.logger.Warn().Err(err).Str("error_type", ev.ErrorType).Dur("elapsed", elapsed).Msg("task failed")
	}
	t.emit(ev)

	return t.result(status, value, err, elapsed)
}

func (t *Task) invoke(ctx context.Context) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.work.Run(ctx, &Handle{t: t, ctx: ctx})
}

func (t *Task) result(status domain.TaskStatus, value any, err error, elapsed time.Duration) domain.Result {
	r := domain.Result{ID: t.id, Name: t.name, Status: status, Err: err, Elapsed: elapsed}
	if status == domain.StatusCompleted {
		r.Value = value
	}
	return r
}

// Cancel requests cooperative cancellation. A task cancelled before Run
// never invokes its work.
func (t *Task) Cancel() error {
	t.mu.Lock()
	switch t.status {
	case domain.StatusIdle:
		t.cancelled = true
		t.mu.Unlock()
		return nil
	case domain.StatusRunning, domain.StatusPaused:
		t.cancelled = true
		t.paused = false
		t.status = domain.StatusCancelling
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.emit(domain.Event{Kind: domain.EventTaskStatus, Status: string(domain.StatusCancelling)})
		return nil
	default:
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("cancel in status %s: %w", status, ErrInvalidTransition)
	}
}

func (t *Task) Pause() error {
	return t.transition(domain.StatusRunning, domain.StatusPaused, true)
}

func (t *Task) Resume() error {
	return t.transition(domain.StatusPaused, domain.StatusRunning, false)
}

func (t *Task) transition(from, to domain.TaskStatus, paused bool) error {
	t.mu.Lock()
	if t.status != from {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%s -> %s from status %s: %w", from, to, status, ErrInvalidTransition)
	}
	t.status = to
	t.paused = paused
	t.mu.Unlock()
	t.emit(domain.Event{Kind: domain.EventTaskStatus, Status: string(to)})
	return nil
}

func (t *Task) emit(ev domain.Event) {
	if t.emitter == nil {
		return
	}
	ev.Subject = t.name
	ev.Phase = t.phase
	t.emitter.Emit(ev)
}
