// Package startup runs the staged boot sequence: CRITICAL, IMPORTANT and
// BACKGROUND phases, each with its own execution policy and deadline.
//
// All phase bookkeeping happens on the coordinating loop. Work itself runs
// on a serial lane (CRITICAL, IMPORTANT) or on a bounded pool (BACKGROUND),
// so the loop never blocks on it.
package startup

import (
	"context"
	"sync"
	"taskvisor/internal/domain"
	"taskvisor/internal/loop"
	"taskvisor/internal/task"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultCriticalTimeout   = 5 * time.Second
	DefaultImportantTimeout  = 10 * time.Second
	DefaultBackgroundTimeout = 30 * time.Second
	DefaultStagger           = 50 * time.Millisecond
)

type Config struct {
	CriticalTimeout   time.Duration
	ImportantTimeout  time.Duration
	BackgroundTimeout time.Duration
	Stagger           time.Duration
	Concurrency       int
	// TaskTimeout is the default post-hoc budget of each task; zero disables it.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CriticalTimeout <= 0 {
		c.CriticalTimeout = DefaultCriticalTimeout
	}
	if c.ImportantTimeout <= 0 {
		c.ImportantTimeout = DefaultImportantTimeout
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = DefaultBackgroundTimeout
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	} else if c.Stagger == 0 {
		c.Stagger = DefaultStagger
	}
	if c.Concurrency <= 0 {
		c.Concurrency = task.DefaultPoolSize
	}
	return c
}

func (c Config) timeout(p domain.Phase) time.Duration {
	switch p {
	case domain.PhaseCritical:
		return c.CriticalTimeout
	case domain.PhaseImportant:
		return c.ImportantTimeout
	default:
		return c.BackgroundTimeout
	}
}

type Option func(*Scheduler)

// WithWatchdog registers every startup task with w while it runs.
func WithWatchdog(w task.Heartbeater) Option { return func(s *Scheduler) { s.watchdog = w } }

type Scheduler struct {
	cfg      Config
	loop     *loop.Loop
	logger   zerolog.Logger
	watchdog task.Heartbeater
	lane     *task.Lane
	pool     *task.Pool

	mu          sync.Mutex
	descriptors map[domain.Phase][]Descriptor
	executed    bool

	// Owned by the loop once Execute started.
	ctx       context.Context
	phases    []*phaseState
	success   int
	fail      int
	total     int
	startedAt time.Time
	finished  bool
	done      chan domain.Summary
}

func New(cfg Config, l *loop.Loop, logger zerolog.Logger, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		loop:        l,
		logger:      logger.With().Str("component", "startup").Logger(),
		lane:        task.NewLane(),
		pool:        task.NewPool(cfg.Concurrency),
		descriptors: make(map[domain.Phase][]Descriptor),
		done:        make(chan domain.Summary, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers d. It fails once Execute has been called.
func (s *Scheduler) Add(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executed {
		return ErrAlreadyExecuted
	}
	s.descriptors[d.Phase] = append(s.descriptors[d.Phase], d)
	return nil
}

// AddImmediate registers a CRITICAL task.
func (s *Scheduler) AddImmediate(name string, work task.Work) error {
	return s.Add(Descriptor{Name: name, Phase: domain.PhaseCritical, Work: work})
}

// AddDeferred registers an IMPORTANT task started after delay plus its stagger.
func (s *Scheduler) AddDeferred(name string, delay time.Duration, work task.Work) error {
	return s.Add(Descriptor{Name: name, Phase: domain.PhaseImportant, Delay: delay, Work: work})
}

// AddBackground registers a BACKGROUND task started after delay on the pool.
func (s *Scheduler) AddBackground(name string, delay time.Duration, work task.Work) error {
	return s.Add(Descriptor{Name: name, Phase: domain.PhaseBackground, Delay: delay, Work: work})
}

// Execute runs the phases in order and returns the final summary. The loop
// must be running. Work is bound to ctx, not to Execute: tasks outliving the
// summary finish normally. If ctx ends first, in-flight work is cancelled,
// every unreported task is counted as failed and ctx.Err() is returned
// alongside the summary.
func (s *Scheduler) Execute(ctx context.Context) (domain.Summary, error) {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return domain.Summary{}, ErrAlreadyExecuted
	}
	s.executed = true
	plan := make(map[domain.Phase][]Descriptor, len(s.descriptors))
	total := 0
	for p, ds := range s.descriptors {
		plan[p] = append([]Descriptor(nil), ds...)
		total += len(ds)
	}
	s.mu.Unlock()

	// Tasks run under ctx itself: work still in flight or not yet started
	// when the summary fires keeps running to its real outcome.
	if !s.loop.Post(func() { s.begin(ctx, plan, total) }) {
		return domain.Summary{}, ErrLoopStopped
	}

	select {
	case sum := <-s.done:
		return sum, nil
	case <-s.loop.Done():
		return domain.Summary{}, ErrLoopStopped
	case <-ctx.Done():
	}

	s.loop.Post(func() { s.abort() })
	select {
	case sum := <-s.done:
		return sum, ctx.Err()
	case <-s.loop.Done():
		return domain.Summary{}, ErrLoopStopped
	}
}

// Wait blocks until startup work already handed to the lane or the pool has
// returned, or until timeout. It reports whether everything finished. Tasks
// whose start delay has not elapsed yet are not waited for.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.lane.Wait()
		s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) begin(ctx context.Context, plan map[domain.Phase][]Descriptor, total int) {
	s.ctx = ctx
	s.total = total
	s.startedAt = time.Now()
	for _, p := range domain.Phases {
		s.phases = append(s.phases, newPhaseState(p, plan[p]))
	}
	s.logger.Info().Int("tasks", total).Msg("startup sequence started")
	s.startPhase(0)
}

func (s *Scheduler) startPhase(i int) {
	if s.finished {
		return
	}
	if i >= len(s.phases) {
		s.complete()
		return
	}
	ps := s.phases[i]
	ps.index = i
	ps.started = true
	ps.startedAt = time.Now()
	timeout := s.cfg.timeout(ps.phase)

	s.logger.Info().Str("phase", string(ps.phase)).Int("tasks", len(ps.descriptors)).Dur("timeout", timeout).Msg("phase started")
	s.loop.Emit(domain.Event{Kind: domain.EventPhaseStarted, Subject: string(ps.phase), Phase: ps.phase})

	if len(ps.descriptors) == 0 {
		s.finalize(ps, false)
		return
	}
	ps.deadline = s.loop.After(timeout, func() { s.onDeadline(ps) })

	for idx, d := range ps.descriptors {
		t := s.newTask(d)
		ps.tasks = append(ps.tasks, t)
		done := s.reporter(ps, t)

		switch ps.phase {
		case domain.PhaseCritical:
			s.lane.Submit(s.ctx, t, done)
		case domain.PhaseImportant:
			delay := d.Delay + time.Duration(idx)*s.cfg.Stagger
			ps.timers = append(ps.timers, s.loop.After(delay, func() { s.lane.Submit(s.ctx, t, done) }))
		default:
			ps.timers = append(ps.timers, s.loop.After(d.Delay, func() { s.pool.Submit(s.ctx, t, done) }))
		}
	}
}

func (s *Scheduler) newTask(d Descriptor) *task.Task {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = s.cfg.TaskTimeout
	}
	opts := []task.Option{
		task.WithPhase(d.Phase),
		task.WithTimeout(timeout),
		task.WithEmitter(phaseEmitter{l: s.loop}),
		task.WithLogger(s.logger),
	}
	if s.watchdog != nil {
		opts = append(opts, task.WithWatchdog(s.watchdog))
	}
	return task.New(d.Name, d.Work, opts...)
}

// reporter hands a result from a worker goroutine back to the loop.
func (s *Scheduler) reporter(ps *phaseState, t *task.Task) func(domain.Result) {
	return func(r domain.Result) {
		s.loop.Post(func() { s.report(ps, t, r) })
	}
}

func (s *Scheduler) report(ps *phaseState, t *task.Task, r domain.Result) {
	if s.finished || ps.reported[t.ID()] {
		return
	}
	ps.reported[t.ID()] = true
	if r.Succeeded() {
		s.success++
		ps.completed++
	} else {
		s.fail++
		ps.failed++
		if r.Status == domain.StatusTimeout {
			ps.timedOut++
		}
	}
	if ps.finalized {
		s.logger.Info().Str("phase", string(ps.phase)).Str("task", t.Name()).Str("status", string(r.Status)).Msg("late task reported")
		return
	}
	if len(ps.reported) == len(ps.tasks) {
		s.finalize(ps, false)
	}
}

func (s *Scheduler) onDeadline(ps *phaseState) {
	if ps.finalized || s.finished {
		return
	}
	s.logger.Warn().
		Str("phase", string(ps.phase)).
		Int("pending", len(ps.tasks)-len(ps.reported)).
		Msg("phase deadline elapsed, advancing")
	s.finalize(ps, true)
}

func (s *Scheduler) finalize(ps *phaseState, byDeadline bool) {
	ps.finalized = true
	ps.advancedByDeadline = byDeadline
	ps.deadline.Stop()
	elapsed := time.Since(ps.startedAt)

	kind := domain.EventPhaseCompleted
	if byDeadline {
		kind = domain.EventPhaseFailed
	}
	s.logger.Info().
		Str("phase", string(ps.phase)).
		Int("completed", ps.completed).
		Int("failed", ps.failed).
		Dur("elapsed", elapsed).
		Bool("deadline", byDeadline).
		Msg("phase finished")
	s.loop.Emit(domain.Event{Kind: kind, Subject: string(ps.phase), Phase: ps.phase, Elapsed: elapsed})

	s.startPhase(ps.index + 1)
}

func (s *Scheduler) abort() {
	if s.finished {
		return
	}
	s.logger.Warn().Msg("startup sequence cancelled")
	for _, ps := range s.phases {
		for _, tm := range ps.timers {
			tm.Stop()
		}
		if ps.started && !ps.finalized {
			ps.finalized = true
			ps.advancedByDeadline = true
			ps.deadline.Stop()
			s.loop.Emit(domain.Event{Kind: domain.EventPhaseFailed, Subject: string(ps.phase), Phase: ps.phase, Elapsed: time.Since(ps.startedAt), Error: s.ctx.Err().Error()})
		}
	}
	s.complete()
}

// complete emits the one startup summary. Tasks that never reported count
// as failed.
func (s *Scheduler) complete() {
	if s.finished {
		return
	}
	s.finished = true

	phases := make(map[domain.Phase]domain.PhaseSummary, len(s.phases))
	for _, ps := range s.phases {
		unreported := len(ps.descriptors) - len(ps.reported)
		s.fail += unreported
		ps.failed += unreported
		ps.timedOut += unreported
		phases[ps.phase] = ps.summary()
	}
	sum := domain.Summary{
		SuccessCount: s.success,
		FailCount:    s.fail,
		Total:        s.total,
		Phases:       phases,
		Elapsed:      time.Since(s.startedAt),
	}
	s.logger.Info().
		Int("success", sum.SuccessCount).
		Int("failed", sum.FailCount).
		Int("total", sum.Total).
		Dur("elapsed", sum.Elapsed).
		Msg("startup complete")
	s.loop.Emit(domain.Event{Kind: domain.EventStartupComplete, Subject: "startup", Elapsed: sum.Elapsed, Summary: &sum})
	s.done <- sum
}

// phaseEmitter folds timeout and cancellation into taskFailed so that every
// startup task ends in exactly one of taskCompleted or taskFailed.
type phaseEmitter struct {
	l *loop.Loop
}

func (e phaseEmitter) Emit(ev domain.Event) {
	switch ev.Kind {
	case domain.EventTaskTimeout, domain.EventTaskCancelled:
		ev.Kind = domain.EventTaskFailed
	}
	e.l.Emit(ev)
}
