package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"taskvisor/internal/domain"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeWatchdog struct {
	mu    sync.Mutex
	calls []string
}

func (w *fakeWatchdog) record(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, s)
}

func (w *fakeWatchdog) Register(id string)   { w.record("register:" + id) }
func (w *fakeWatchdog) Heartbeat(id string)  { w.record("heartbeat:" + id) }
func (w *fakeWatchdog) Unregister(id string) { w.record("unregister:" + id) }

func newTask(name string, work Work, opts ...Option) (*Task, *recorder) {
	rec := &recorder{}
	opts = append([]Option{WithEmitter(rec), WithLogger(zerolog.Nop())}, opts...)
	return New(name, work, opts...), rec
}

func TestTask_Completed(t *testing.T) {
	tk, rec := newTask("ok", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		return 42, nil
	}))

	res := tk.Run(context.Background())

	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, 42, res.Value)
	assert.NoError(t, res.Err)
	assert.Equal(t, domain.StatusCompleted, tk.Status())
	assert.Equal(t, []domain.EventKind{domain.EventTaskStarted, domain.EventTaskCompleted}, rec.kinds())
	assert.Equal(t, "ok", rec.last().Subject)
}

func TestTask_ErrorBecomesFailed(t *testing.T) {
	tk, rec := newTask("boom", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		return "ignored", errors.New("disk unavailable")
	}))

	res := tk.Run(context.Background())

	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Nil(t, res.Value)
	assert.EqualError(t, res.Err, "disk unavailable")

	ev := rec.last()
	assert.Equal(t, domain.EventTaskFailed, ev.Kind)
	assert.Equal(t, "disk unavailable", ev.Error)
	assert.Equal(t, "*errors.errorString", ev.ErrorType)
}

func TestTask_PanicBecomesFailed(t *testing.T) {
	tk, rec := newTask("panics", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		panic(errors.New("nil map"))
	}))

	var res domain.Result
	require.NotPanics(t, func() { res = tk.Run(context.Background()) })

	assert.Equal(t, domain.StatusFailed, res.Status)
	var pe *PanicError
	require.ErrorAs(t, res.Err, &pe)

	ev := rec.last()
	assert.Equal(t, domain.EventTaskFailed, ev.Kind)
	assert.Equal(t, "*errors.errorString", ev.ErrorType)
	assert.Contains(t, ev.Error, "nil map")
	assert.Contains(t, ev.Stack, "task_test.go")
}

func TestTask_PostHocTimeout(t *testing.T) {
	tk, rec := newTask("slow", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, nil
	}), WithTimeout(100*time.Millisecond))

	res := tk.Run(context.Background())

	assert.Equal(t, domain.StatusTimeout, res.Status)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.GreaterOrEqual(t, res.Elapsed, 100*time.Millisecond)
	assert.Equal(t, domain.EventTaskTimeout, rec.last().Kind)
}

func TestTask_WithinBudget(t *testing.T) {
	tk, _ := newTask("fast", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		return nil, nil
	}), WithTimeout(time.Second))

	assert.Equal(t, domain.StatusCompleted, tk.Run(context.Background()).Status)
}

func TestTask_CooperativeCancel(t *testing.T) {
	started := make(chan struct{})
	tk, rec := newTask("poller", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		close(started)
		for !h.IsCancelled() {
			time.Sleep(5 * time.Millisecond)
		}
		return nil, nil
	}))

	done := make(chan domain.Result, 1)
	go func() { done <- tk.Run(context.Background()) }()
	<-started

	require.NoError(t, tk.Cancel())
	assert.Equal(t, domain.StatusCancelling, tk.Status())

	res := <-done
	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Equal(t, domain.EventTaskCancelled, rec.last().Kind)
}

func TestTask_CancelBeforeRunSkipsWork(t *testing.T) {
	var ran atomic.Bool
	tk, rec := newTask("never", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		ran.Store(true)
		return nil, nil
	}))

	require.NoError(t, tk.Cancel())
	res := tk.Run(context.Background())

	assert.Equal(t, domain.StatusCancelled, res.Status)
	assert.False(t, ran.Load())
	assert.Equal(t, domain.EventTaskCancelled, rec.last().Kind)
	assert.Equal(t, string(domain.StatusCancelled), rec.last().Status)
}

func TestTask_PauseResume(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawPause atomic.Bool
	tk, _ := newTask("pausable", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		close(started)
		<-release
		if h.IsPaused() {
			sawPause.Store(true)
		}
		if !h.WaitWhilePaused(time.Millisecond) {
			return nil, ErrCancelled
		}
		return "resumed", nil
	}))

	assert.ErrorIs(t, tk.Pause(), ErrInvalidTransition, "pause before running")

	done := make(chan domain.Result, 1)
	go func() { done <- tk.Run(context.Background()) }()
	<-started

	require.NoError(t, tk.Pause())
	assert.Equal(t, domain.StatusPaused, tk.Status())
	assert.True(t, tk.State().Paused)
	assert.ErrorIs(t, tk.Pause(), ErrInvalidTransition)

	close(release)
	assert.Eventually(t, sawPause.Load, time.Second, 5*time.Millisecond)
	require.NoError(t, tk.Resume())

	res := <-done
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "resumed", res.Value)
	assert.ErrorIs(t, tk.Resume(), ErrInvalidTransition)
	assert.ErrorIs(t, tk.Cancel(), ErrInvalidTransition)
}

func TestTask_SingleAttempt(t *testing.T) {
	var runs atomic.Int32
	tk, _ := newTask("once", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		runs.Add(1)
		return nil, nil
	}))

	tk.Run(context.Background())
	res := tk.Run(context.Background())

	assert.ErrorIs(t, res.Err, ErrInvalidTransition)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTask_HeartbeatAndProgress(t *testing.T) {
	wd := &fakeWatchdog{}
	tk, rec := newTask("reporter", WorkFunc(func(ctx context.Context, h *Handle) (any, error) {
		h.Heartbeat()
		h.Progress(150)
		return nil, nil
	}), WithWatchdog(wd), WithID("reporter-1"))

	tk.Run(context.Background())

	assert.Equal(t, []string{
		"register:reporter-1",
		"heartbeat:reporter-1",
		"heartbeat:reporter-1",
		"unregister:reporter-1",
	}, wd.calls)
	assert.Equal(t, []domain.EventKind{
		domain.EventTaskStarted,
		domain.EventTaskHeartbeat,
		domain.EventTaskProgress,
		domain.EventTaskCompleted,
	}, rec.kinds())
	assert.Equal(t, 100, tk.State().Progress)
}

func TestFunc_CapturesArguments(t *testing.T) {
	args := []any{"a", 2}
	work := Func(func(h *Handle, got ...any) (any, error) {
		return got, nil
	}, args...)
	args[0] = "mutated"

	tk, _ := newTask("captured", work)
	res := tk.Run(context.Background())

	assert.Equal(t, []any{"a", 2}, res.Value)
}
