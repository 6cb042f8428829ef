package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"taskvisor/internal/breaker"
	"taskvisor/internal/domain"
	"taskvisor/internal/loop"
	"taskvisor/internal/ports"
	"taskvisor/pkg/backoff"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pr         *io.PipeReader
	pw         *io.PipeWriter
	exit       chan error
	once       sync.Once
	terminated atomic.Bool
}

func newFakeProc() *fakeProc {
	pr, pw := io.Pipe()
	return &fakeProc{pr: pr, pw: pw, exit: make(chan error, 1)}
}

func (p *fakeProc) Output() io.Reader { return p.pr }
func (p *fakeProc) Wait() error       { return <-p.exit }
func (p *fakeProc) Pid() int          { return 4242 }

func (p *fakeProc) Terminate(time.Duration) error {
	p.terminated.Store(true)
	p.finish(nil)
	return nil
}

func (p *fakeProc) line(s string) { _, _ = fmt.Fprintln(p.pw, s) }

func (p *fakeProc) finish(err error) {
	p.once.Do(func() {
		_ = p.pw.Close()
		p.exit <- err
	})
}

type fakeLauncher struct {
	err      error
	launches atomic.Int32
	procs    chan *fakeProc
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(chan *fakeProc, 16)}
}

func (l *fakeLauncher) Launch(ctx context.Context, interval time.Duration) (ports.Process, error) {
	l.launches.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProc()
	l.procs <- p
	return p, nil
}

func (l *fakeLauncher) next(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-l.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not launched")
		return nil
	}
}

type recorder struct {
	mu  sync.Mutex
	all []domain.Event
}

func (r *recorder) observe(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
}

func (r *recorder) of(kind domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	var out []string
	for _, ev := range r.of(domain.EventProcessStatus) {
		out = append(out, ev.Status)
	}
	return out
}

const heartbeat = `{"type":"heartbeat","timestamp":1}`

func newSupervisor(t *testing.T, cfg Config, launcher ports.Launcher) (*Supervisor, *recorder) {
	t.Helper()
	l := loop.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})

	rec := &recorder{}
	l.Subscribe(rec.observe)
	s := New(cfg, launcher, l, zerolog.Nop())
	t.Cleanup(s.Stop)
	return s, rec
}

func statusIs(s *Supervisor, want domain.ProcessStatus) func() bool {
	return func() bool { return s.Status() == want }
}

func TestSupervisor_HeartbeatMarksRunning(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	p := fl.next(t)
	assert.Equal(t, domain.ProcessStarting, s.Status())

	p.line(`{"type":"startup","timestamp":1,"interval":1000}`)
	p.line(heartbeat)
	require.Eventually(t, statusIs(s, domain.ProcessRunning), time.Second, 5*time.Millisecond)
}

func TestSupervisor_MetricsCached(t *testing.T) {
	fl := newFakeLauncher()
	s, rec := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	p := fl.next(t)
	p.line(`{"type":"metrics","timestamp":1,"count":1,"items":[{"name":"goroutines","value":3}]}`)

	require.Eventually(t, func() bool { return len(s.Results()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"name":"goroutines","value":3}`, string(s.Results()[0]))
	require.Eventually(t, func() bool { return len(rec.of(domain.EventProcessMetrics)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_HeartbeatFieldTypesNotEnforced(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	fl.next(t).line(`{"type":"heartbeat","timestamp":"2024-01-01T00:00:00Z"}`)

	require.Eventually(t, statusIs(s, domain.ProcessRunning), time.Second, 5*time.Millisecond)
}

func TestSupervisor_MetricsItemsKeptRaw(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	p := fl.next(t)
	p.line(`{"type":"metrics","timestamp":"now","count":"two","items":[1,"b"]}`)

	require.Eventually(t, func() bool { return len(s.Results()) == 2 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `1`, string(s.Results()[0]))
	assert.JSONEq(t, `"b"`, string(s.Results()[1]))

	// items that are not a list cannot be cached, the previous results stay.
	p.line(`{"type":"metrics","items":{"a":1}}`)
	p.line(heartbeat)
	require.Eventually(t, statusIs(s, domain.ProcessRunning), time.Second, 5*time.Millisecond)
	assert.Len(t, s.Results(), 2)
}

func TestSupervisor_ErrorMessageAnyType(t *testing.T) {
	fl := newFakeLauncher()
	s, rec := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	fl.next(t).line(`{"type":"fatal","message":{"code":7},"trace":["frame"]}`)

	require.Eventually(t, func() bool { return len(rec.of(domain.EventProcessError)) == 1 }, time.Second, 5*time.Millisecond)
	ev := rec.of(domain.EventProcessError)[0]
	assert.JSONEq(t, `{"code":7}`, ev.Error)
	assert.JSONEq(t, `["frame"]`, ev.Stack)
	assert.Equal(t, string(domain.MessageFatal), ev.Status)
}

func TestSupervisor_UnparseableLineIgnored(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	p := fl.next(t)
	p.line(`not json at all`)
	p.line(heartbeat)

	require.Eventually(t, statusIs(s, domain.ProcessRunning), time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.RestartCount())
}

func TestSupervisor_ErrorMessageForwarded(t *testing.T) {
	fl := newFakeLauncher()
	s, rec := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	p := fl.next(t)
	p.line(`{"type":"error","timestamp":1,"message":"sensor offline"}`)

	require.Eventually(t, func() bool { return len(rec.of(domain.EventProcessError)) == 1 }, time.Second, 5*time.Millisecond)
	ev := rec.of(domain.EventProcessError)[0]
	assert.Equal(t, "sensor offline", ev.Error)
	assert.Equal(t, string(domain.MessageError), ev.Status)
}

func TestSupervisor_StartTwice(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	assert.ErrorIs(t, s.Start(time.Second), ErrAlreadyRunning)
	assert.Equal(t, int32(1), fl.launches.Load())
}

func TestSupervisor_StopClearsResults(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{}, fl)

	require.NoError(t, s.Start(time.Second))
	p := fl.next(t)
	p.line(`{"type":"metrics","timestamp":1,"count":1,"items":[{"name":"cpus","value":8}]}`)
	require.Eventually(t, func() bool { return len(s.Results()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.True(t, p.terminated.Load())
	assert.Empty(t, s.Results())
	assert.Equal(t, domain.ProcessStopped, s.Status())

	// The exit caused by Stop is not a crash.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fl.launches.Load())
	assert.Equal(t, 0, s.RestartCount())
}

func TestSupervisor_StallRestarts(t *testing.T) {
	fl := newFakeLauncher()
	s, rec := newSupervisor(t, Config{
		HeartbeatTimeout: 100 * time.Millisecond,
		Backoff:          backoff.Policy{Base: 10 * time.Millisecond},
	}, fl)

	require.NoError(t, s.Start(time.Second))
	first := fl.next(t)
	first.line(heartbeat)
	require.Eventually(t, statusIs(s, domain.ProcessRunning), time.Second, 5*time.Millisecond)

	second := fl.next(t)
	require.Eventually(t, first.terminated.Load, time.Second, 5*time.Millisecond)
	second.line(heartbeat)
	require.Eventually(t, statusIs(s, domain.ProcessRunning), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.RestartCount())
	assert.Subset(t, rec.statuses(), []string{"degraded", "restarting"})
}

func TestSupervisor_CrashRestarts(t *testing.T) {
	fl := newFakeLauncher()
	s, rec := newSupervisor(t, Config{Backoff: backoff.Policy{Base: 10 * time.Millisecond}}, fl)

	require.NoError(t, s.Start(time.Second))
	first := fl.next(t)
	first.finish(errors.New("exit status 2"))

	fl.next(t)
	assert.Equal(t, 1, s.RestartCount())
	require.Eventually(t, func() bool { return len(rec.statuses()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"starting", "degraded", "restarting", "starting"}, rec.statuses())
}

func TestSupervisor_CleanExitStops(t *testing.T) {
	fl := newFakeLauncher()
	s, _ := newSupervisor(t, Config{Backoff: backoff.Policy{Base: 10 * time.Millisecond}}, fl)

	require.NoError(t, s.Start(time.Second))
	fl.next(t).finish(nil)

	require.Eventually(t, statusIs(s, domain.ProcessStopped), time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fl.launches.Load())
}

func TestSupervisor_BreakerOpensAfterRepeatedStalls(t *testing.T) {
	fl := newFakeLauncher()
	s, rec := newSupervisor(t, Config{
		HeartbeatTimeout: 30 * time.Millisecond,
		Backoff:          backoff.Policy{Base: 5 * time.Millisecond},
		BreakerThreshold: 3,
		BreakerWindow:    time.Minute,
	}, fl)

	require.NoError(t, s.Start(time.Second))
	require.Eventually(t, statusIs(s, domain.ProcessBreakerOpen), 2*time.Second, 5*time.Millisecond)

	assert.True(t, s.BreakerOpen())
	assert.Equal(t, int32(3), fl.launches.Load())
	assert.Equal(t, 2, s.RestartCount())

	var notices int
	for _, ev := range rec.of(domain.EventProcessError) {
		if ev.Error == BreakerOpenMessage {
			notices++
		}
	}
	assert.Equal(t, 1, notices)

	err := s.Start(time.Second)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	s.Stop()
	assert.Equal(t, domain.ProcessBreakerOpen, s.Status())
	assert.Equal(t, int32(3), fl.launches.Load())
}

func TestSupervisor_LaunchFailuresTripBreaker(t *testing.T) {
	fl := newFakeLauncher()
	fl.err = errors.New("executable not found")
	s, _ := newSupervisor(t, Config{Backoff: backoff.Policy{Base: 5 * time.Millisecond}}, fl)

	assert.Error(t, s.Start(time.Second))
	require.Eventually(t, statusIs(s, domain.ProcessBreakerOpen), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), fl.launches.Load())
}

func TestSupervisor_StartAfterLoopStopped(t *testing.T) {
	l := loop.New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	cancel()
	<-l.Done()

	s := New(Config{}, newFakeLauncher(), l, zerolog.Nop())
	assert.ErrorIs(t, s.Start(time.Second), loop.ErrStopped)
}
