// Package supervisor keeps one external worker process alive. The child
// reports over a JSON-lines stream; silence past the heartbeat deadline or
// an abnormal exit kills and restarts it, until the circuit breaker trips.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"taskvisor/internal/breaker"
	"taskvisor/internal/domain"
	"taskvisor/internal/loop"
	"taskvisor/internal/ports"
	"taskvisor/pkg/backoff"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatTimeout = 20 * time.Second
	DefaultRestartBackoff   = time.Second
	DefaultStopGrace        = 2 * time.Second

	// BreakerOpenMessage is the single notification sent when restarts are
	// given up for the lifetime of the application.
	BreakerOpenMessage = "feature disabled; restart to retry"
)

var (
	ErrAlreadyRunning = errors.New("worker process already running")
	ErrBreakerOpen    = errors.New("worker circuit breaker open")
)

type Config struct {
	Name             string
	HeartbeatTimeout time.Duration
	StopGrace        time.Duration
	Backoff          backoff.Policy
	BreakerThreshold int
	BreakerWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = DefaultRestartBackoff
	}
	return c
}

type Supervisor struct {
	cfg      Config
	launcher ports.Launcher
	loop     *loop.Loop
	logger   zerolog.Logger
	breaker  *breaker.Breaker

	// Owned by the loop.
	proc          ports.Process
	gen           uint64
	interval      time.Duration
	deadline      *loop.Timer
	restartTimer  *loop.Timer
	lastHeartbeat time.Time

	mu       sync.Mutex
	status   domain.ProcessStatus
	restarts int
	results  []domain.Item
}

func New(cfg Config, launcher ports.Launcher, l *loop.Loop, logger zerolog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		loop:     l,
		logger:   logger.With().Str("component", "supervisor").Str("worker", cfg.Name).Logger(),
		breaker:  breaker.New(cfg.BreakerThreshold, cfg.BreakerWindow),
		status:   domain.ProcessStopped,
	}
}

// Start launches the worker with its poll interval. It is a no-op returning
// ErrBreakerOpen once the breaker tripped. Must not be called from the loop.
func (s *Supervisor) Start(interval time.Duration) error {
	var err error
	if !s.loop.Call(func() { err = s.start(interval) }) {
		return loop.ErrStopped
	}
	return err
}

// Stop terminates the worker, waiting up to the grace period before killing
// it, and clears cached results. Must not be called from the loop.
func (s *Supervisor) Stop() {
	var proc ports.Process
	s.loop.Call(func() {
		s.restartTimer.Stop()
		proc = s.detach()
		s.setResults(nil)
		if !s.breaker.Open() {
			s.setStatus(domain.ProcessStopped)
		}
	})
	if proc != nil {
		s.terminate(proc)
	}
}

func (s *Supervisor) Status() domain.ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Results returns the items of the last metrics message.
func (s *Supervisor) Results() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Item(nil), s.results...)
}

func (s *Supervisor) BreakerOpen() bool { return s.breaker.Open() }

func (s *Supervisor) start(interval time.Duration) error {
	if err := s.breaker.Allow(); err != nil {
		s.logger.Warn().Msg("start refused, circuit breaker open")
		return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}
	if s.proc != nil {
		return ErrAlreadyRunning
	}
	s.restartTimer.Stop()
	s.interval = interval

	proc, err := s.launcher.Launch(context.Background(), interval)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to launch worker")
		s.fail(domain.ProcessDegraded, fmt.Sprintf("launch failed: %v", err))
		return fmt.Errorf("launch %s: %w", s.cfg.Name, err)
	}

	s.gen++
	s.proc = proc
	s.setStatus(domain.ProcessStarting)
	s.armDeadline()
	s.logger.Info().Int("pid", proc.Pid()).Dur("interval", interval).Msg("worker launched")

	go s.watch(s.gen, proc)
	return nil
}

// watch forwards output lines to the loop, then reports the exit.
func (s *Supervisor) watch(gen uint64, proc ports.Process) {
	scanner := bufio.NewScanner(proc.Output())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		s.loop.Post(func() { s.handleLine(gen, line) })
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("worker output closed")
	}
	err := proc.Wait()
	s.loop.Post(func() { s.handleExit(gen, err) })
}

// envelope is read first; a line is classified by its type alone.
type envelope struct {
	Type domain.MessageType `json:"type"`
}

// payload holds the fields some message types carry. Their JSON types are
// not trusted, so everything stays raw until used.
type payload struct {
	Items   []json.RawMessage `json:"items"`
	Message json.RawMessage   `json:"message"`
	Trace   json.RawMessage   `json:"trace"`
}

func (s *Supervisor) handleLine(gen uint64, line []byte) {
	if gen != s.gen || len(line) == 0 {
		return
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		s.discard(line, err)
		return
	}

	switch env.Type {
	case domain.MessageHeartbeat:
		s.lastHeartbeat = time.Now()
		s.armDeadline()
		if s.Status() != domain.ProcessRunning {
			s.setStatus(domain.ProcessRunning)
		}
	case domain.MessageMetrics:
		var p payload
		if err := json.Unmarshal(line, &p); err != nil {
			s.discard(line, err)
			return
		}
		s.setResults(p.Items)
		s.loop.Emit(domain.Event{Kind: domain.EventProcessMetrics, Subject: s.cfg.Name, Items: p.Items})
	case domain.MessageStartup, domain.MessageInit, domain.MessageShutdown:
		var p payload
		_ = json.Unmarshal(line, &p)
		s.logger.Info().Str("type", string(env.Type)).Str("message", text(p.Message)).Msg("worker message")
		s.loop.Emit(domain.Event{Kind: domain.EventProcessMessage, Subject: s.cfg.Name, Status: string(env.Type)})
	case domain.MessageError, domain.MessageFatal:
		var p payload
		_ = json.Unmarshal(line, &p)
		msg := text(p.Message)
		s.logger.Warn().Str("type", string(env.Type)).Str("message", msg).Msg("worker reported error")
		s.loop.Emit(domain.Event{
			Kind:    domain.EventProcessError,
			Subject: s.cfg.Name,
			Status:  string(env.Type),
			Error:   msg,
			Stack:   text(p.Trace),
		})
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unknown worker message")
	}
}

func (s *Supervisor) discard(line []byte, err error) {
	s.logger.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("discarding unparseable worker line")
}

// text renders a raw field: JSON strings unquoted, anything else verbatim.
func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

func (s *Supervisor) handleExit(gen uint64, err error) {
	if gen != s.gen || s.proc == nil {
		return
	}
	s.proc = nil
	s.deadline.Stop()

	if err == nil {
		s.logger.Info().Msg("worker exited")
		s.setStatus(domain.ProcessStopped)
		return
	}
	s.logger.Error().Err(err).Msg("worker exited abnormally")
	s.fail(domain.ProcessDegraded, fmt.Sprintf("worker crashed: %v", err))
}

func (s *Supervisor) armDeadline() {
	s.deadline.Stop()
	gen := s.gen
	s.deadline = s.loop.After(s.cfg.HeartbeatTimeout, func() { s.onStall(gen) })
}

func (s *Supervisor) onStall(gen uint64) {
	if gen != s.gen || s.proc == nil {
		return
	}
	s.logger.Warn().Dur("timeout", s.cfg.HeartbeatTimeout).Msg("worker heartbeat timeout")
	proc := s.detach()
	go s.terminate(proc)
	s.fail(domain.ProcessDegraded, "heartbeat timeout")
}

// fail applies the breaker accounting shared by stalls and crashes.
func (s *Supervisor) fail(status domain.ProcessStatus, reason string) {
	now := time.Now()
	s.setStatus(status)
	if s.breaker.Record(now) {
		s.setStatus(domain.ProcessBreakerOpen)
		s.logger.Error().Str("reason", reason).Msg("worker circuit breaker open")
		s.loop.Emit(domain.Event{
			Kind:    domain.EventProcessError,
			Subject: s.cfg.Name,
			Status:  string(domain.ProcessBreakerOpen),
			Error:   BreakerOpenMessage,
		})
		return
	}

	failures := s.breaker.Failures(now)
	delay := s.cfg.Backoff.Delay(failures)
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	s.setStatus(domain.ProcessRestarting)
	s.logger.Warn().Str("reason", reason).Int("failures", failures).Dur("backoff", delay).Msg("restarting worker")
	s.restartTimer = s.loop.After(delay, func() {
		if err := s.start(s.interval); err != nil {
			s.logger.Error().Err(err).Msg("worker restart failed")
		}
	})
}

// detach forgets the current child so its pending output and exit are
// ignored.
func (s *Supervisor) detach() ports.Process {
	proc := s.proc
	s.proc = nil
	s.gen++
	s.deadline.Stop()
	return proc
}

func (s *Supervisor) terminate(proc ports.Process) {
	if err := proc.Terminate(s.cfg.StopGrace); err != nil {
		s.logger.Debug().Err(err).Msg("terminate worker")
	}
}

func (s *Supervisor) setStatus(st domain.ProcessStatus) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = st
	s.mu.Unlock()

	s.logger.Info().Str("from", string(prev)).Str("to", string(st)).Msg("worker status")
	s.loop.Emit(domain.Event{Kind: domain.EventProcessStatus, Subject: s.cfg.Name, Status: string(st)})
}

func (s *Supervisor) setResults(items []domain.Item) {
	s.mu.Lock()
	s.results = items
	s.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
