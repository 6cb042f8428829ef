package app

import (
	"context"
	"errors"
	"fmt"
	"taskvisor/internal/config"
	"taskvisor/internal/domain"
	"taskvisor/internal/infra/redisstream"
	"taskvisor/internal/probe"
	"taskvisor/internal/startup"
	"taskvisor/internal/supervisor"
	"taskvisor/internal/task"
)

// bootTasks is the built-in startup plan. Nil collaborators drop their tasks.
func bootTasks(cfg *config.Config, sup *supervisor.Supervisor, sink *redisstream.Client) []startup.Descriptor {
	tasks := []startup.Descriptor{{
		Name:  "validate-config",
		Phase: domain.PhaseCritical,
		Work:  task.Func(validateConfig, cfg),
	}}

	if sup != nil {
		tasks = append(tasks, startup.Descriptor{
			Name:  "start-worker",
			Phase: domain.PhaseImportant,
			Work: task.WorkFunc(func(ctx context.Context, h *task.Handle) (any, error) {
				return nil, sup.Start(cfg.Worker.Interval)
			}),
		})
	}

	if sink != nil {
		tasks = append(tasks, startup.Descriptor{
			Name:  "connect-event-sink",
			Phase: domain.PhaseBackground,
			Work: task.WorkFunc(func(ctx context.Context, h *task.Handle) (any, error) {
				return nil, sink.Connect(ctx)
			}),
		})
	}

	tasks = append(tasks, startup.Descriptor{
		Name:  "sample-runtime",
		Phase: domain.PhaseBackground,
		Work: task.WorkFunc(func(ctx context.Context, h *task.Handle) (any, error) {
			items, err := probe.NewRuntimeCollector().Collect(ctx)
			h.Progress(100)
			return items, err
		}),
	})
	return tasks
}

func validateConfig(h *task.Handle, args ...any) (any, error) {
	cfg := args[0].(*config.Config)
	var errs []error
	if cfg.Startup.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("startup concurrency must be positive, got %d", cfg.Startup.Concurrency))
	}
	if cfg.Worker.Enabled && cfg.Worker.Interval <= 0 {
		errs = append(errs, fmt.Errorf("worker interval must be positive, got %s", cfg.Worker.Interval))
	}
	if cfg.Worker.Enabled && cfg.Worker.HeartbeatTimeout <= cfg.Worker.Interval {
		errs = append(errs, fmt.Errorf("worker heartbeat timeout %s must exceed interval %s", cfg.Worker.HeartbeatTimeout, cfg.Worker.Interval))
	}
	if cfg.Watchdog.StaleThreshold <= cfg.Watchdog.Interval {
		errs = append(errs, fmt.Errorf("watchdog stale threshold %s must exceed interval %s", cfg.Watchdog.StaleThreshold, cfg.Watchdog.Interval))
	}
	return nil, errors.Join(errs...)
}
