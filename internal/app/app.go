// Package app composes the supervision subsystem from explicitly
// constructed parts.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"taskvisor/internal/api"
	"taskvisor/internal/config"
	"taskvisor/internal/infra/redisstream"
	"taskvisor/internal/loop"
	"taskvisor/internal/startup"
	"taskvisor/internal/supervisor"
	"taskvisor/internal/usecase"
	"taskvisor/internal/watchdog"
	"taskvisor/pkg/backoff"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Tasks are scheduled after the built-in boot tasks.
	Tasks []startup.Descriptor
	// DisableAPI skips the status server.
	DisableAPI bool
}

// Run boots the application and blocks until ctx is cancelled. Every part is
// constructed and scheduled before any goroutine starts, so a setup error
// leaves nothing running.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	logger := log.Logger
	l := loop.New(logger)

	board := usecase.NewBoard()
	l.Subscribe(board.Observe)

	var (
		sink *redisstream.Client
		fwd  *usecase.Forwarder
	)
	if cfg.Redis.Enabled() {
		sink = redisstream.New(cfg.Redis)
		defer sink.Close()
		fwd = usecase.NewForwarder(sink, 1024)
		l.Subscribe(fwd.Observe)
	}

	wd := watchdog.New(watchdog.Config{
		Interval:       cfg.Watchdog.Interval,
		StaleThreshold: cfg.Watchdog.StaleThreshold,
	}, l, logger)

	var sup *supervisor.Supervisor
	if cfg.Worker.Enabled {
		launcher, err := workerLauncher(cfg.Worker)
		if err != nil {
			return err
		}
		sup = supervisor.New(supervisor.Config{
			Name:             "probe",
			HeartbeatTimeout: cfg.Worker.HeartbeatTimeout,
			StopGrace:        cfg.Worker.StopGrace,
			Backoff:          backoff.Policy{Base: cfg.Worker.RestartBackoff, Max: cfg.Worker.MaxBackoff},
			BreakerThreshold: cfg.Worker.BreakerThreshold,
			BreakerWindow:    cfg.Worker.BreakerWindow,
		}, launcher, l, logger)
	}

	sched := startup.New(startup.Config{
		CriticalTimeout:   cfg.Startup.CriticalTimeout,
		ImportantTimeout:  cfg.Startup.ImportantTimeout,
		BackgroundTimeout: cfg.Startup.BackgroundTimeout,
		Stagger:           cfg.Startup.Stagger,
		Concurrency:       cfg.Startup.Concurrency,
		TaskTimeout:       cfg.Startup.TaskTimeout,
	}, l, logger, startup.WithWatchdog(wd))

	plan := append(bootTasks(cfg, sup, sink), opts.Tasks...)
	for _, d := range plan {
		if err := sched.Add(d); err != nil {
			return fmt.Errorf("schedule %s: %w", d.Name, err)
		}
	}

	// The loop outlives ctx so that the supervisor can still be stopped.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() { _ = l.Run(loopCtx) }()
	if sup != nil {
		defer sup.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if fwd != nil {
		g.Go(func() error { return ignoreCanceled(fwd.Run(gctx)) })
	}
	g.Go(func() error { return ignoreCanceled(wd.Run(gctx)) })

	if !opts.DisableAPI {
		var control api.WorkerControl
		if sup != nil {
			control = sup
		}
		server := api.NewServer(board, control, cfg.Worker.Interval)
		g.Go(func() error { return server.Run(gctx, cfg.API.Port) })
	}

	g.Go(func() error {
		sum, err := sched.Execute(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Int("success", sum.SuccessCount).Int("failed", sum.FailCount).Msg("boot finished")
		return nil
	})

	err := g.Wait()
	if !sched.Wait(cfg.Startup.DrainTimeout) {
		log.Warn().Dur("timeout", cfg.Startup.DrainTimeout).Msg("startup work still running at shutdown")
	}
	return err
}

func workerLauncher(cfg config.Worker) (supervisor.ExecLauncher, error) {
	if cfg.Command != "" {
		return supervisor.ExecLauncher{Path: cfg.Command, Args: cfg.Args}, nil
	}
	self, err := os.Executable()
	if err != nil {
		return supervisor.ExecLauncher{}, fmt.Errorf("resolve own executable: %w", err)
	}
	return supervisor.ExecLauncher{Path: self, Args: []string{"worker"}}, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
