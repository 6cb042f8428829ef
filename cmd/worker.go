package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"taskvisor/internal/probe"
	"time"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var logLevel string

	var command = &cobra.Command{
		Use:   "worker <interval-ms>",
		Short: "Run the probe worker, emitting JSON lines on stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.Atoi(args[0])
			if err != nil || ms <= 0 {
				return fmt.Errorf("invalid interval %q", args[0])
			}
			setupLogger(logLevel, false)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := &probe.Worker{
				Interval:  time.Duration(ms) * time.Millisecond,
				Out:       os.Stdout,
				Collector: probe.NewRuntimeCollector(),
			}
			return w.Run(ctx)
		},
	}

	command.Flags().StringVar(&logLevel, "log-level", "warn", "Log level of the worker (logs go to stderr)")
	return command
}
