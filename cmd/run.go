package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"taskvisor/internal/app"
	"taskvisor/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		port      int
		noWorker  bool
		noAPI     bool
		envFile   string
		logLevel  string
		logPretty bool
	)

	var command = &cobra.Command{
		Use:   "run",
		Short: "Run the startup sequence and keep supervising",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			if noWorker {
				cfg.Worker.Enabled = false
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			setupLogger(cfg.Log.Level, cfg.Log.Pretty || logPretty)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().
				Bool("worker", cfg.Worker.Enabled).
				Bool("redis", cfg.Redis.Enabled()).
				Msg("starting taskvisor")
			return app.Run(ctx, cfg, app.Options{DisableAPI: noAPI})
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port of the status server")
	command.Flags().BoolVar(&noWorker, "no-worker", false, "Do not supervise a worker process")
	command.Flags().BoolVar(&noAPI, "no-api", false, "Do not start the status server")
	command.Flags().StringVar(&envFile, "env-file", ".env", "Environment file loaded when present")
	command.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	command.Flags().BoolVar(&logPretty, "pretty", false, "Human readable log output")
	return command
}
