package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"notification-monitor/internal/common/camunda"
	"notification-monitor/internal/monitor"
	"notification-monitor/internal/trigger"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run passes on the configured schedule and serve health, metrics and on-demand passes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			// Passes outlive the signal context so shutdown can drain them
			// through their own grace period.
			passCtx, cancelPasses := context.WithCancel(context.WithoutCancel(ctx))
			defer cancelPasses()

			scheduler, err := monitor.NewScheduler(cfg.Monitor.Schedule, cfg.Monitor.Timezone, a.runner, log)
			if err != nil {
				return err
			}

			checks := a.checks()

			var jobWorker *camunda.CamundaWorker
			if cfg.Camunda.Enabled {
				var zeebe *camunda.Client
				err = retryWithBackoff(ctx, func() error {
					var err error
					zeebe, err = camunda.NewClient(cfg.Camunda.BrokerAddress)
					return err
				}, 10, 2*time.Second, log, "Zeebe client initialization")
				if err != nil {
					return err
				}
				defer zeebe.Close()
				log.Info("Zeebe client connected successfully", nil)

				checks["zeebe"] = zeebe.HealthCheck
				handler := trigger.NewHandler(passCtx, a.runner, cfg.Monitor.PassDeadline+cfg.Monitor.ShutdownGrace, log)
				jobWorker = camunda.NewWorker(zeebe.GetClient(), camunda.WorkerConfig{
					JobType:       cfg.Camunda.JobType,
					MaxJobsActive: cfg.Camunda.MaxJobsActive,
					Timeout:       cfg.Camunda.Timeout,
				}, handler, log)
			}

			server := monitor.NewServer(passCtx, cfg.HTTP.Address, a.runner, a.runner.Phase, checks, log)
			serverErr := make(chan error, 1)
			go func() { serverErr <- server.ListenAndServe() }()

			scheduler.Start(passCtx)

			select {
			case <-ctx.Done():
				log.Info("Shutdown signal received, draining pass...", nil)
			case err = <-serverErr:
				if err != nil {
					log.Error("http server failed", map[string]interface{}{"error": err})
				}
			}

			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Monitor.ShutdownGrace+5*time.Second)
			defer cancel()

			// Interrupt every pass in flight, scheduled, HTTP or Zeebe, so all
			// of them drain within one grace period.
			cancelPasses()
			if stopErr := scheduler.Stop(drainCtx); stopErr != nil {
				log.Warn("scheduler did not drain", map[string]interface{}{"error": stopErr})
			}
			if jobWorker != nil {
				jobWorker.Stop()
			}
			if shutdownErr := server.Shutdown(drainCtx); shutdownErr != nil {
				log.Warn("http server shutdown incomplete", map[string]interface{}{"error": shutdownErr})
			}

			log.Info("notification monitor stopped gracefully", nil)
			return err
		},
	}
}
