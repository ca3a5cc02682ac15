package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/internal/logging"
)

// newWorkerCmd runs just the pipeline side of a distributed deployment:
// no HTTP surface, only the step queue subscriptions started by
// memory.MemoryBuilder.Build. Scaling workers independently from the
// API process is the point of the distributed orchestrator (spec §4.1).
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run pipeline handlers against the configured queue backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.QueueBackend != "nats" {
				return fmt.Errorf("worker: KM_QUEUE_BACKEND must be \"nats\" (got %q); the in-process orchestrator has no standalone worker", cfg.QueueBackend)
			}
			logger := logging.New(cfg.LogLevel)

			builder, cleanup, err := collaborators(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mem, err := builder.Build(ctx)
			if err != nil {
				return fmt.Errorf("build memory: %w", err)
			}
			defer mem.Close()

			logger.Info("kmctl worker started, draining step queues")
			<-ctx.Done()
			logger.Info("shutdown signal received")
			return nil
		},
	}
}
