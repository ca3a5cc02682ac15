package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kernelmemory/km/internal/httpapi"
	"github.com/kernelmemory/km/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface (/upload, /ask, /search, ...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
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

			srv := httpapi.NewHTTPServer(&httpapi.Server{Memory: mem, Logger: logger}, httpapi.ServerOptions{
				Addr:         ":" + cfg.Port,
				CORSOrigin:   cfg.CORSOrigin,
				AuthHeader:   cfg.AuthHeader,
				AuthKeys:     cfg.AuthKeys,
				ServiceName:  cfg.ServiceName,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}, logger)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("kmctl serve starting", "port", cfg.Port)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			}

			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		},
	}
}
