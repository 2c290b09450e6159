package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the scheduler and the ops listener until interrupted.",
		Long: `serve consumes queued jobs with the worker pool, fires cron schedules when
scheduler.enabled is set and exposes /healthz, /readyz and /metrics on
server.port. SIGINT or SIGTERM stops intake and drains in-flight jobs.`,
		Annotations: map[string]string{keepQueueAnnotation: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			logger := appInstance.Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup
			if workers := appInstance.Workers(); workers != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					workers.Run(ctx)
				}()
			} else {
				logger.Info("inline queue configured, worker pool not started")
			}

			if cfg.Scheduler.Enabled {
				if err := appInstance.Scheduler().Start(ctx); err != nil {
					stop()
					wg.Wait()
					return fmt.Errorf("start scheduler: %w", err)
				}
			}

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           api.NewServer(logger.Named("api"), appInstance.ReadinessChecks()...).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("ops server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-serveErr:
				if err != nil {
					logger.Error("ops server failed", zap.Error(err))
					runErr = fmt.Errorf("ops server: %w", err)
				}
				stop()
			}

			if cfg.Scheduler.Enabled {
				appInstance.Scheduler().Stop()
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("ops server shutdown failed", zap.Error(err))
			}
			wg.Wait()
			logger.Info("shutdown complete")
			return runErr
		},
	}
}
