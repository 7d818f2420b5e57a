package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		port        int
		withWorkers bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the query API",
		Long: `Serves GET /subjects/{id} and the run endpoints over the published
index. When schedule.cron is set, runs are also started on that schedule.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			logger := a.Logger()

			scheduler, err := a.Scheduler()
			if err != nil {
				return err
			}

			if port == 0 {
				port = a.Config().Server.Port
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           a.APIServer().Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			var wg sync.WaitGroup
			if scheduler != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					scheduler.Run(ctx)
				}()
			}
			if withWorkers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					a.Dispatcher().Run(ctx)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown", zap.Error(err))
			}
			stop()
			wg.Wait()
			if serveErr != nil {
				return fmt.Errorf("http server: %w", serveErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from server.port)")
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also run the worker pools in this process")
	return cmd
}
