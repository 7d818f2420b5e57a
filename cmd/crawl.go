package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

func newCrawlCmd() *cobra.Command {
	var (
		category string
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts a crawl run",
		Long: `Mints a new generation, creates its indices and enqueues the first
list page. Workers started with "syllabus worker" execute the run. With
--follow the workers run in this process until the run is done or failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if follow {
				workerCtx, cancel := context.WithCancel(ctx)
				done := make(chan struct{})
				go func() {
					a.Dispatcher().Run(workerCtx)
					close(done)
				}()
				defer func() {
					cancel()
					<-done
				}()
			}

			run, err := a.Orchestrator().StartRun(ctx, category)
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started run %s (category %s)\n", run.Generation, run.Category)
			if !follow {
				return nil
			}

			final, err := waitForRun(ctx, a.Runs(), run.Generation, time.Second)
			if err != nil {
				return err
			}
			a.Logger().Info("run finished",
				zap.String("generation", final.Generation),
				zap.String("state", string(final.State)),
			)
			if final.State == syllabus.RunFailed {
				return fmt.Errorf("run %s failed: %s", final.Generation, final.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s done\n", final.Generation)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "search category (default from source.category)")
	cmd.Flags().BoolVar(&follow, "follow", false, "run workers in-process and wait for the run to finish")
	return cmd
}

// waitForRun polls the ledger until the run reaches done or failed.
func waitForRun(
	ctx context.Context,
	runs syllabus.RunStore,
	generation string,
	every time.Duration,
) (syllabus.Run, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := runs.GetRun(ctx, generation)
		if err != nil {
			return syllabus.Run{}, fmt.Errorf("get run %s: %w", generation, err)
		}
		if run.State == syllabus.RunDone || run.State == syllabus.RunFailed {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
