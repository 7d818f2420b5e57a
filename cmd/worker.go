package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs the list and detail worker pools",
		Long: `Consumes list and detail tasks from the Redis queue until interrupted.
Any number of worker processes may share one queue. A held task carries a
lease that its worker renews, so crawl.recover_on_start only reclaims tasks
left behind by a process that stopped renewing. Alias swaps are serialized
by a Redis lock.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			a.Dispatcher().Run(cmd.Context())
			return nil
		},
	}
}
