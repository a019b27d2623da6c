package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration and reconcile running services",
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			client, err := dialDaemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			resp, err := client.Reload(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("reloaded: %d started, %d stopped, %d updated in place\n",
				len(resp.Summary.Started), len(resp.Summary.Stopped), len(resp.Summary.Updated))
			printResults(resp.Summary.Started)
			printResults(resp.Summary.Stopped)
			printResults(resp.Summary.Updated)
			return nil
		},
	}
}
