package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dawsonlp/localport/internal/daemon"
)

func newStopCmd() *cobra.Command {
	var (
		all        bool
		tags       []string
		stopDaemon bool
	)

	cmd := &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop running services, or the whole daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			client, err := dialDaemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			if stopDaemon {
				return client.Shutdown(ctx)
			}

			resp, err := client.Stop(ctx, daemon.Selector{Services: args, Tags: tags, All: all})
			if err != nil {
				return err
			}
			printResults(resp.Results)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "stop every running service")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "stop services carrying a tag")
	cmd.Flags().BoolVar(&stopDaemon, "daemon", false, "shut the daemon itself down")
	return cmd
}
