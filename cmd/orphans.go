package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newOrphansCmd() *cobra.Command {
	var cleanup bool

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List or clean up forwards left over from removed configuration",
		Long: `An orphan is a forwarder this daemon (or a previous run) spawned whose
service no longer appears in the configuration. Orphans are never adopted
or killed automatically; this command lists them and, with --cleanup,
terminates them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			client, err := dialDaemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if cleanup {
				resp, err := client.CleanupOrphans(ctx, nil)
				if err != nil {
					return err
				}
				printResults(resp.Results)
				return nil
			}

			resp, err := client.Orphans(ctx)
			if err != nil {
				return err
			}
			if len(resp.Orphans) == 0 {
				fmt.Println("no orphans")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tPID\tLOCAL\tALIVE\tSTARTED")
			for _, o := range resp.Orphans {
				fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%s\n",
					o.Name, o.PID, o.LocalPort, o.Alive, o.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "terminate all orphans")
	return cmd
}
