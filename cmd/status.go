package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			client, err := dialDaemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			resp, err := client.Status(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			fmt.Printf("daemon: pid %d, %s, up %s, %d/%d forwards active\n\n",
				resp.Daemon.PID,
				resp.Daemon.State,
				(time.Duration(resp.Daemon.UptimeSeconds) * time.Second).String(),
				resp.Daemon.ActiveForwards,
				resp.Daemon.ManagedServices,
			)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tSTATE\tHEALTH\tPID\tLOCAL\tREMOTE\tRESTARTS\tUPTIME")
			for _, svc := range resp.Services {
				uptime := ""
				if svc.UptimeSeconds > 0 {
					uptime = (time.Duration(svc.UptimeSeconds) * time.Second).String()
				}
				pid := ""
				if svc.PID != 0 {
					pid = fmt.Sprintf("%d", svc.PID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					svc.Name, svc.State, svc.Health, pid,
					svc.LocalPort, svc.RemotePort, svc.RestartAttempts, uptime)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable output")
	return cmd
}
