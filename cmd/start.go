package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/daemon"
	"github.com/dawsonlp/localport/internal/supervisor"
)

func newStartCmd() *cobra.Command {
	var (
		all  bool
		tags []string
	)

	cmd := &cobra.Command{
		Use:   "start [service...]",
		Short: "Start configured services",
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			client, err := dialDaemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			resp, err := client.Start(ctx, daemon.Selector{Services: args, Tags: tags, All: all})
			if err != nil {
				return err
			}
			printResults(resp.Results)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "start every enabled service")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "start services carrying a tag")
	return cmd
}

// dialDaemon connects to the control socket, failing with a hint when no
// daemon is running.
func dialDaemon() (*daemon.Client, error) {
	socketPath, err := config.SocketPath()
	if err != nil {
		return nil, err
	}
	client := daemon.NewClient(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !client.Ping(ctx) {
		return nil, fmt.Errorf("no daemon listening on %s (run `localport daemon` first)", socketPath)
	}
	return client, nil
}

func printResults(results []supervisor.Result) {
	for _, res := range results {
		status := "ok"
		if !res.OK {
			status = "failed"
		}
		if res.Detail != "" {
			fmt.Printf("%-20s %-8s %s\n", res.Name, status, res.Detail)
		} else {
			fmt.Printf("%-20s %s\n", res.Name, status)
		}
	}
}
