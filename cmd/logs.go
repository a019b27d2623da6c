package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var pathOnly bool

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show the log file of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			client, err := dialDaemon()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			resp, err := client.Logs(ctx, args[0])
			if err != nil {
				return err
			}

			if pathOnly {
				fmt.Println(resp.Path)
				return nil
			}

			f, err := os.Open(resp.Path)
			if err != nil {
				return fmt.Errorf("opening %s: %w", resp.Path, err)
			}
			defer f.Close()
			_, err = io.Copy(os.Stdout, f)
			return err
		},
	}

	cmd.Flags().BoolVar(&pathOnly, "path", false, "print the log path instead of its contents")
	return cmd
}
