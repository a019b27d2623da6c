package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/daemon"
	"github.com/dawsonlp/localport/pkg/logging"
)

func newDaemonCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the localport daemon",
		Long: `Runs the supervisor in the foreground. All configured services are
started, health-monitored, and restarted per policy until the process
receives SIGTERM/SIGINT (orderly shutdown) or SIGHUP (config reload).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := configPath()
			if err != nil {
				return err
			}

			logPath, err := config.DaemonLogPath()
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot resolve log path: %v\n", err)
				os.Exit(daemon.ExitIO)
			}
			if err := logging.Init(logging.Options{
				Level:    flagLogLevel,
				FilePath: logPath,
				Console:  foreground,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "cannot initialize logging: %v\n", err)
				os.Exit(daemon.ExitIO)
			}
			defer logging.Sync()

			d := daemon.New(daemon.Options{
				ConfigPath: cfgPath,
				Version:    rootCmd.Version,
			})
			os.Exit(d.Run())
			return nil
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", true, "log to stderr in addition to the daemon log")
	return cmd
}
