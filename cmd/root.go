package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/pkg/logging"
)

var (
	flagConfig   string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "localport",
	Short: "Supervise local-to-remote port forwards",
	Long: `localport keeps a declared set of TCP port forwards alive. It spawns
kubectl port-forward or ssh tunnel processes, verifies they actually carry
traffic with health probes, restarts them with backoff when they degrade,
and reconciles the running set whenever the configuration changes.`,
	// SilenceUsage prevents printing usage on errors we already report.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "localport version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./localport.yaml or ~/.config/localport/localport.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newReloadCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newOrphansCmd())
}

// configPath resolves the effective config file path.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	return config.DefaultConfigPath()
}

// initCLILogging sets up console-only logging for client commands.
func initCLILogging() {
	_ = logging.Init(logging.Options{Level: flagLogLevel, Console: true})
}
