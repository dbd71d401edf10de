package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version string

	flagConfig string
)

var rootCmd = &cobra.Command{
	Use:   "vitalsguard",
	Short: "Security gateway for medical IoT vitals ingestion",
	Long: `vitalsguard verifies vitals telemetry before it is stored.

Each message is rate limited, checked for freshness and replay, matched
against its rotating device token and authenticated with the tenant key.
Rejections are classified and written to the anomaly log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to the YAML config file (env overrides: VITALSGUARD_*)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(anomaliesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		v := version
		if v == "" {
			v = "dev"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vitalsguard %s (%s/%s, %s)\n", v, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
