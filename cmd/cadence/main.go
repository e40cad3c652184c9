package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - background-job scheduling engine",
	Long: `Cadence - subscription-based background-job scheduling engine.

Cadence binds triggers (cron, interval, one_time, event) to prompt
templates and fires them through pluggable scheduler backends, tracking
every execution through a versioned state machine.

Available commands:
  serve  - Run the scheduling engine (backend + due-check + HTTP)
  sub    - Manage subscriptions
  dlq    - Inspect and reprocess the dead-letter queue

Examples:
  cadence serve                     # Run the engine in the foreground
  cadence sub ls --user alice       # List a user's subscriptions
  cadence dlq stats                 # Dead-letter queue statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SubCmd)
	rootCmd.AddCommand(commands.DlqCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
