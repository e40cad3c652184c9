package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// DlqCmd inspects and manages the dead-letter queue.
var DlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-letter queue",
	Long: `Manage the dead-letter queue.

Executions that exhaust their dispatch retry budget land here with the
error that killed them. Entries expire after the configured retention.

Examples:
  cadence dlq ls
  cadence dlq stats
  cadence dlq reprocess exec_6f1c2a
  cadence dlq rm exec_6f1c2a`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dlqLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List dead-letter entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		taskName, _ := cmd.Flags().GetString("task")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		entries, err := rt.queue.List(cmd.Context(), limit, offset, taskName)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("Dead-letter queue is empty")
			return nil
		}
		for _, entry := range entries {
			flag := " "
			if entry.Reprocessed {
				flag = "R"
			}
			fmt.Printf("%s %s  %-22s retries=%d  %s  %s\n",
				flag, entry.TaskID, entry.TaskName, entry.RetryCount,
				entry.FailedAt.Format(time.RFC3339), entry.Error.Message)
		}
		return nil
	},
}

var dlqGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one dead-letter entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		entry, err := rt.queue.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Entries:   %d (sampled %d)\n", stats.Total, stats.SampleSize)
		if stats.OldestSeen != nil {
			fmt.Printf("Oldest:    %s\n", stats.OldestSeen.Format(time.RFC3339))
		}
		if stats.NewestSeen != nil {
			fmt.Printf("Newest:    %s\n", stats.NewestSeen.Format(time.RFC3339))
		}
		if len(stats.ByTaskName) > 0 {
			fmt.Println("By task:")
			names := make([]string, 0, len(stats.ByTaskName))
			for name := range stats.ByTaskName {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %-24s %d (lifetime %d)\n",
					name, stats.ByTaskName[name], stats.Counters[name])
			}
		}
		return nil
	},
}

var dlqReprocessCmd = &cobra.Command{
	Use:   "reprocess <task-id>",
	Short: "Re-enqueue a dead-letter entry with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		newID, err := rt.queue.Reprocess(cmd.Context(), args[0], rt.tasks)
		if err != nil {
			return err
		}
		if newID == "" {
			fmt.Printf("Entry %s has no registered task type, left in place\n", args[0])
			return nil
		}
		fmt.Printf("Reprocessed %s as %s\n", args[0], newID)
		return nil
	},
}

var dlqRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Remove a dead-letter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		removed, err := rt.queue.Remove(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("No entry %s\n", args[0])
			return nil
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func init() {
	DlqCmd.PersistentFlags().String("config", "", "Path to config file")

	dlqLsCmd.Flags().Int("limit", 20, "Maximum entries to list")
	dlqLsCmd.Flags().Int("offset", 0, "Entries to skip")
	dlqLsCmd.Flags().String("task", "", "Filter by task name")

	DlqCmd.AddCommand(dlqLsCmd)
	DlqCmd.AddCommand(dlqGetCmd)
	DlqCmd.AddCommand(dlqStatsCmd)
	DlqCmd.AddCommand(dlqReprocessCmd)
	DlqCmd.AddCommand(dlqRmCmd)
}
