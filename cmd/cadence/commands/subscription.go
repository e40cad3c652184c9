package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/subscription"
)

// SubCmd manages subscriptions.
var SubCmd = &cobra.Command{
	Use:   "sub",
	Short: "Manage background-job subscriptions",
	Long: `Manage background-job subscriptions.

Subscriptions bind a trigger (cron, interval, one_time, or event) to a
prompt template. Enabled subscriptions fire when their trigger is due.

Examples:
  cadence sub ls --user alice
  cadence sub create --user alice --name digest \
    --trigger '{"type":"cron","expression":"0 9 * * *","timezone":"UTC"}' \
    --prompt 'Summarize activity for {{date}}'
  cadence sub fire sub_6f1c2a
  cadence sub disable sub_6f1c2a

Subscriptions are never hard-deleted; disable one to stop future firings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var subLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		user, _ := cmd.Flags().GetString("user")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		var subs []*subscription.Subscription
		if user != "" {
			subs, err = rt.subs.ListByUser(cmd.Context(), user)
		} else {
			subs, err = rt.subs.ListAll(cmd.Context())
		}
		if err != nil {
			return err
		}

		if len(subs) == 0 {
			fmt.Println("No subscriptions")
			return nil
		}
		for _, sub := range subs {
			state := "enabled"
			if !sub.Enabled {
				state = "disabled"
			}
			next := "-"
			if sub.NextExecutionTime != nil {
				next = sub.NextExecutionTime.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-10s %-8s next=%s  runs=%d ok=%d fail=%d  %s\n",
				sub.ID, sub.TriggerType, state, next,
				sub.ExecutionCount, sub.SuccessCount, sub.FailureCount, sub.Name)
		}
		return nil
	},
}

var subCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		user, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		triggerJSON, _ := cmd.Flags().GetString("trigger")
		promptTemplate, _ := cmd.Flags().GetString("prompt")
		disabled, _ := cmd.Flags().GetBool("disabled")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		sub := &subscription.Subscription{
			UserID:         user,
			Name:           name,
			TriggerConfig:  triggerJSON,
			PromptTemplate: promptTemplate,
			Enabled:        !disabled,
		}
		if err := rt.svc.CreateSubscription(cmd.Context(), sub); err != nil {
			return err
		}

		fmt.Printf("Created %s (%s)\n", sub.ID, sub.TriggerType)
		if sub.NextExecutionTime != nil {
			fmt.Printf("  Next execution: %s\n", sub.NextExecutionTime.Format(time.RFC3339))
		}
		if sub.WebhookToken != "" {
			// The secret is only shown here; it is not printed by ls.
			fmt.Printf("  Webhook URL:    /hooks/%s\n", sub.WebhookToken)
			fmt.Printf("  Webhook secret: %s\n", sub.WebhookSecret)
		}
		return nil
	},
}

var subEnableCmd = &cobra.Command{
	Use:   "enable <subscription-id>",
	Short: "Enable a subscription and recompute its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubEnabled(cmd, args[0], true)
	},
}

var subDisableCmd = &cobra.Command{
	Use:   "disable <subscription-id>",
	Short: "Disable a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSubEnabled(cmd, args[0], false)
	},
}

var subFireCmd = &cobra.Command{
	Use:   "fire <subscription-id>",
	Short: "Fire a subscription immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		execID, err := rt.svc.FireNow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Fired, execution %s\n", execID)
		return nil
	},
}

func setSubEnabled(cmd *cobra.Command, subID string, enabled bool) error {
	configPath, _ := cmd.Flags().GetString("config")

	rt, err := buildRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.svc.SetSubscriptionEnabled(cmd.Context(), subID, enabled); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("Enabled %s\n", subID)
	} else {
		fmt.Printf("Disabled %s\n", subID)
	}
	return nil
}

func init() {
	SubCmd.PersistentFlags().String("config", "", "Path to config file")

	subLsCmd.Flags().String("user", "", "List only this user's subscriptions")

	subCreateCmd.Flags().String("user", "", "Owning user id")
	subCreateCmd.Flags().String("name", "", "Subscription name")
	subCreateCmd.Flags().String("trigger", "", `Trigger config JSON (tagged by "type")`)
	subCreateCmd.Flags().String("prompt", "", "Prompt template with {{placeholders}}")
	subCreateCmd.Flags().Bool("disabled", false, "Create the subscription disabled")
	subCreateCmd.MarkFlagRequired("user")
	subCreateCmd.MarkFlagRequired("name")
	subCreateCmd.MarkFlagRequired("trigger")
	subCreateCmd.MarkFlagRequired("prompt")

	SubCmd.AddCommand(subLsCmd)
	SubCmd.AddCommand(subCreateCmd)
	SubCmd.AddCommand(subEnableCmd)
	SubCmd.AddCommand(subDisableCmd)
	SubCmd.AddCommand(subFireCmd)
}
