package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect email deliveries",
}

// failedCmd represents the delivery failed command
var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List deliveries that failed terminally",
	Long: `List the most recent deliveries that will not be retried, newest first.

Example:
  mailctl delivery failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		failed, err := newClient().FailedDeliveries(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list failed deliveries: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), failed)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Failed deliveries:")
		if len(failed) == 0 {
			fmt.Fprintln(out, "  No entries found")
			return nil
		}
		for i, d := range failed {
			fmt.Fprintf(out, "\n  Entry %d:\n", i+1)
			fmt.Fprintf(out, "    Issue ID: %s\n", d.IssueID)
			fmt.Fprintf(out, "    Recipient: %s\n", d.Email)
			fmt.Fprintf(out, "    Attempts: %d\n", d.Attempts)
			if d.LastError != "" {
				fmt.Fprintf(out, "    Error: %s\n", d.LastError)
			}
			fmt.Fprintf(out, "    Failed: %s\n", d.FailedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(failedCmd)

	failedCmd.Flags().Int("limit", 50, "maximum number of results (1-500)")
}
