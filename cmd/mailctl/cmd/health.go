package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the publisher service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		out := cmd.OutOrStdout()
		status, err := newClient().Health(ctx)
		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr):
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d)\n", apiErr.Status)
			return nil
		case err != nil:
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(out, status)
			return nil
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
