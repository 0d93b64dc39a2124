package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type tokenRequest struct {
	PublisherID string `json:"publisher_id"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token [publisher-id]",
	Short: "Mint a development token from the JWKS server",
	Long: `Ask the development JWKS server for a token on behalf of a publisher.

Example:
  export JWT_TOKEN=$(mailctl token publisher-1)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client := newAPIClient(jwksAddr, "", timeout)
		var resp tokenResponse
		req := tokenRequest{PublisherID: args[0], TTLSeconds: int64(ttl / time.Second)}
		if err := client.do(ctx, http.MethodPost, "/token", nil, req, &resp); err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (server default when unset)")
}
