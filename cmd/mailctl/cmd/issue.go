package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mail/internal/issue"
)

// issueCmd represents the issue command
var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Publish newsletter issues and follow their delivery",
}

// publishCmd represents the issue publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a newsletter issue to every confirmed subscriber",
	Long: `Publish a newsletter issue. Content can be given inline or read from files.

Retrying with the same --idempotency-key returns the original answer instead
of sending the issue twice.

Example:
  mailctl issue publish --title "October" --html-file issue.html --text-file issue.txt --idempotency-key oct-2026`,
	RunE: func(cmd *cobra.Command, args []string) error {
		draft, err := draftFromFlags(cmd)
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("idempotency-key")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		accepted, err := newClient().PublishIssue(ctx, key, draft)
		if err != nil {
			return fmt.Errorf("failed to publish issue: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), accepted)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Published issue: %s\n", accepted.IssueID)
		fmt.Fprintf(out, "  Recipients: %d\n", accepted.Recipients)
		fmt.Fprintf(out, "  Status: %s\n", accepted.Status)
		return nil
	},
}

// deliveriesCmd represents the issue deliveries command
var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [issue-id]",
	Short: "Show outstanding deliveries of an issue",
	Long: `Show how many deliveries of an issue are still pending, in progress or
failed terminally. Sent deliveries leave the outbox and are not counted.

Example:
  mailctl issue deliveries 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid issue id %q: %w", args[0], err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := newClient().IssueDeliveries(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get deliveries: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Issue %s: %s\n", resp.IssueID, resp.Title)
		fmt.Fprintf(out, "  Published: %s\n", resp.PublishedAt.Format("2006-01-02 15:04:05"))
		for _, status := range []string{"pending", "in_progress", "failed_terminal"} {
			fmt.Fprintf(out, "  %-16s %d\n", status+":", resp.Counts[status])
		}
		fmt.Fprintf(out, "  Outstanding: %d\n", resp.Outstanding)
		return nil
	},
}

// draftFromFlags prefers file content over the inline flag of the same part.
func draftFromFlags(cmd *cobra.Command) (issue.Draft, error) {
	title, _ := cmd.Flags().GetString("title")
	html, _ := cmd.Flags().GetString("html")
	text, _ := cmd.Flags().GetString("text")
	htmlFile, _ := cmd.Flags().GetString("html-file")
	textFile, _ := cmd.Flags().GetString("text-file")

	if htmlFile != "" {
		b, err := os.ReadFile(htmlFile)
		if err != nil {
			return issue.Draft{}, fmt.Errorf("read html file: %w", err)
		}
		html = string(b)
	}
	if textFile != "" {
		b, err := os.ReadFile(textFile)
		if err != nil {
			return issue.Draft{}, fmt.Errorf("read text file: %w", err)
		}
		text = string(b)
	}

	d := issue.Draft{Title: title, HTMLContent: html, TextContent: text}
	if err := d.Validate(); err != nil {
		return issue.Draft{}, err
	}
	return d, nil
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.AddCommand(publishCmd)
	issueCmd.AddCommand(deliveriesCmd)

	publishCmd.Flags().String("title", "", "issue title")
	publishCmd.Flags().String("html", "", "HTML body")
	publishCmd.Flags().String("text", "", "plain text body")
	publishCmd.Flags().String("html-file", "", "read the HTML body from a file")
	publishCmd.Flags().String("text-file", "", "read the plain text body from a file")
	publishCmd.Flags().String("idempotency-key", "", "key that makes retries of this publish safe")
}
