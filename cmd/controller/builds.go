package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sethwebster/expo-free-agent/pkg/client"
)

var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "Inspect and manage builds",
}

var buildsSubmitCmd = &cobra.Command{
	Use:   "submit SOURCE",
	Short: "Submit a source bundle for building",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		credentials, _ := cmd.Flags().GetString("credentials")

		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		res, err := c.Submit(ctx, platform, args[0], credentials)
		if err != nil {
			return err
		}
		fmt.Printf("Build %s submitted (%s)\n", res.ID, res.Status)
		fmt.Printf("Build token: %s\n", res.BuildToken)
		return nil
	},
}

var buildsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List assigned and building builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		active, err := c.ActiveBuilds(ctx)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			fmt.Println("No active builds")
			return nil
		}
		fmt.Printf("%-38s %-9s %-10s %s\n", "ID", "PLATFORM", "STATUS", "WORKER")
		for _, b := range active {
			fmt.Printf("%-38s %-9s %-10s %s\n", b.ID, b.Platform, b.Status, b.WorkerID)
		}
		return nil
	},
}

var buildsStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a build's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		b, err := c.BuildStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Build:     %s\n", b.ID)
		fmt.Printf("Platform:  %s\n", b.Platform)
		fmt.Printf("Status:    %s\n", b.Status)
		fmt.Printf("Submitted: %s\n", b.SubmittedAt.Format(time.RFC3339))
		if b.WorkerID != "" {
			fmt.Printf("Worker:    %s\n", b.WorkerID)
		}
		if b.CompletedAt != nil {
			fmt.Printf("Finished:  %s\n", b.CompletedAt.Format(time.RFC3339))
		}
		if b.Failure != "" {
			fmt.Printf("Failure:   %s\n", b.Failure)
		}
		return nil
	},
}

var buildsLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Show a build's log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		entries, err := c.BuildLogs(ctx, args[0], limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s [%s] %s\n", e.InsertedAt.Format(time.RFC3339), e.Severity, e.Message)
		}
		return nil
	},
}

var buildsCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		if err := c.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Build %s cancelled\n", args[0])
		return nil
	},
}

var buildsRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Create a new build from a finished one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		res, err := c.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Build %s resubmitted as %s\n", args[0], res.ID)
		fmt.Printf("Build token: %s\n", res.BuildToken)
		return nil
	},
}

var buildsDownloadCmd = &cobra.Command{
	Use:   "download ID OUTPUT",
	Short: "Download a completed build's result artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()

		n, err := c.DownloadResult(ctx, args[0], out)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", n, args[1])
		return nil
	},
}

func newAdminClient() *client.Client {
	return client.NewClient(flagAddr, flagAdminKey)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func init() {
	buildsCmd.AddCommand(buildsSubmitCmd)
	buildsCmd.AddCommand(buildsActiveCmd)
	buildsCmd.AddCommand(buildsStatusCmd)
	buildsCmd.AddCommand(buildsLogsCmd)
	buildsCmd.AddCommand(buildsCancelCmd)
	buildsCmd.AddCommand(buildsRetryCmd)
	buildsCmd.AddCommand(buildsDownloadCmd)

	buildsSubmitCmd.Flags().String("platform", "", "Target platform (ios or android)")
	buildsSubmitCmd.Flags().String("credentials", "", "Optional signing credentials bundle")
	buildsSubmitCmd.MarkFlagRequired("platform")

	buildsLogsCmd.Flags().Int("limit", 0, "Maximum entries to fetch (0 = all)")
}
