package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect registered workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient()
		ctx, cancel := commandContext()
		defer cancel()

		workers, err := c.Workers(ctx)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}
		fmt.Printf("%-38s %-16s %-9s %-20s %-5s %s\n", "ID", "NAME", "STATUS", "LAST SEEN", "OK", "FAILED")
		for _, w := range workers {
			fmt.Printf("%-38s %-16s %-9s %-20s %-5d %d\n",
				w.ID, w.Name, w.Status, w.LastSeenAt.Format(time.RFC3339), w.CompletedBuilds, w.FailedBuilds)
		}
		return nil
	},
}

func init() {
	workersCmd.AddCommand(workersListCmd)
}
