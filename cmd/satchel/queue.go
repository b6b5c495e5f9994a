package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/classkit/satchel/internal/queue"
	"github.com/classkit/satchel/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `List queued mutations in replay order.

Example usage:
  satchel queue list                     # Everything still queued
  satchel queue list --status conflict   # Mutations parked on a conflict
  satchel queue list --status failed     # Mutations out of retries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		statusFilter, _ := cmd.Flags().GetString("status")

		var items []*queue.Item
		if statusFilter != "" {
			items, err = a.queue.ListByStatus(cmd.Context(), queue.Status(statusFilter))
		} else {
			items, err = a.queue.List(cmd.Context())
		}
		if err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println(ui.Muted("Queue is empty"))
			return nil
		}

		for _, item := range items {
			status := string(item.Status)
			switch item.Status {
			case queue.StatusConflict:
				status = ui.Warn(status)
			case queue.StatusFailed:
				status = ui.Fail(status)
			}
			fmt.Printf("%s  %-8s %-6s %-30s %s retries=%d\n",
				item.ID, item.Priority, item.Method, item.URL, status, item.RetryCount)
			if item.LastError != "" {
				fmt.Printf("    %s\n", ui.Muted(item.LastError))
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue conflicted or failed mutations",
	Long: `Reset parked mutations to pending so the next sync pass replays them.

Conflicts stay parked until this command runs: the engine never retries
a conflicted mutation on its own. Use --failed to also requeue
mutations that ran out of retries.

Example usage:
  satchel queue retry            # Requeue conflicts
  satchel queue retry --failed   # Requeue conflicts and failures`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		n, err := a.queue.RetryConflicts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d conflicted mutations\n", n)

		if includeFailed, _ := cmd.Flags().GetBool("failed"); includeFailed {
			n, err := a.queue.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d failed mutations\n", n)
		}
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "Filter by status (pending, syncing, failed, conflict)")
	queueRetryCmd.Flags().Bool("failed", false, "Also requeue mutations that ran out of retries")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
