package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/classkit/satchel/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue once",
	Long: `Run one sync pass over the mutation queue.

Queued mutations replay in priority order. Confirmed items are removed,
transient failures are retried on later passes, and server conflicts
are parked for review (see 'satchel queue list --status conflict').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.processor.Sync(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s %d synced in %s\n", ui.Pass("✓"), result.Processed, result.Duration.Round(time.Millisecond))
		for _, conflict := range result.Conflicts {
			fmt.Printf("%s conflict on %s (%s)\n", ui.Warn("⚠"), conflict.ItemID, conflict.Resource)
		}
		for _, itemErr := range result.Errors {
			fmt.Printf("%s failed %s (%s): %v\n", ui.Fail("✗"), itemErr.ItemID, itemErr.Resource, itemErr.Err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
