package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/classkit/satchel/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync health",
	Long: `Show the device's sync health: connectivity, queue depth by
status, and per-resource dirty counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()

		// One active probe so status reflects reality, not the last
		// daemon observation.
		state := a.monitor.Probe(ctx)

		fmt.Println(ui.Title("Network"))
		if state.Online {
			fmt.Printf("  %s online (%s)\n", ui.StatusDot(true), state.Quality)
		} else {
			fmt.Printf("  %s offline\n", ui.StatusDot(false))
		}

		counts, err := a.queue.CountByStatus(ctx)
		if err != nil {
			return err
		}
		depth, err := a.queue.Depth(ctx)
		if err != nil {
			return err
		}

		fmt.Println(ui.Title("Queue"))
		fmt.Printf("  depth: %d\n", depth)
		for status, n := range counts {
			if n == 0 {
				continue
			}
			label := string(status)
			switch status {
			case "conflict":
				label = ui.Warn(label)
			case "failed":
				label = ui.Fail(label)
			}
			fmt.Printf("  %s: %d\n", label, n)
		}

		fmt.Println(ui.Title("Resources"))
		for _, res := range a.registry.All() {
			dirty, err := a.store.DirtyCount(ctx, res.Name)
			if err != nil {
				return err
			}
			total, err := a.store.Count(ctx, res.Name)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("  %s: %d records", res.Name, total)
			if dirty > 0 {
				line += ui.Warn(fmt.Sprintf(" (%d dirty)", dirty))
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
