package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/classkit/satchel/internal/ui"
)

var pullCmd = &cobra.Command{
	Use:   "pull <resource>",
	Short: "Load a resource, refreshing from the server when stale",
	Long: `Load every record of a resource through the sync facade.

When online and the local copy is stale (or --force is given), the full
collection is refetched and the cache atomically replaced; records with
pending local changes survive the swap. When the refresh fails or the
device is offline, the cached copy is served as-is.

Example usage:
  satchel pull assignments
  satchel pull grades --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		force, _ := cmd.Flags().GetBool("force")

		facade, err := a.facade(args[0])
		if err != nil {
			return err
		}
		defer facade.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a.monitor.Probe(ctx)

		recs, err := facade.LoadAll(ctx, force)
		if err != nil {
			return err
		}

		status, err := facade.Status(ctx)
		if err != nil {
			return err
		}
		if status.LastError != "" {
			fmt.Printf("%s refresh failed, serving cached copy: %s\n", ui.Warn("⚠"), status.LastError)
		}

		if len(recs) == 0 {
			fmt.Println(ui.Muted("No records"))
			return nil
		}
		for _, rec := range recs {
			marker := ui.Pass("✓")
			if rec.Dirty {
				marker = ui.Warn("●")
			}
			id := rec.RemoteID
			if id == "" {
				id = rec.LocalID
			}
			fmt.Printf("%s %s  %s\n", marker, id, rec.Payload)
		}
		return nil
	},
}

func init() {
	pullCmd.Flags().Bool("force", false, "Refresh from the server even if the cache is fresh")
	rootCmd.AddCommand(pullCmd)
}
