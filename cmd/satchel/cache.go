package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/classkit/satchel/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [resource]",
	Short: "Clear cached records for one resource, or all of them",
	Long: `Drop the locally cached copy of a resource.

Dirty records with unsynced local changes are dropped too; sync first
if those changes matter.

Example usage:
  satchel cache clear assignments   # One resource
  satchel cache clear               # Every registered resource`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if len(args) == 1 {
			if err := a.store.ClearResource(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s cleared %s\n", ui.Pass("✓"), args[0])
			return nil
		}

		for _, res := range a.registry.All() {
			if err := a.store.ClearResource(ctx, res.Name); err != nil {
				return err
			}
			fmt.Printf("%s cleared %s\n", ui.Pass("✓"), res.Name)
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
