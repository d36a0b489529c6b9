package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicomweb-gateway/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict expired studies from the object cache once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if !a.Janitor.Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "eviction is disabled (CACHE_RETENTION_MINUTES < 0)")
				return nil
			}
			removed, err := a.Janitor.Sweep(ctx)
			if err != nil {
				return err
			}
			for _, uid := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), uid)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d studies evicted\n", len(removed))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
