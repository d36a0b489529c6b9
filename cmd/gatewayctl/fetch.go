package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicomweb-gateway/internal/app"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <study> [series] [instance]",
	Short: "Retrieve a study, series or instance into the object cache",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := models.Identifier{StudyInstanceUID: args[0]}
		if len(args) > 1 {
			id.SeriesInstanceUID = args[1]
		}
		if len(args) > 2 {
			id.SOPInstanceUID = args[2]
		}
		level := query.Implied(id)

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			start := time.Now()
			if err := a.Coordinator.EnsureRetrieved(ctx, level, id); err != nil {
				return err
			}
			files, err := a.Store.Instances(id.StudyInstanceUID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retrieved %s %s in %s, %d instances cached for study\n",
				level, level.LockID(id), time.Since(start).Round(time.Millisecond), len(files))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
