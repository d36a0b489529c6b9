package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicomweb-gateway/internal/app"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
)

var echoCmd = &cobra.Command{
	Use:   "echo [aet]",
	Short: "C-ECHO every configured peer, or only the named one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var statuses []*models.ConnectionStatus
			if len(args) == 1 {
				status, err := a.Peers.TestConnection(ctx, args[0])
				if err != nil {
					return err
				}
				statuses = append(statuses, status)
			} else {
				var err error
				if statuses, err = a.Peers.EchoAll(ctx); err != nil {
					return err
				}
			}

			failed := 0
			for _, s := range statuses {
				state := "ok"
				if !s.IsConnected {
					state = "FAILED " + s.ErrorMessage
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %5dms  %s\n", s.Peer, s.ResponseTime, state)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d peers unreachable", failed, len(statuses))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(echoCmd)
}
