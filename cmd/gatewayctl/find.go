package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicomweb-gateway/internal/app"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
)

var findCmd = &cobra.Command{
	Use:   "find <STUDY|SERIES|IMAGE> [key=value...]",
	Short: "Run a QIDO style search against every peer",
	Example: `  gatewayctl find STUDY PatientName=DOE includefield=StudyDescription
  gatewayctl find SERIES StudyInstanceUID=1.2.3`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := query.ParseLevel(args[0])
		if err != nil {
			return err
		}
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			results, err := a.Finder.Find(ctx, level, models.Identifier{}, params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		})
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
}

func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		params.Add(key, value)
	}
	return params, nil
}
