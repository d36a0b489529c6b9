package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/otcheredev/dicomweb-gateway/internal/app"
	"github.com/otcheredev/dicomweb-gateway/internal/config"
	"github.com/otcheredev/dicomweb-gateway/pkg/logger"
)

var (
	timeout  time.Duration
	logLevel string
)

// newApp is replaced in tests to inject a scripted engine
var newApp = func(cfg *config.Config) (*app.App, error) {
	return app.New(cfg, logger.Get())
}

var rootCmd = &cobra.Command{
	Use:           "gatewayctl",
	Short:         "Operator tool for the DICOMweb gateway",
	Long:          `gatewayctl talks to the configured DIMSE peers and object cache directly, using the same environment as the gateway server.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for the command")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
}

// withApp loads the configuration, builds the gateway and runs fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	logger.Init(logLevel, "console")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
