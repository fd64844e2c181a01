package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mlopslab/taxi-predictor/pkg/metrics"
	"github.com/mlopslab/taxi-predictor/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Args:  cobra.NoArgs,
	Short: "Run the prediction service",
	Long: `Loads the best model from the registry (training a bootstrap model when
the registry is empty), serves the prediction API, watches the registry
for new runs, and supervises the auxiliary dashboard processes until
SIGINT/SIGTERM or the stop file appears.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info("taxi-predictor starting",
		"version", version,
		"port", cfg.API.Port,
		"registry_root", cfg.Registry.Root,
	)

	sup, err := supervisor.New(cfg, logger, metrics.New())
	if err != nil {
		return err
	}

	return sup.Run(context.Background())
}
