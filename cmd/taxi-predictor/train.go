package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlopslab/taxi-predictor/pkg/config"
	"github.com/mlopslab/taxi-predictor/pkg/registry"
	"github.com/mlopslab/taxi-predictor/pkg/training"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Args:  cobra.NoArgs,
	Short: "Train a baseline model and publish it to the registry",
	Long: `Fits a linear duration model on synthetic trips drawn from the configured
service area and publishes the run to the model registry. A running serve
process picks the new run up automatically.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().Int("samples", 0, "synthetic trips to generate (default 5000)")
	trainCmd.Flags().Int64("seed", 0, "random seed (default time-based)")
}

func runTrain(cmd *cobra.Command, args []string) error {
	samples, _ := cmd.Flags().GetInt("samples")
	seed, _ := cmd.Flags().GetInt64("seed")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	box, err := config.ParseBoundingBox(cfg.Features.BoundingBox)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	root, err := registry.ResolveRoot(cfg.Registry.Root)
	if err != nil {
		return err
	}

	trainer := training.New(box, loc, logger)
	res, err := trainer.Train(root, cfg.Registry.ExperimentID, cfg.Registry.ModelName, training.Options{
		Samples: samples,
		Seed:    seed,
	})
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	fmt.Printf("Published run %s\n", res.RunID)
	fmt.Printf("  RMSE:      %.3f minutes\n", res.RMSE)
	fmt.Printf("  Samples:   %d\n", res.Samples)
	fmt.Printf("  Artifacts: %s\n", res.ArtifactDir)
	return nil
}
