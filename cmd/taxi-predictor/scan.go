package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlopslab/taxi-predictor/pkg/registry"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Args:  cobra.NoArgs,
	Short: "List the registry's candidate models",
	Long: `Scans the model registry and prints every run in ranking order: lowest
RMSE first, newest first among ties. Incomplete or malformed runs are
listed with the reason they were skipped.`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	root, err := registry.ResolveRoot(cfg.Registry.Root)
	if err != nil {
		return err
	}

	scanner := registry.New(root, cfg.Registry.ExperimentID, cfg.Registry.ModelName, logger)
	result, err := scanner.Scan()
	if err != nil {
		return err
	}

	if len(result.Candidates) == 0 && len(result.Skipped) == 0 {
		fmt.Printf("Registry %s has no runs\n", scanner.ExperimentDir())
		return registry.ErrNoModelAvailable
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tRUN\tRMSE\tUNIT\tTYPE\tTRAINED")
	for i, c := range result.Candidates {
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%s\t%s\t%s\n",
			i+1, c.RunID, c.RMSE, c.Unit, c.ModelType, c.TrainedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	if len(result.Skipped) > 0 {
		fmt.Println()
		fmt.Println("Skipped runs:")
		for _, c := range result.Skipped {
			fmt.Printf("  %s: %s\n", c.RunID, c.Reason)
		}
	}

	if len(result.Candidates) == 0 {
		return registry.ErrNoModelAvailable
	}
	return nil
}
