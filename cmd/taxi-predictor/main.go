package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mlopslab/taxi-predictor/pkg/api"
	"github.com/mlopslab/taxi-predictor/pkg/config"
	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/registry"
)

// Exit codes of every subcommand:
//
//	0 clean shutdown
//	1 unexpected runtime error
//	2 configuration error
//	3 no usable model
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
	exitNoModel = 3
)

var (
	// Global flags
	cfgFile string
	verbose bool
	version = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "taxi-predictor",
	Short: "Taxi trip duration prediction service",
	Long: `Taxi Predictor serves trip duration predictions over HTTP from the best
model in an on-disk registry. It hot-reloads models as new training runs
appear, supervises the auxiliary dashboard processes, and can bootstrap a
baseline model when the registry is empty.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(scanCmd)
}

// loadConfig reads .env (when present), then the YAML file, then the
// environment overrides
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the service logger from configuration; --verbose
// forces debug level
func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.Level(cfg.Framework.LogLevel)
	if verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: logging.Format(cfg.Framework.LogFormat),
		Output: os.Stdout,
	})
}

func exitCodeFor(err error) int {
	var cfgErr *config.ConfigurationError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, registry.ErrNoModelAvailable):
		return exitNoModel
	default:
		return exitRuntime
	}
}

func main() {
	api.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
