package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the prediction service configuration
type Config struct {
	Framework FrameworkConfig `yaml:"framework"`
	Registry  RegistryConfig  `yaml:"registry"`
	API       APIConfig       `yaml:"api"`
	Features  FeaturesConfig  `yaml:"features"`
	Processes ProcessesConfig `yaml:"processes"`
	Trips     TripsConfig     `yaml:"trips"`
}

// FrameworkConfig contains general settings
type FrameworkConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RegistryConfig locates the on-disk model registry
type RegistryConfig struct {
	Root         string `yaml:"root"`
	ExperimentID string `yaml:"experiment_id"`
	ModelName    string `yaml:"model_name"`
}

// APIConfig contains HTTP server settings
type APIConfig struct {
	Port              int      `yaml:"port"`
	PredictionTimeout Duration `yaml:"prediction_timeout"`
	HealthTimeout     Duration `yaml:"health_timeout"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
}

// Duration is a time.Duration that YAML-decodes from strings like "2s"
type Duration time.Duration

// Std returns the standard library representation
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\" or integer milliseconds")
	}
	*d = Duration(time.Duration(n) * time.Millisecond)
	return nil
}

// FeaturesConfig controls feature derivation
type FeaturesConfig struct {
	// BoundingBox is "minLat,minLon,maxLat,maxLon"
	BoundingBox string `yaml:"bounding_box"`
	// Timezone is the operating city's timezone name, or "Local".
	// Temporal features mean "rush hour in the operating city", so this
	// is deployment configuration, never a per-request parameter.
	Timezone string `yaml:"timezone"`
}

// ProcessesConfig contains auxiliary subprocess settings
type ProcessesConfig struct {
	Disabled       bool   `yaml:"disabled"`
	DashboardPort  int    `yaml:"dashboard_port"`
	TrackingUIPort int    `yaml:"tracking_ui_port"`
	DashboardCmd   string `yaml:"dashboard_cmd"`
	TrackingUICmd  string `yaml:"tracking_ui_cmd"`
	StopFile       string `yaml:"stop_file"`
}

// TripsConfig points at the optional read-only trip history store
type TripsConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// ConfigurationError marks errors that should exit with code 2
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Framework: FrameworkConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Registry: RegistryConfig{
			Root:         "./data/mlruns",
			ExperimentID: "1",
			ModelName:    "models",
		},
		API: APIConfig{
			Port:              8000,
			PredictionTimeout: Duration(2 * time.Second),
			HealthTimeout:     Duration(1 * time.Second),
			ShutdownGrace:     Duration(10 * time.Second),
		},
		Features: FeaturesConfig{
			BoundingBox: "40.5,-74.3,40.9,-73.7",
			Timezone:    "Local",
		},
		Processes: ProcessesConfig{
			Disabled:       false,
			DashboardPort:  8506,
			TrackingUIPort: 5000,
			DashboardCmd:   "streamlit run dashboard/app.py --server.port $DASHBOARD_PORT --server.headless true",
			TrackingUICmd:  "mlflow ui --host 0.0.0.0 --port $TRACKING_UI_PORT",
			StopFile:       "/tmp/taxi-predictor-stop",
		},
		Trips: TripsConfig{},
	}
}

// Load loads configuration from a YAML file, then applies environment
// variable overrides. The implicit ./config.yaml default may be absent;
// an explicitly given path must exist. Env vars win over file values so
// containerized deployments need no config file at all.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("cannot parse config file: %v", err)}
		}
	case os.IsNotExist(err) && !explicit:
		// No default file, run on defaults + env
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("cannot read config file: %v", err)}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays the documented environment variables
func (c *Config) applyEnv() error {
	if v := os.Getenv("MODEL_REGISTRY_ROOT"); v != "" {
		c.Registry.Root = v
	}
	if v := os.Getenv("EXPERIMENT_ID"); v != "" {
		c.Registry.ExperimentID = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		c.Registry.ModelName = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Reason: "API_PORT is not an integer: " + v}
		}
		c.API.Port = port
	}
	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Reason: "DASHBOARD_PORT is not an integer: " + v}
		}
		c.Processes.DashboardPort = port
	}
	if v := os.Getenv("TRACKING_UI_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Reason: "TRACKING_UI_PORT is not an integer: " + v}
		}
		c.Processes.TrackingUIPort = port
	}
	if v := os.Getenv("PREDICTION_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return &ConfigurationError{Reason: "PREDICTION_TIMEOUT_MS must be a positive integer: " + v}
		}
		c.API.PredictionTimeout = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v := os.Getenv("BOUNDING_BOX"); v != "" {
		c.Features.BoundingBox = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Features.Timezone = v
	}
	if v := os.Getenv("DISABLE_SUBPROCESSES"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigurationError{Reason: "DISABLE_SUBPROCESSES must be a boolean: " + v}
		}
		c.Processes.Disabled = disabled
	}
	if v := os.Getenv("TRIPS_DB_URL"); v != "" {
		c.Trips.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Framework.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Framework.LogFormat = v
	}
	return nil
}

// BoundingBox is the accepted coordinate range for requests
type BoundingBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// Contains reports whether the point lies inside the box
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// ParseBoundingBox parses the "minLat,minLon,maxLat,maxLon" form
func ParseBoundingBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, &ConfigurationError{Reason: "bounding box needs 4 comma-separated values: " + s}
	}

	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, &ConfigurationError{Reason: "bounding box value is not numeric: " + p}
		}
		vals[i] = f
	}

	box := BoundingBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
	if box.MinLat >= box.MaxLat || box.MinLon >= box.MaxLon {
		return BoundingBox{}, &ConfigurationError{Reason: "bounding box min must be below max: " + s}
	}
	return box, nil
}

// Location resolves the configured timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Features.Timezone == "" || strings.EqualFold(c.Features.Timezone, "Local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Features.Timezone)
	if err != nil {
		return nil, &ConfigurationError{Reason: "unknown timezone: " + c.Features.Timezone}
	}
	return loc, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Registry.Root == "" {
		return &ConfigurationError{Reason: "registry.root is required"}
	}
	if c.Registry.ExperimentID == "" {
		return &ConfigurationError{Reason: "registry.experiment_id is required"}
	}
	if c.Registry.ModelName == "" {
		return &ConfigurationError{Reason: "registry.model_name is required"}
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return &ConfigurationError{Reason: fmt.Sprintf("api.port out of range: %d", c.API.Port)}
	}
	if c.API.PredictionTimeout <= 0 {
		return &ConfigurationError{Reason: "api.prediction_timeout must be positive"}
	}
	if _, err := ParseBoundingBox(c.Features.BoundingBox); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
