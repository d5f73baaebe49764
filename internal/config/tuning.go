package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// InfluxTokenEnv names the environment variable holding the InfluxDB token.
const InfluxTokenEnv = "INFLUX_TOKEN"

// TuningConfig holds the processing and storage parameters. Omitted fields
// fall back to the defaults returned by the Get* methods, so partial files
// are safe.
type TuningConfig struct {
	// Storage
	DataRoot       *string `json:"data_root,omitempty"`
	DatabasePath   *string `json:"database_path,omitempty"`
	Location       *string `json:"location,omitempty"` // IANA zone naming history directories
	SeriesCapacity *int    `json:"series_capacity,omitempty"`

	// Processing
	TopFraction      *float64 `json:"top_fraction,omitempty"`
	DiffTolerance    *float64 `json:"diff_tolerance,omitempty"`
	InitRowThreshold *int     `json:"init_row_threshold,omitempty"` // 0 disables the row-count cross-check

	// Watch mode
	MetricsAddr *string `json:"metrics_addr,omitempty"`
	WatchSettle *string `json:"watch_settle,omitempty"` // duration string like "250ms"

	// Optional InfluxDB mirror. The token is read from INFLUX_TOKEN.
	InfluxURL         *string `json:"influx_url,omitempty"`
	InfluxOrg         *string `json:"influx_org,omitempty"`
	InfluxBucket      *string `json:"influx_bucket,omitempty"`
	InfluxMeasurement *string `json:"influx_measurement,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/tunnel/pipeline/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.SeriesCapacity != nil && *c.SeriesCapacity < 1 {
		return fmt.Errorf("series_capacity must be positive, got %d", *c.SeriesCapacity)
	}
	if c.TopFraction != nil && (*c.TopFraction <= 0 || *c.TopFraction > 1) {
		return fmt.Errorf("top_fraction must be in (0, 1], got %f", *c.TopFraction)
	}
	if c.DiffTolerance != nil && *c.DiffTolerance < 0 {
		return fmt.Errorf("diff_tolerance must be non-negative, got %f", *c.DiffTolerance)
	}
	if c.InitRowThreshold != nil && *c.InitRowThreshold < 0 {
		return fmt.Errorf("init_row_threshold must be non-negative, got %d", *c.InitRowThreshold)
	}
	if c.Location != nil && *c.Location != "" {
		if _, err := time.LoadLocation(*c.Location); err != nil {
			return fmt.Errorf("invalid location '%s': %w", *c.Location, err)
		}
	}
	if c.WatchSettle != nil && *c.WatchSettle != "" {
		if _, err := time.ParseDuration(*c.WatchSettle); err != nil {
			return fmt.Errorf("invalid watch_settle '%s': %w", *c.WatchSettle, err)
		}
	}
	return nil
}

// GetDataRoot returns the snapshot and time-series root directory.
func (c *TuningConfig) GetDataRoot() string {
	if c.DataRoot == nil || *c.DataRoot == "" {
		return "data"
	}
	return *c.DataRoot
}

// GetDatabasePath returns the metadata database path, tunnel.db under the
// data root by default.
func (c *TuningConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return filepath.Join(c.GetDataRoot(), "tunnel.db")
	}
	return *c.DatabasePath
}

// GetLocation returns the zone history directories are named in. An invalid
// name falls back to UTC.
func (c *TuningConfig) GetLocation() *time.Location {
	if c.Location == nil || *c.Location == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(*c.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetSeriesCapacity returns the rows per time-series file.
func (c *TuningConfig) GetSeriesCapacity() int {
	if c.SeriesCapacity == nil {
		return 130
	}
	return *c.SeriesCapacity
}

// GetTopFraction returns the calibration sample fraction.
func (c *TuningConfig) GetTopFraction() float64 {
	if c.TopFraction == nil {
		return 0.0005
	}
	return *c.TopFraction
}

// GetDiffTolerance returns the deviation change below which Compare keeps
// the root capture's cell.
func (c *TuningConfig) GetDiffTolerance() float64 {
	if c.DiffTolerance == nil {
		return 0.02
	}
	return *c.DiffTolerance
}

// GetInitRowThreshold returns the row count below which a device is expected
// to still be initialising, 0 when the check is off.
func (c *TuningConfig) GetInitRowThreshold() int {
	if c.InitRowThreshold == nil {
		return 0
	}
	return *c.InitRowThreshold
}

// GetMetricsAddr returns the listen address of the watch-mode metrics
// endpoint. Empty disables it.
func (c *TuningConfig) GetMetricsAddr() string {
	if c.MetricsAddr == nil {
		return ":9108"
	}
	return *c.MetricsAddr
}

// GetWatchSettle returns how long watch mode waits after a file appears
// before reading it.
func (c *TuningConfig) GetWatchSettle() time.Duration {
	if c.WatchSettle == nil || *c.WatchSettle == "" {
		return 250 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.WatchSettle)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// InfluxEnabled reports whether the InfluxDB mirror is configured.
func (c *TuningConfig) InfluxEnabled() bool {
	return c.GetInfluxURL() != "" && c.GetInfluxBucket() != ""
}

// GetInfluxURL returns the InfluxDB server URL, empty when mirroring is off.
func (c *TuningConfig) GetInfluxURL() string {
	if c.InfluxURL == nil {
		return ""
	}
	return *c.InfluxURL
}

// GetInfluxOrg returns the InfluxDB organisation.
func (c *TuningConfig) GetInfluxOrg() string {
	if c.InfluxOrg == nil {
		return ""
	}
	return *c.InfluxOrg
}

// GetInfluxBucket returns the InfluxDB bucket.
func (c *TuningConfig) GetInfluxBucket() string {
	if c.InfluxBucket == nil {
		return ""
	}
	return *c.InfluxBucket
}

// GetInfluxMeasurement returns the measurement name for mirrored rows.
func (c *TuningConfig) GetInfluxMeasurement() string {
	if c.InfluxMeasurement == nil || *c.InfluxMeasurement == "" {
		return "tunnel_region_height"
	}
	return *c.InfluxMeasurement
}
