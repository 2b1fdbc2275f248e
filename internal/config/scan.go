// Package config loads the scan daemon settings from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/serialmux"
	"github.com/banshee-data/adaptive.scan/internal/snap"
)

// DefaultConfigPath is the canonical defaults file.
const DefaultConfigPath = "config/scan.defaults.json"

const maxFileSize = 1 << 20

// ScanConfig holds the daemon settings. Every field is optional; the Get*
// accessors supply defaults for anything left out.
type ScanConfig struct {
	CellSize    *float64 `json:"cell_size,omitempty"` // mm
	RegionsFile *string  `json:"regions_file,omitempty"`
	DBPath      *string  `json:"db_path,omitempty"`

	RecommenderTimeout *string `json:"recommender_timeout,omitempty"` // duration string like "5m"

	XAxis        *string  `json:"x_axis,omitempty"`
	YAxis        *string  `json:"y_axis,omitempty"`
	ScanVelocity *float64 `json:"scan_velocity,omitempty"` // mm/s, unset leaves the stage alone

	Snap                   *bool    `json:"snap,omitempty"`
	TemperatureTolerance   *float64 `json:"temperature_tolerance,omitempty"`
	AnnealingTimeTolerance *float64 `json:"annealing_time_tolerance,omitempty"`
	TiTolerance            *float64 `json:"ti_tolerance,omitempty"`
	TiMargin               *float64 `json:"ti_margin,omitempty"`
	ThicknessCategories    []int    `json:"thickness_categories,omitempty"`

	SerialPort    *string                `json:"serial_port,omitempty"`
	Serial        *serialmux.PortOptions `json:"serial,omitempty"`
	SettleTimeout *string                `json:"settle_timeout,omitempty"`
	Exposure      *string                `json:"exposure,omitempty"`

	GRPCListen *string `json:"grpc_listen,omitempty"`
	HTTPListen *string `json:"http_listen,omitempty"`
}

// LoadScanConfig reads and validates a config file. Fields omitted from the
// file keep their defaults, so partial configs are fine.
func LoadScanConfig(path string) (*ScanConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ScanConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *ScanConfig) Validate() error {
	if c.CellSize != nil && *c.CellSize <= 0 {
		return fmt.Errorf("cell_size must be positive, got %g", *c.CellSize)
	}
	if c.ScanVelocity != nil && *c.ScanVelocity < 0 {
		return fmt.Errorf("scan_velocity must be non-negative, got %g", *c.ScanVelocity)
	}

	for name, v := range map[string]*float64{
		"temperature_tolerance":    c.TemperatureTolerance,
		"annealing_time_tolerance": c.AnnealingTimeTolerance,
		"ti_tolerance":             c.TiTolerance,
		"ti_margin":                c.TiMargin,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", name, *v)
		}
	}

	if c.ThicknessCategories != nil && len(c.ThicknessCategories) == 0 {
		return fmt.Errorf("thickness_categories must not be empty")
	}

	for name, v := range map[string]*string{
		"recommender_timeout": c.RecommenderTimeout,
		"settle_timeout":      c.SettleTimeout,
		"exposure":            c.Exposure,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func str(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetCellSize returns the cell pitch in mm.
func (c *ScanConfig) GetCellSize() float64 {
	if c.CellSize == nil {
		return geometry.DefaultCellSize
	}
	return *c.CellSize
}

func (c *ScanConfig) GetRegionsFile() string {
	return str(c.RegionsFile, "config/regions.example.json")
}

func (c *ScanConfig) GetDBPath() string { return str(c.DBPath, "scan.db") }

// GetRecommenderTimeout is how long a run waits for each recommendation.
func (c *ScanConfig) GetRecommenderTimeout() time.Duration {
	return duration(c.RecommenderTimeout, 5*time.Minute)
}

func (c *ScanConfig) GetXAxis() string { return str(c.XAxis, "x") }

func (c *ScanConfig) GetYAxis() string { return str(c.YAxis, "y") }

// GetScanVelocities returns the temporary per-axis velocities for a run, or
// nil when scan_velocity is unset or zero.
func (c *ScanConfig) GetScanVelocities() map[string]float64 {
	if c.ScanVelocity == nil || *c.ScanVelocity == 0 {
		return nil
	}
	return map[string]float64{
		c.GetXAxis(): *c.ScanVelocity,
		c.GetYAxis(): *c.ScanVelocity,
	}
}

// GetSnap reports whether requests are snapped onto realizable points.
func (c *ScanConfig) GetSnap() bool {
	if c.Snap == nil {
		return true
	}
	return *c.Snap
}

// SnapOptions converts the tolerance settings to snapper options.
func (c *ScanConfig) SnapOptions() []snap.Option {
	var opts []snap.Option
	if c.TemperatureTolerance != nil {
		opts = append(opts, snap.WithTemperatureTolerance(*c.TemperatureTolerance))
	}
	if c.AnnealingTimeTolerance != nil {
		opts = append(opts, snap.WithAnnealingTimeTolerance(*c.AnnealingTimeTolerance))
	}
	if c.TiTolerance != nil {
		opts = append(opts, snap.WithTiTolerance(*c.TiTolerance))
	}
	if c.TiMargin != nil {
		opts = append(opts, snap.WithTiMargin(*c.TiMargin))
	}
	if len(c.ThicknessCategories) > 0 {
		opts = append(opts, snap.WithThicknessCategories(c.ThicknessCategories...))
	}
	return opts
}

func (c *ScanConfig) GetSerialPort() string { return str(c.SerialPort, "/dev/ttyUSB0") }

// GetSerialOptions returns the normalized serial line settings.
func (c *ScanConfig) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}

func (c *ScanConfig) GetSettleTimeout() time.Duration {
	return duration(c.SettleTimeout, 60*time.Second)
}

// GetExposure is the detector dwell per measurement.
func (c *ScanConfig) GetExposure() time.Duration {
	return duration(c.Exposure, time.Second)
}

func (c *ScanConfig) GetGRPCListen() string { return str(c.GRPCListen, "127.0.0.1:50051") }

func (c *ScanConfig) GetHTTPListen() string { return str(c.HTTPListen, "127.0.0.1:8080") }
