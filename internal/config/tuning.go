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

// TuningConfig represents the root configuration for analysis parameters.
// All fields are optional pointers so partial configs merge cleanly: a nil
// field means "use the default", and the same JSON shape can be used for
// both startup configuration and runtime updates.
type TuningConfig struct {
	// Registration params
	ReferenceStrategy *string  `json:"reference_strategy,omitempty"` // "single" or "mean-k"
	ReferenceOrdinal  *int     `json:"reference_ordinal,omitempty"`
	ReferenceFrames   *int     `json:"reference_frames,omitempty"` // k for "mean-k"
	ResidualThreshold *float64 `json:"residual_threshold,omitempty"`
	Resampling        *string  `json:"resampling,omitempty"` // "bilinear" or "nearest"

	// Extraction params
	Aggregation  *string `json:"aggregation,omitempty"` // "sum" or "mean"
	Channel      *int    `json:"channel,omitempty"`     // -1 sums channels
	StrictDecode *bool   `json:"strict_decode,omitempty"`

	// Reader params
	FollowTimeout  *string `json:"follow_timeout,omitempty"` // duration string like "5s"
	DecodeWorkers  *int    `json:"decode_workers,omitempty"`
	ExtractWorkers *int    `json:"extract_workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a config file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Merge overlays the non-nil fields of other onto c and returns c. Used to
// apply a partial runtime update on top of the startup configuration.
func (c *TuningConfig) Merge(other *TuningConfig) *TuningConfig {
	if other == nil {
		return c
	}
	if other.ReferenceStrategy != nil {
		c.ReferenceStrategy = other.ReferenceStrategy
	}
	if other.ReferenceOrdinal != nil {
		c.ReferenceOrdinal = other.ReferenceOrdinal
	}
	if other.ReferenceFrames != nil {
		c.ReferenceFrames = other.ReferenceFrames
	}
	if other.ResidualThreshold != nil {
		c.ResidualThreshold = other.ResidualThreshold
	}
	if other.Resampling != nil {
		c.Resampling = other.Resampling
	}
	if other.Aggregation != nil {
		c.Aggregation = other.Aggregation
	}
	if other.Channel != nil {
		c.Channel = other.Channel
	}
	if other.StrictDecode != nil {
		c.StrictDecode = other.StrictDecode
	}
	if other.FollowTimeout != nil {
		c.FollowTimeout = other.FollowTimeout
	}
	if other.DecodeWorkers != nil {
		c.DecodeWorkers = other.DecodeWorkers
	}
	if other.ExtractWorkers != nil {
		c.ExtractWorkers = other.ExtractWorkers
	}
	return c
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.ReferenceStrategy != nil {
		switch *c.ReferenceStrategy {
		case "single", "mean-k":
		default:
			return fmt.Errorf("reference_strategy must be 'single' or 'mean-k', got %q", *c.ReferenceStrategy)
		}
	}

	if c.ReferenceFrames != nil && *c.ReferenceFrames < 1 {
		return fmt.Errorf("reference_frames must be at least 1, got %d", *c.ReferenceFrames)
	}

	if c.ReferenceOrdinal != nil && *c.ReferenceOrdinal < 0 {
		return fmt.Errorf("reference_ordinal must be non-negative, got %d", *c.ReferenceOrdinal)
	}

	if c.ResidualThreshold != nil {
		if *c.ResidualThreshold < 0 || *c.ResidualThreshold > 1 {
			return fmt.Errorf("residual_threshold must be between 0 and 1, got %f", *c.ResidualThreshold)
		}
	}

	if c.Resampling != nil {
		switch *c.Resampling {
		case "bilinear", "nearest":
		default:
			return fmt.Errorf("resampling must be 'bilinear' or 'nearest', got %q", *c.Resampling)
		}
	}

	if c.Aggregation != nil {
		switch *c.Aggregation {
		case "sum", "mean":
		default:
			return fmt.Errorf("aggregation must be 'sum' or 'mean', got %q", *c.Aggregation)
		}
	}

	if c.Channel != nil && *c.Channel < -1 {
		return fmt.Errorf("channel must be -1 (all) or a channel index, got %d", *c.Channel)
	}

	// Validate FollowTimeout can be parsed if set
	if c.FollowTimeout != nil && *c.FollowTimeout != "" {
		if _, err := time.ParseDuration(*c.FollowTimeout); err != nil {
			return fmt.Errorf("invalid follow_timeout '%s': %w", *c.FollowTimeout, err)
		}
	}

	if c.DecodeWorkers != nil && *c.DecodeWorkers < 0 {
		return fmt.Errorf("decode_workers must be non-negative, got %d", *c.DecodeWorkers)
	}

	if c.ExtractWorkers != nil && *c.ExtractWorkers < 0 {
		return fmt.Errorf("extract_workers must be non-negative, got %d", *c.ExtractWorkers)
	}

	return nil
}

// GetReferenceStrategy returns the reference_strategy value or the default.
func (c *TuningConfig) GetReferenceStrategy() string {
	if c.ReferenceStrategy == nil {
		return "single"
	}
	return *c.ReferenceStrategy
}

// GetReferenceOrdinal returns the reference_ordinal value or the default.
func (c *TuningConfig) GetReferenceOrdinal() int {
	if c.ReferenceOrdinal == nil {
		return 0
	}
	return *c.ReferenceOrdinal
}

// GetReferenceFrames returns the reference_frames value or the default.
func (c *TuningConfig) GetReferenceFrames() int {
	if c.ReferenceFrames == nil {
		return 5
	}
	return *c.ReferenceFrames
}

// GetResidualThreshold returns the residual_threshold value or the default.
func (c *TuningConfig) GetResidualThreshold() float64 {
	if c.ResidualThreshold == nil {
		return 0.5
	}
	return *c.ResidualThreshold
}

// GetResampling returns the resampling value or the default.
func (c *TuningConfig) GetResampling() string {
	if c.Resampling == nil {
		return "bilinear"
	}
	return *c.Resampling
}

// GetAggregation returns the aggregation value or the default.
func (c *TuningConfig) GetAggregation() string {
	if c.Aggregation == nil {
		return "sum"
	}
	return *c.Aggregation
}

// GetChannel returns the channel value or the default.
func (c *TuningConfig) GetChannel() int {
	if c.Channel == nil {
		return -1 // sum all channels
	}
	return *c.Channel
}

// GetStrictDecode returns the strict_decode value or the default.
// The default keeps batch operations going past corrupt frames, recording
// the skips on their results.
func (c *TuningConfig) GetStrictDecode() bool {
	if c.StrictDecode == nil {
		return false
	}
	return *c.StrictDecode
}

// GetFollowTimeout parses and returns the FollowTimeout as a time.Duration.
func (c *TuningConfig) GetFollowTimeout() time.Duration {
	if c.FollowTimeout == nil || *c.FollowTimeout == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.FollowTimeout)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetDecodeWorkers returns the decode_workers value or the default.
// Zero means a single decode worker; raw fetches are serialised anyway.
func (c *TuningConfig) GetDecodeWorkers() int {
	if c.DecodeWorkers == nil {
		return 0
	}
	return *c.DecodeWorkers
}

// GetExtractWorkers returns the extract_workers value or the default.
// Zero means one worker per CPU.
func (c *TuningConfig) GetExtractWorkers() int {
	if c.ExtractWorkers == nil {
		return 0
	}
	return *c.ExtractWorkers
}
