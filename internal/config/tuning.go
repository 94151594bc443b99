// Package config holds process configuration: environment-driven service
// settings and the JSON tracking-tuning file. Tuning fields are pointers so
// a partial JSON file overrides only what it names; the Get* accessors
// supply the documented defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TuningConfig is the tracker and association tuning surface. The schema
// doubles as the request body of the runtime tuning endpoint, so the same
// JSON works for startup files and live updates.
type TuningConfig struct {
	// Track lifecycle params
	MaxAge *int `json:"max_age,omitempty"`
	NInit  *int `json:"n_init,omitempty"`

	// Pipeline cadence
	FrameSkip *int `json:"frame_skip,omitempty"`

	// Matching params
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	IoUThreshold        *float64 `json:"iou_threshold,omitempty"`
	MaxCosineDistance   *float64 `json:"max_cosine_distance,omitempty"`
	GallerySize         *int     `json:"appearance_gallery_size,omitempty"`

	// Appearance model params
	FeatureDim *int `json:"feature_dim,omitempty"`

	// Aggregation params
	RepeatOffenderThreshold *int `json:"repeat_offender_threshold,omitempty"`

	// Session manager params
	FrameQueueDepth *int `json:"frame_queue_depth,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with every field unset, so all
// Get* accessors fall back to their defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig reads and validates a tuning JSON file. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
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

// Validate checks that set values are usable. Unset fields are always
// valid since they resolve to defaults.
func (c *TuningConfig) Validate() error {
	if c.MaxAge != nil && *c.MaxAge < 1 {
		return fmt.Errorf("max_age must be at least 1, got %d", *c.MaxAge)
	}
	if c.NInit != nil && *c.NInit < 1 {
		return fmt.Errorf("n_init must be at least 1, got %d", *c.NInit)
	}
	if c.FrameSkip != nil && *c.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be at least 1, got %d", *c.FrameSkip)
	}
	if c.ConfidenceThreshold != nil {
		if v := *c.ConfidenceThreshold; v < 0 || v > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", v)
		}
	}
	if c.IoUThreshold != nil {
		if v := *c.IoUThreshold; v <= 0 || v >= 1 {
			return fmt.Errorf("iou_threshold must be in (0,1), got %f", v)
		}
	}
	if c.MaxCosineDistance != nil {
		if v := *c.MaxCosineDistance; v <= 0 || v > 1 {
			return fmt.Errorf("max_cosine_distance must be in (0,1], got %f", v)
		}
	}
	if c.GallerySize != nil && *c.GallerySize < 1 {
		return fmt.Errorf("appearance_gallery_size must be at least 1, got %d", *c.GallerySize)
	}
	if c.FeatureDim != nil && *c.FeatureDim < 1 {
		return fmt.Errorf("feature_dim must be at least 1, got %d", *c.FeatureDim)
	}
	if c.RepeatOffenderThreshold != nil && *c.RepeatOffenderThreshold < 1 {
		return fmt.Errorf("repeat_offender_threshold must be at least 1, got %d", *c.RepeatOffenderThreshold)
	}
	if c.FrameQueueDepth != nil && *c.FrameQueueDepth < 1 {
		return fmt.Errorf("frame_queue_depth must be at least 1, got %d", *c.FrameQueueDepth)
	}
	return nil
}

func (c *TuningConfig) GetMaxAge() int {
	if c.MaxAge == nil {
		return 30 // default
	}
	return *c.MaxAge
}

func (c *TuningConfig) GetNInit() int {
	if c.NInit == nil {
		return 3 // default
	}
	return *c.NInit
}

func (c *TuningConfig) GetFrameSkip() int {
	if c.FrameSkip == nil {
		return 2 // default
	}
	return *c.FrameSkip
}

func (c *TuningConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.5 // default
	}
	return *c.ConfidenceThreshold
}

func (c *TuningConfig) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return 0.3 // default
	}
	return *c.IoUThreshold
}

func (c *TuningConfig) GetMaxCosineDistance() float64 {
	if c.MaxCosineDistance == nil {
		return 0.2 // default
	}
	return *c.MaxCosineDistance
}

func (c *TuningConfig) GetGallerySize() int {
	if c.GallerySize == nil {
		return 50 // default
	}
	return *c.GallerySize
}

func (c *TuningConfig) GetFeatureDim() int {
	if c.FeatureDim == nil {
		return 128 // default
	}
	return *c.FeatureDim
}

func (c *TuningConfig) GetRepeatOffenderThreshold() int {
	if c.RepeatOffenderThreshold == nil {
		return 2 // default
	}
	return *c.RepeatOffenderThreshold
}

func (c *TuningConfig) GetFrameQueueDepth() int {
	if c.FrameQueueDepth == nil {
		return 8 // default
	}
	return *c.FrameQueueDepth
}
