// Package config loads the JSON configuration for the fusion service: volume
// geometry, fusion and flatten parameters, and camera calibration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the canonical fusion defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

const maxConfigFileSize = 1 * 1024 * 1024

// FusionConfig is the root configuration. Every field is optional; the Get*
// methods supply defaults for fields left out of the JSON.
type FusionConfig struct {
	// Volume geometry
	VolumeShape      *[3]int      `json:"volume_shape,omitempty"`
	VolumeResolution *float64     `json:"volume_resolution,omitempty"`
	VolumeOrigin     *[3]float64  `json:"volume_origin,omitempty"`
	VolumeToWorld    *[16]float64 `json:"volume_to_world,omitempty"` // row-major 4x4
	WithColor        *bool        `json:"with_color,omitempty"`

	// Fusion
	TruncationMargin *float64 `json:"truncation_margin,omitempty"`
	FusionPolicy     *string  `json:"fusion_policy,omitempty"` // "variance" or "fixed_rate"
	BlendRate        *float64 `json:"blend_rate,omitempty"`
	NoiseBase        *float64 `json:"noise_base,omitempty"`
	NoiseQuadratic   *float64 `json:"noise_quadratic,omitempty"`
	NoiseOffset      *float64 `json:"noise_offset,omitempty"`
	Workers          *int     `json:"workers,omitempty"`

	// Flatten
	SurfaceThreshold *float64 `json:"surface_threshold,omitempty"`
	EmptyVariance    *float64 `json:"empty_variance,omitempty"`
	Smooth           *bool    `json:"smooth,omitempty"`
	SmoothKernel     *int     `json:"smooth_kernel,omitempty"`
	SmoothSigmaColor *float64 `json:"smooth_sigma_color,omitempty"`
	SmoothSigmaSpace *float64 `json:"smooth_sigma_space,omitempty"`

	// Persistence
	PersistInterval *string `json:"persist_interval,omitempty"` // duration string like "5m"
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }
func ptrBool(v bool) *bool          { return &v }

// EmptyFusionConfig returns a config with every field unset.
func EmptyFusionConfig() *FusionConfig {
	return &FusionConfig{}
}

// readJSONFile reads a small .json file after checking its extension and size.
func readJSONFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// LoadFusionConfig loads and validates a FusionConfig from path.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}
	cfg := EmptyFusionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// findUp returns the first of rel, ../rel, ../../rel ... that exists.
func findUp(rel string) (string, bool) {
	prefix := ""
	for i := 0; i < 6; i++ {
		p := prefix + rel
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
		prefix += "../"
	}
	return "", false
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// one of its parents. It panics when the file is missing or invalid and is
// intended for tests and tools run from inside the repository.
func MustLoadDefaultConfig() *FusionConfig {
	path, ok := findUp(DefaultConfigPath)
	if !ok {
		panic("cannot find " + DefaultConfigPath + " - run from inside the repository")
	}
	cfg, err := LoadFusionConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks the fields that are set.
func (c *FusionConfig) Validate() error {
	if c.VolumeShape != nil {
		for i, n := range c.VolumeShape {
			if n <= 0 {
				return fmt.Errorf("volume_shape[%d] must be positive, got %d", i, n)
			}
		}
	}
	if c.VolumeResolution != nil && *c.VolumeResolution <= 0 {
		return fmt.Errorf("volume_resolution must be positive, got %f", *c.VolumeResolution)
	}
	if c.TruncationMargin != nil && *c.TruncationMargin <= 0 {
		return fmt.Errorf("truncation_margin must be positive, got %f", *c.TruncationMargin)
	}
	if c.FusionPolicy != nil {
		switch *c.FusionPolicy {
		case "variance", "fixed_rate":
		default:
			return fmt.Errorf("fusion_policy must be \"variance\" or \"fixed_rate\", got %q", *c.FusionPolicy)
		}
	}
	if c.BlendRate != nil && (*c.BlendRate <= 0 || *c.BlendRate > 1) {
		return fmt.Errorf("blend_rate must be in (0, 1], got %f", *c.BlendRate)
	}
	if c.NoiseBase != nil && *c.NoiseBase <= 0 {
		return fmt.Errorf("noise_base must be positive, got %f", *c.NoiseBase)
	}
	if c.SmoothKernel != nil && (*c.SmoothKernel < 1 || *c.SmoothKernel%2 == 0) {
		return fmt.Errorf("smooth_kernel must be a positive odd number, got %d", *c.SmoothKernel)
	}
	if c.PersistInterval != nil && *c.PersistInterval != "" {
		if _, err := time.ParseDuration(*c.PersistInterval); err != nil {
			return fmt.Errorf("invalid persist_interval '%s': %w", *c.PersistInterval, err)
		}
	}
	return nil
}

func (c *FusionConfig) GetVolumeShape() [3]int {
	if c.VolumeShape == nil {
		return [3]int{128, 128, 64}
	}
	return *c.VolumeShape
}

func (c *FusionConfig) GetVolumeResolution() float64 {
	if c.VolumeResolution == nil {
		return 0.005
	}
	return *c.VolumeResolution
}

func (c *FusionConfig) GetVolumeOrigin() [3]float64 {
	if c.VolumeOrigin == nil {
		return [3]float64{}
	}
	return *c.VolumeOrigin
}

// GetVolumeToWorld returns the configured placement, identity when unset.
func (c *FusionConfig) GetVolumeToWorld() [16]float64 {
	if c.VolumeToWorld == nil {
		return [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	}
	return *c.VolumeToWorld
}

func (c *FusionConfig) GetWithColor() bool {
	if c.WithColor == nil {
		return true
	}
	return *c.WithColor
}

func (c *FusionConfig) GetTruncationMargin() float64 {
	if c.TruncationMargin == nil {
		return 0.02
	}
	return *c.TruncationMargin
}

func (c *FusionConfig) GetFusionPolicy() string {
	if c.FusionPolicy == nil {
		return "variance"
	}
	return *c.FusionPolicy
}

func (c *FusionConfig) GetBlendRate() float64 {
	if c.BlendRate == nil {
		return 0.2
	}
	return *c.BlendRate
}

// GetNoise returns (base, quadratic, offset) of the depth noise model.
func (c *FusionConfig) GetNoise() (base, quadratic, offset float64) {
	base, quadratic, offset = 0.0012, 0.0019, 0.4
	if c.NoiseBase != nil {
		base = *c.NoiseBase
	}
	if c.NoiseQuadratic != nil {
		quadratic = *c.NoiseQuadratic
	}
	if c.NoiseOffset != nil {
		offset = *c.NoiseOffset
	}
	return base, quadratic, offset
}

// GetWorkers returns 0 when unset, meaning one worker per CPU.
func (c *FusionConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

func (c *FusionConfig) GetSurfaceThreshold() float64 {
	if c.SurfaceThreshold == nil {
		return 0.01
	}
	return *c.SurfaceThreshold
}

func (c *FusionConfig) GetEmptyVariance() float64 {
	if c.EmptyVariance == nil {
		return 10
	}
	return *c.EmptyVariance
}

func (c *FusionConfig) GetSmooth() bool {
	return c.Smooth != nil && *c.Smooth
}

func (c *FusionConfig) GetSmoothKernel() int {
	if c.SmoothKernel == nil {
		return 5
	}
	return *c.SmoothKernel
}

func (c *FusionConfig) GetSmoothSigmaColor() float64 {
	if c.SmoothSigmaColor == nil {
		return 0.1
	}
	return *c.SmoothSigmaColor
}

func (c *FusionConfig) GetSmoothSigmaSpace() float64 {
	if c.SmoothSigmaSpace == nil {
		return 5
	}
	return *c.SmoothSigmaSpace
}

// GetPersistInterval returns zero (disabled) when unset or unparsable.
func (c *FusionConfig) GetPersistInterval() time.Duration {
	if c.PersistInterval == nil || *c.PersistInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.PersistInterval)
	if err != nil {
		return 0
	}
	return d
}
