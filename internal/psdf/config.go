package psdf

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/config"
	"github.com/banshee-data/psdf/internal/psdf/transform"
)

// VolumeConfigFromFusion builds the volume geometry from a loaded config.
func VolumeConfigFromFusion(c *config.FusionConfig) VolumeConfig {
	s := c.GetVolumeShape()
	o := c.GetVolumeOrigin()
	return DefaultVolumeConfig().
		WithShape(s[0], s[1], s[2]).
		WithResolution(c.GetVolumeResolution()).
		WithOrigin(r3.Vec{X: o[0], Y: o[1], Z: o[2]}).
		WithVolumeToWorld(transform.Transform(c.GetVolumeToWorld())).
		WithColorChannel(c.GetWithColor())
}

// FusionParamsFromFusion builds integrator parameters from a loaded config.
func FusionParamsFromFusion(c *config.FusionConfig) (FusionParams, error) {
	pol, err := ParsePolicy(c.GetFusionPolicy())
	if err != nil {
		return FusionParams{}, err
	}
	base, quad, off := c.GetNoise()
	p := DefaultFusionParams().
		WithTruncationMargin(c.GetTruncationMargin()).
		WithPolicy(pol).
		WithBlendRate(c.GetBlendRate())
	p.Noise = NoiseModel{Base: base, Quadratic: quad, Offset: off}
	return p, p.Validate()
}

// FlattenOptionsFromFusion builds flatten options from a loaded config.
func FlattenOptionsFromFusion(c *config.FusionConfig) FlattenOptions {
	return FlattenOptions{
		SurfaceThreshold: float32(c.GetSurfaceThreshold()),
		EmptyVariance:    float32(c.GetEmptyVariance()),
		Smooth:           c.GetSmooth(),
		SmoothKernel:     c.GetSmoothKernel(),
		SmoothSigmaColor: c.GetSmoothSigmaColor(),
		SmoothSigmaSpace: c.GetSmoothSigmaSpace(),
	}
}

// IntrinsicsFromCameraInfo converts a camera calibration file.
func IntrinsicsFromCameraInfo(ci *config.CameraInfo) (transform.Intrinsics, error) {
	in, err := transform.IntrinsicsFromK(ci.K, ci.Width, ci.Height)
	if err != nil {
		return transform.Intrinsics{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return in, nil
}

// ManagerOptionsFromConfig assembles everything NewVolumeManager needs from
// the fusion config and camera calibration.
func ManagerOptionsFromConfig(c *config.FusionConfig, ci *config.CameraInfo) (ManagerOptions, error) {
	in, err := IntrinsicsFromCameraInfo(ci)
	if err != nil {
		return ManagerOptions{}, err
	}
	fp, err := FusionParamsFromFusion(c)
	if err != nil {
		return ManagerOptions{}, err
	}
	return ManagerOptions{
		Volume:      VolumeConfigFromFusion(c),
		Intrinsics:  in,
		Fusion:      fp,
		Flatten:     FlattenOptionsFromFusion(c),
		WorkerCount: c.GetWorkers(),
	}, nil
}
