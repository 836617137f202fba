package psdf

import (
	"fmt"
	"math"
	"strings"
)

// Policy selects how a new truncated observation is merged into a voxel.
type Policy int

const (
	// PolicyVarianceWeighted fuses observations as serial Kalman updates
	// weighted by the sensor noise model. This is the default.
	PolicyVarianceWeighted Policy = iota
	// PolicyFixedRate blends every observation with a constant rate.
	PolicyFixedRate
)

func (p Policy) String() string {
	switch p {
	case PolicyVarianceWeighted:
		return "variance"
	case PolicyFixedRate:
		return "fixed_rate"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names produced by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "variance", "variance_weighted":
		return PolicyVarianceWeighted, nil
	case "fixed_rate", "fixed", "average":
		return PolicyFixedRate, nil
	}
	return 0, fmt.Errorf("%w: unknown fusion policy %q", ErrInvalidConfig, s)
}

// NoiseModel is an axial depth noise model sigma(z) = Base + Quadratic*(z-Offset)^2,
// in metres. The defaults follow the structured-light model of Nguyen et al.
type NoiseModel struct {
	Base      float64
	Quadratic float64
	Offset    float64
}

// DefaultNoiseModel returns the Kinect-style axial noise coefficients.
func DefaultNoiseModel() NoiseModel {
	return NoiseModel{Base: 0.0012, Quadratic: 0.0019, Offset: 0.4}
}

// Sigma returns the standard deviation of a depth measurement at range z.
func (m NoiseModel) Sigma(z float64) float64 {
	d := z - m.Offset
	return m.Base + m.Quadratic*d*d
}

// FusionParams configures the integrator.
type FusionParams struct {
	TruncationMargin float64 // metres; observations farther behind the surface are ignored
	Policy           Policy
	BlendRate        float64 // alpha for PolicyFixedRate
	Noise            NoiseModel
}

// DefaultFusionParams returns the parameters used when none are configured.
func DefaultFusionParams() FusionParams {
	return FusionParams{
		TruncationMargin: 0.02,
		Policy:           PolicyVarianceWeighted,
		BlendRate:        0.2,
		Noise:            DefaultNoiseModel(),
	}
}

// WithTruncationMargin sets the truncation margin in metres.
func (p FusionParams) WithTruncationMargin(m float64) FusionParams {
	p.TruncationMargin = m
	return p
}

// WithPolicy sets the fusion policy.
func (p FusionParams) WithPolicy(pol Policy) FusionParams {
	p.Policy = pol
	return p
}

// WithBlendRate sets the fixed-rate alpha.
func (p FusionParams) WithBlendRate(a float64) FusionParams {
	p.BlendRate = a
	return p
}

// Validate checks the parameters.
func (p FusionParams) Validate() error {
	if !(p.TruncationMargin > 0) || math.IsInf(p.TruncationMargin, 0) {
		return fmt.Errorf("%w: truncation margin must be positive, got %g", ErrInvalidConfig, p.TruncationMargin)
	}
	switch p.Policy {
	case PolicyVarianceWeighted, PolicyFixedRate:
	default:
		return fmt.Errorf("%w: unknown fusion policy %d", ErrInvalidConfig, int(p.Policy))
	}
	if p.Policy == PolicyFixedRate && !(p.BlendRate > 0 && p.BlendRate <= 1) {
		return fmt.Errorf("%w: blend rate must be in (0, 1], got %g", ErrInvalidConfig, p.BlendRate)
	}
	if !(p.Noise.Base > 0) || p.Noise.Quadratic < 0 {
		return fmt.Errorf("%w: noise model needs base > 0 and quadratic >= 0", ErrInvalidConfig)
	}
	return nil
}

// ObservationVariance returns the variance of a truncated observation made at
// range z, in normalised distance units.
func (p FusionParams) ObservationVariance(z float64) float32 {
	s := p.Noise.Sigma(z) / p.TruncationMargin
	return float32(s * s)
}

// fuse merges observation o with variance w into a voxel holding (d, v).
// It returns the new distance and variance, and the weight the observed
// colour should receive when blended into the stored colour.
func (p FusionParams) fuse(d, v, o, w float32) (nd, nv, colorAlpha float32) {
	if math.IsInf(float64(v), 1) {
		nv = w
		colorAlpha = 1
		if p.Policy == PolicyFixedRate {
			// No seeding: the running average starts from the initial zero.
			nd = d + float32(p.BlendRate)*(o-d)
		} else {
			nd = o
		}
		return clampUnit(nd), nv, colorAlpha
	}

	sum := v + w
	nv = v * w / sum
	switch p.Policy {
	case PolicyFixedRate:
		a := float32(p.BlendRate)
		nd = d + a*(o-d)
		colorAlpha = a
	default:
		nd = (v*o + w*d) / sum
		colorAlpha = v / sum
	}
	return clampUnit(nd), nv, colorAlpha
}
