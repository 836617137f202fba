package psdf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

// 4x4 image, fx=fy=100, principal point at the centre.
func patchIntrinsics() transform.Intrinsics {
	return transform.Intrinsics{Fx: 100, Fy: 100, Cx: 2, Cy: 2, Width: 4, Height: 4}
}

func constantDepth(in transform.Intrinsics, d float32) []float32 {
	out := make([]float32, in.Width*in.Height)
	for i := range out {
		out[i] = d
	}
	return out
}

func constantColor(in transform.Intrinsics, c uint32) []uint32 {
	out := make([]uint32, in.Width*in.Height)
	for i := range out {
		out[i] = c
	}
	return out
}

func newPatchVolume(t *testing.T, origin r3.Vec, withColor bool) *Volume {
	t.Helper()
	v, err := NewVolume(VolumeConfig{
		Shape:         [3]int{10, 10, 10},
		Resolution:    0.05,
		Origin:        origin,
		VolumeToWorld: transform.Identity,
		WithColor:     withColor,
	})
	require.NoError(t, err)
	return v
}

func newPatchIntegrator(t *testing.T, policy Policy) *Integrator {
	t.Helper()
	it, err := NewIntegrator(patchIntrinsics(), DefaultFusionParams().
		WithTruncationMargin(0.1).
		WithPolicy(policy))
	require.NoError(t, err)
	return it
}

func patchFrame(d float32) Frame {
	in := patchIntrinsics()
	return Frame{
		Width:          in.Width,
		Height:         in.Height,
		Depth:          constantDepth(in, d),
		CameraToVolume: transform.Identity,
	}
}

// Overhead camera looking down the volume's -z axis from height h above (cx, cy).
func overheadPose(cx, cy, h float64) transform.Transform {
	return transform.FromRotationTranslation(
		[9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1},
		r3.Vec{X: cx, Y: cy, Z: h},
	)
}

// snapshotField returns copies of the raw arrays for before/after comparisons.
func snapshotField(v *Volume) ([]float32, []float32, []uint32) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d := append([]float32(nil), v.distance...)
	va := append([]float32(nil), v.variance...)
	var c []uint32
	if v.color != nil {
		c = append([]uint32(nil), v.color...)
	}
	return d, va, c
}

func isInf(f float32) bool { return math.IsInf(float64(f), 1) }
