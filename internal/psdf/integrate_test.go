package psdf

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

// A 4x4 patch at depth 0.5 seen by a camera at the volume origin. With the
// volume origin at 0 the farthest voxel on the optical axis sits at z=0.45,
// 0.05 in front of the measured surface.
func TestIntegrate_PatchBeyondGrid(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, false)
	it := newPatchIntegrator(t, PolicyVarianceWeighted)

	stats, err := it.Integrate(vol, patchFrame(0.5))
	require.NoError(t, err)
	// Only the optical-axis column projects into a 4 pixel wide image; z=0 is
	// on the camera plane and cannot project.
	assert.Equal(t, 9, stats.Visible)
	assert.Equal(t, 9, stats.Updated)

	vox, err := vol.Read(0, 0, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, vox.Distance, 1e-4)
	assert.False(t, isInf(vox.Variance))
	assert.Less(t, vox.Variance, float32(1))

	for z := 1; z <= 7; z++ {
		vox, err := vol.Read(0, 0, z)
		require.NoError(t, err)
		assert.Equal(t, float32(1), vox.Distance, "z=%d saturates at the truncation bound", z)
	}
	assert.Equal(t, 9, vol.ObservedCount())
}

// Same patch with the volume shifted so voxel z=9 lies on the measured surface.
func TestIntegrate_PatchOnSurface(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{Z: 0.05}, false)
	it := newPatchIntegrator(t, PolicyVarianceWeighted)

	_, err := it.Integrate(vol, patchFrame(0.5))
	require.NoError(t, err)

	vox, err := vol.Read(0, 0, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, vox.Distance, 1e-3)
	sigma := 0.0012 + 0.0019*0.1*0.1
	assert.InDelta(t, (sigma/0.1)*(sigma/0.1), vox.Variance, 1e-9)
}

func TestIntegrate_RepeatedObservationsVarianceWeighted(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, false)
	it := newPatchIntegrator(t, PolicyVarianceWeighted)
	frame := patchFrame(0.5)

	prev := UnobservedVariance
	for i := 0; i < 5; i++ {
		_, err := it.Integrate(vol, frame)
		require.NoError(t, err)
		vox, err := vol.Read(0, 0, 9)
		require.NoError(t, err)
		assert.Less(t, vox.Variance, prev, "iteration %d", i)
		assert.InDelta(t, 0.5, vox.Distance, 1e-4)
		prev = vox.Variance
	}
	assert.Equal(t, int64(5), vol.FramesIntegrated())
}

func TestIntegrate_RepeatedObservationsFixedRate(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, false)
	it := newPatchIntegrator(t, PolicyFixedRate)
	frame := patchFrame(0.5)

	const target = 0.5
	alpha := it.Params().BlendRate
	for n := 1; n <= 12; n++ {
		_, err := it.Integrate(vol, frame)
		require.NoError(t, err)
		vox, err := vol.Read(0, 0, 9)
		require.NoError(t, err)
		bound := math.Pow(1-alpha, float64(n)) * math.Abs(0-target)
		assert.LessOrEqual(t, math.Abs(float64(vox.Distance)-target), bound+1e-5, "n=%d", n)
		assert.True(t, vox.Observed())
	}
}

func TestIntegrate_TruncationBound(t *testing.T) {
	t.Parallel()

	in := transform.Intrinsics{Fx: 60, Fy: 60, Cx: 16, Cy: 12, Width: 32, Height: 24}
	vol, err := NewVolume(DefaultVolumeConfig().WithShape(16, 16, 16).WithResolution(0.02).WithColorChannel(false))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for _, pol := range []Policy{PolicyVarianceWeighted, PolicyFixedRate} {
		it, err := NewIntegrator(in, DefaultFusionParams().WithTruncationMargin(0.03).WithPolicy(pol))
		require.NoError(t, err)
		for f := 0; f < 8; f++ {
			depth := make([]float32, in.Width*in.Height)
			for i := range depth {
				depth[i] = float32(rng.Float64()*0.5 + 0.05)
				if rng.Intn(10) == 0 {
					depth[i] = 0
				}
			}
			pose := overheadPose(0.16+rng.Float64()*0.02, 0.16, 0.5+rng.Float64()*0.1)
			_, err := it.Integrate(vol, Frame{Width: in.Width, Height: in.Height, Depth: depth, CameraToVolume: pose})
			require.NoError(t, err)
		}
	}

	d, va, _ := snapshotField(vol)
	for i := range d {
		require.GreaterOrEqual(t, d[i], float32(-1))
		require.LessOrEqual(t, d[i], float32(1))
		require.GreaterOrEqual(t, va[i], float32(0))
	}
	assert.Greater(t, vol.ObservedCount(), 0)
}

func TestIntegrate_VisibilityFilter(t *testing.T) {
	t.Parallel()

	t.Run("outside image", func(t *testing.T) {
		vol := newPatchVolume(t, r3.Vec{}, false)
		_, err := newPatchIntegrator(t, PolicyVarianceWeighted).Integrate(vol, patchFrame(0.5))
		require.NoError(t, err)
		for x := 0; x < 10; x++ {
			for y := 0; y < 10; y++ {
				for z := 0; z < 10; z++ {
					vox, _ := vol.Read(x, y, z)
					onAxis := x == 0 && y == 0 && z > 0
					assert.Equal(t, onAxis, vox.Observed(), "(%d,%d,%d)", x, y, z)
				}
			}
		}
	})

	t.Run("non-positive depth", func(t *testing.T) {
		vol := newPatchVolume(t, r3.Vec{}, false)
		frame := patchFrame(0)
		frame.Depth[2*4+2] = -1
		frame.Depth[0] = float32(math.NaN())
		stats, err := newPatchIntegrator(t, PolicyVarianceWeighted).Integrate(vol, frame)
		require.NoError(t, err)
		assert.Equal(t, 9, stats.Visible)
		assert.Zero(t, stats.Updated)
		assert.Zero(t, vol.ObservedCount())
	})

	t.Run("behind camera", func(t *testing.T) {
		vol := newPatchVolume(t, r3.Vec{}, false)
		frame := patchFrame(0.5)
		// Camera at the far end of the volume looking further along +z.
		frame.CameraToVolume = transform.Translation(r3.Vec{Z: 1})
		stats, err := newPatchIntegrator(t, PolicyVarianceWeighted).Integrate(vol, frame)
		require.NoError(t, err)
		assert.Zero(t, stats.Visible)
		assert.Zero(t, vol.ObservedCount())
	})

	t.Run("far behind surface", func(t *testing.T) {
		vol := newPatchVolume(t, r3.Vec{}, false)
		stats, err := newPatchIntegrator(t, PolicyVarianceWeighted).Integrate(vol, patchFrame(0.21))
		require.NoError(t, err)
		// Voxels up to z=0.30 lie within the 0.1 margin behind a surface at 0.21.
		assert.Equal(t, 6, stats.Updated)
		vox, _ := vol.Read(0, 0, 7)
		assert.False(t, vox.Observed())
		vox, _ = vol.Read(0, 0, 6)
		assert.InDelta(t, -0.9, vox.Distance, 1e-4)
	})
}

func TestIntegrate_RejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, true)
	it := newPatchIntegrator(t, PolicyVarianceWeighted)
	d0, v0, c0 := snapshotField(vol)

	good := patchFrame(0.5)
	tests := []struct {
		name    string
		mutate  func(f *Frame)
		wantErr error
	}{
		{"width", func(f *Frame) { f.Width = 5 }, ErrDimensionMismatch},
		{"height", func(f *Frame) { f.Height = 3 }, ErrDimensionMismatch},
		{"short depth", func(f *Frame) { f.Depth = f.Depth[:10] }, ErrDimensionMismatch},
		{"short color", func(f *Frame) { f.Color = make([]uint32, 3) }, ErrDimensionMismatch},
		{"scaled pose", func(f *Frame) {
			f.CameraToVolume = transform.Transform{2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 1}
		}, ErrInvalidTransform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := good
			f.Depth = append([]float32(nil), good.Depth...)
			tt.mutate(&f)
			_, err := it.Integrate(vol, f)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	d1, v1, c1 := snapshotField(vol)
	assert.Empty(t, cmp.Diff(d0, d1))
	assert.Empty(t, cmp.Diff(v0, v1, cmp.Comparer(func(a, b float32) bool { return a == b })))
	assert.Empty(t, cmp.Diff(c0, c1))
	assert.Zero(t, vol.FramesIntegrated())
}

func TestIntegrate_ColorBlending(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, true)
	it := newPatchIntegrator(t, PolicyVarianceWeighted)
	in := patchIntrinsics()

	red := patchFrame(0.5)
	red.Color = constantColor(in, 0xFF0000)
	_, err := it.Integrate(vol, red)
	require.NoError(t, err)
	vox, _ := vol.Read(0, 0, 9)
	assert.Equal(t, uint32(0xFF0000), vox.Color, "first observation takes the observed colour")

	// Equal variances: the stored and observed colours get equal weight.
	blue := patchFrame(0.5)
	blue.Color = constantColor(in, 0x0000FF)
	_, err = it.Integrate(vol, blue)
	require.NoError(t, err)
	vox, _ = vol.Read(0, 0, 9)
	assert.Equal(t, uint32(0x800080), vox.Color)
}

func TestIntegrate_BlackFrameStillBlends(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, true)
	it := newPatchIntegrator(t, PolicyFixedRate)
	in := patchIntrinsics()

	red := patchFrame(0.5)
	red.Color = constantColor(in, 0xFF0000)
	_, err := it.Integrate(vol, red)
	require.NoError(t, err)

	black := patchFrame(0.5)
	black.Color = make([]uint32, in.Width*in.Height)
	_, err = it.Integrate(vol, black)
	require.NoError(t, err)

	vox, _ := vol.Read(0, 0, 9)
	// 255 * (1 - 0.2) = 204
	assert.Equal(t, uint32(204)<<16, vox.Color)
}

func TestIntegrate_ColorIgnoredWithoutChannel(t *testing.T) {
	t.Parallel()

	vol := newPatchVolume(t, r3.Vec{}, false)
	it := newPatchIntegrator(t, PolicyVarianceWeighted)
	f := patchFrame(0.5)
	f.Color = constantColor(patchIntrinsics(), 0x00FF00)

	_, err := it.Integrate(vol, f)
	require.NoError(t, err)
	vox, _ := vol.Read(0, 0, 9)
	assert.Zero(t, vox.Color)
	assert.True(t, vox.Observed())
}

func TestIntegrate_WorkerCountDoesNotChangeResult(t *testing.T) {
	t.Parallel()

	in := transform.Intrinsics{Fx: 40, Fy: 40, Cx: 10, Cy: 8, Width: 20, Height: 16}
	depth := make([]float32, in.Width*in.Height)
	for i := range depth {
		depth[i] = 0.3 + float32(i%7)*0.01
	}
	frame := Frame{Width: in.Width, Height: in.Height, Depth: depth, CameraToVolume: overheadPose(0.1, 0.1, 0.5)}

	run := func(workers int) []float32 {
		vol, err := NewVolume(DefaultVolumeConfig().WithShape(10, 10, 10).WithResolution(0.02).WithColorChannel(false))
		require.NoError(t, err)
		it, err := NewIntegrator(in, DefaultFusionParams().WithTruncationMargin(0.05))
		require.NoError(t, err)
		it.WithWorkers(workers)
		_, err = it.Integrate(vol, frame)
		require.NoError(t, err)
		d, _, _ := snapshotField(vol)
		return d
	}
	assert.Empty(t, cmp.Diff(run(1), run(7)))
}

func TestNewIntegrator_Invalid(t *testing.T) {
	t.Parallel()

	_, err := NewIntegrator(transform.Intrinsics{Fx: 0, Fy: 1, Width: 1, Height: 1}, DefaultFusionParams())
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewIntegrator(patchIntrinsics(), DefaultFusionParams().WithTruncationMargin(0))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewIntegrator(patchIntrinsics(), DefaultFusionParams().WithPolicy(PolicyFixedRate).WithBlendRate(0))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewIntegrator(patchIntrinsics(), DefaultFusionParams().WithPolicy(Policy(9)))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want Policy
	}{
		{"", PolicyVarianceWeighted},
		{"variance", PolicyVarianceWeighted},
		{"FIXED_RATE", PolicyFixedRate},
	} {
		got, err := ParsePolicy(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParsePolicy("median")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Equal(t, "fixed_rate", PolicyFixedRate.String())
}
