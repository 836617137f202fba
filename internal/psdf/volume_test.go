package psdf

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

func TestNewVolume_InvalidConfig(t *testing.T) {
	t.Parallel()

	base := DefaultVolumeConfig().WithShape(4, 4, 4).WithResolution(0.01)
	tests := []struct {
		name string
		cfg  VolumeConfig
	}{
		{"zero x", base.WithShape(0, 4, 4)},
		{"negative z", base.WithShape(4, 4, -1)},
		{"zero resolution", base.WithResolution(0)},
		{"negative resolution", base.WithResolution(-0.1)},
		{"nan resolution", base.WithResolution(math.NaN())},
		{"scaled placement", base.WithVolumeToWorld(transform.Transform{2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVolume(tt.cfg)
			assert.Nil(t, v)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNewVolume_Defaults(t *testing.T) {
	t.Parallel()

	v, err := NewVolume(DefaultVolumeConfig().WithShape(3, 4, 5).WithResolution(0.1).WithOrigin(r3.Vec{X: 1, Y: -1, Z: 0.5}))
	require.NoError(t, err)
	assert.Equal(t, 60, v.Len())
	assert.Equal(t, [3]int{3, 4, 5}, v.Shape())
	assert.True(t, v.HasColor())
	assert.Zero(t, v.ObservedCount())

	for i := 0; i < v.Len(); i++ {
		x, y, z := v.Coords(i)
		require.Equal(t, i, v.Idx(x, y, z))
		vox, err := v.Read(x, y, z)
		require.NoError(t, err)
		assert.Zero(t, vox.Distance)
		assert.True(t, isInf(vox.Variance))
		assert.Zero(t, vox.Color)
		assert.False(t, vox.Observed())
	}

	p, err := v.WorldPositionOf(2, 3, 4)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, p.X, 1e-6)
	assert.InDelta(t, -0.7, p.Y, 1e-6)
	assert.InDelta(t, 0.9, p.Z, 1e-6)
}

func TestVolume_IndexLayoutIsColumnMajorInZ(t *testing.T) {
	t.Parallel()

	v, err := NewVolume(DefaultVolumeConfig().WithShape(2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 0, v.Idx(0, 0, 0))
	assert.Equal(t, 1, v.Idx(0, 0, 1))
	assert.Equal(t, 4, v.Idx(0, 1, 0))
	assert.Equal(t, 12, v.Idx(1, 0, 0))
	assert.Equal(t, 23, v.Idx(1, 2, 3))
}

func TestVolume_ReadWrite(t *testing.T) {
	t.Parallel()

	v, err := NewVolume(DefaultVolumeConfig().WithShape(2, 2, 2).WithColorChannel(false))
	require.NoError(t, err)

	require.NoError(t, v.Write(1, 0, 1, Voxel{Distance: 3, Variance: 0.5, Color: 0xFFFFFF}))
	vox, err := v.Read(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, float32(1), vox.Distance, "distance clamps to [-1, 1]")
	assert.Equal(t, float32(0.5), vox.Variance)
	assert.Zero(t, vox.Color, "no colour channel")
	assert.True(t, vox.Observed())
	assert.Equal(t, 1, v.ObservedCount())

	assert.True(t, errors.Is(v.Write(0, 0, 0, Voxel{Variance: -1}), ErrInvalidVoxel))
	assert.True(t, errors.Is(v.Write(0, 0, 0, Voxel{Variance: float32(math.NaN())}), ErrInvalidVoxel))
	for _, d := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := v.Write(1, 1, 1, Voxel{Distance: float32(d), Variance: 0.1})
		assert.True(t, errors.Is(err, ErrInvalidVoxel), "distance %g: %v", d, err)
	}
	vox, err = v.Read(1, 1, 1)
	require.NoError(t, err)
	assert.False(t, vox.Observed(), "rejected writes leave the voxel untouched")
	assert.Equal(t, 1, v.ObservedCount())

	_, err = v.Read(2, 0, 0)
	assert.True(t, errors.Is(err, ErrOutOfBounds))
	assert.True(t, errors.Is(v.Write(0, -1, 0, Voxel{}), ErrOutOfBounds))
	_, err = v.WorldPositionOf(0, 0, 2)
	assert.True(t, errors.Is(err, ErrOutOfBounds))
}

func TestColorPacking(t *testing.T) {
	t.Parallel()

	c := PackRGB(0x12, 0x34, 0x56)
	assert.Equal(t, uint32(0x123456), c)
	assert.Equal(t, RGB{0x12, 0x34, 0x56}, DecodeColor(c))
	assert.Equal(t, c, EncodeColor(DecodeColor(c)))
	assert.Equal(t, uint32(0xFF0000), EncodeColor(RGB{300, -5, 0.4}))
	assert.Equal(t, uint32(0x800080), blendColor(0xFF0000, 0x0000FF, 0.5))
	assert.Equal(t, uint32(0x0000FF), blendColor(0xFF0000, 0x0000FF, 1))
}

func TestVolumeConfig_Builders(t *testing.T) {
	t.Parallel()

	c := DefaultVolumeConfig().
		WithShape(2, 3, 4).
		WithResolution(0.25).
		WithOrigin(r3.Vec{Z: 1}).
		WithColorChannel(false)
	assert.Equal(t, [3]int{2, 3, 4}, c.Shape)
	assert.Equal(t, 0.25, c.Resolution)
	assert.Equal(t, 1.0, c.Origin.Z)
	assert.False(t, c.WithColor)
	assert.True(t, c.WithColorChannel(true).WithColor)

	v, err := NewVolume(c)
	require.NoError(t, err)
	assert.False(t, v.HasColor())
}
