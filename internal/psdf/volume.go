package psdf

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

var (
	// ErrInvalidConfig is returned when a volume or integrator cannot be built
	// from the supplied configuration.
	ErrInvalidConfig = errors.New("invalid psdf configuration")

	// ErrDimensionMismatch is returned when a frame does not match the camera
	// intrinsics it is integrated with.
	ErrDimensionMismatch = errors.New("frame dimensions do not match intrinsics")

	// ErrInvalidTransform is re-exported from the transform package so callers
	// only need to import psdf.
	ErrInvalidTransform = transform.ErrInvalidTransform

	// ErrOutOfBounds is returned by voxel accessors for indices outside the grid.
	ErrOutOfBounds = errors.New("voxel index out of bounds")

	// ErrInvalidVoxel is returned for non-finite distances and negative or
	// NaN variances.
	ErrInvalidVoxel = errors.New("invalid voxel value")
)

// UnobservedVariance marks a voxel that no frame has touched yet.
var UnobservedVariance = float32(math.Inf(1))

// Voxel is the per-cell state of the field.
type Voxel struct {
	Distance float32 // truncated signed distance in [-1, 1]; negative is inside
	Variance float32 // UnobservedVariance until first observed
	Color    uint32  // packed 0x00RRGGBB; zero when the volume has no color
}

// Observed reports whether any frame has contributed to this voxel.
func (v Voxel) Observed() bool {
	return !math.IsInf(float64(v.Variance), 1)
}

// VolumeConfig describes the fixed geometry of a volume.
type VolumeConfig struct {
	Shape         [3]int              // voxels along x, y, z
	Resolution    float64             // metres per voxel
	Origin        r3.Vec              // volume-frame position of voxel (0,0,0)
	VolumeToWorld transform.Transform // placement of the volume frame in the world
	WithColor     bool
}

// DefaultVolumeConfig returns a small colour volume at the world origin.
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		Shape:         [3]int{128, 128, 64},
		Resolution:    0.005,
		VolumeToWorld: transform.Identity,
		WithColor:     true,
	}
}

// WithShape sets the grid dimensions.
func (c VolumeConfig) WithShape(x, y, z int) VolumeConfig {
	c.Shape = [3]int{x, y, z}
	return c
}

// WithResolution sets the voxel edge length in metres.
func (c VolumeConfig) WithResolution(r float64) VolumeConfig {
	c.Resolution = r
	return c
}

// WithOrigin sets the volume-frame position of voxel (0,0,0).
func (c VolumeConfig) WithOrigin(o r3.Vec) VolumeConfig {
	c.Origin = o
	return c
}

// WithVolumeToWorld sets the volume placement.
func (c VolumeConfig) WithVolumeToWorld(t transform.Transform) VolumeConfig {
	c.VolumeToWorld = t
	return c
}

// WithColorChannel enables or disables the colour channel.
func (c VolumeConfig) WithColorChannel(enabled bool) VolumeConfig {
	c.WithColor = enabled
	return c
}

// Validate checks that a volume can be allocated from c.
func (c VolumeConfig) Validate() error {
	for i, n := range c.Shape {
		if n <= 0 {
			return fmt.Errorf("%w: shape[%d] must be positive, got %d", ErrInvalidConfig, i, n)
		}
	}
	if !(c.Resolution > 0) || math.IsInf(c.Resolution, 0) {
		return fmt.Errorf("%w: resolution must be positive, got %g", ErrInvalidConfig, c.Resolution)
	}
	if !c.VolumeToWorld.IsRigid() {
		return fmt.Errorf("%w: volume_to_world: %w", ErrInvalidConfig, ErrInvalidTransform)
	}
	total := int64(c.Shape[0]) * int64(c.Shape[1]) * int64(c.Shape[2])
	if total > math.MaxInt32 {
		return fmt.Errorf("%w: %d voxels exceeds the supported maximum", ErrInvalidConfig, total)
	}
	return nil
}

// Volume is a dense probabilistic signed distance field. Arrays are laid out
// with z fastest so each (x, y) column is contiguous.
//
// Integration takes the write lock for a whole frame; flattening and surface
// extraction take the read lock.
type Volume struct {
	mu sync.RWMutex

	cfg VolumeConfig

	distance  []float32
	variance  []float32
	color     []uint32     // nil when the volume has no colour channel
	positions [][3]float32 // volume-frame centre of every voxel

	// Telemetry, guarded by mu.
	framesIntegrated     int64
	changesSinceSnapshot int64
	snapshotID           *int64
	lastSnapshotTime     time.Time
}

// NewVolume allocates a volume with every voxel unobserved.
func NewVolume(cfg VolumeConfig) (*Volume, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := cfg.Shape[0] * cfg.Shape[1] * cfg.Shape[2]
	v := &Volume{
		cfg:       cfg,
		distance:  make([]float32, n),
		variance:  make([]float32, n),
		positions: make([][3]float32, n),
	}
	if cfg.WithColor {
		v.color = make([]uint32, n)
	}
	for i := range v.variance {
		v.variance[i] = UnobservedVariance
	}

	X, Y, Z := cfg.Shape[0], cfg.Shape[1], cfg.Shape[2]
	res := cfg.Resolution
	for x := 0; x < X; x++ {
		px := float32(cfg.Origin.X + float64(x)*res)
		for y := 0; y < Y; y++ {
			py := float32(cfg.Origin.Y + float64(y)*res)
			base := (x*Y + y) * Z
			for z := 0; z < Z; z++ {
				v.positions[base+z] = [3]float32{px, py, float32(cfg.Origin.Z + float64(z)*res)}
			}
		}
	}
	return v, nil
}

// Config returns the construction parameters.
func (v *Volume) Config() VolumeConfig { return v.cfg }

// Shape returns the grid dimensions.
func (v *Volume) Shape() [3]int { return v.cfg.Shape }

// Resolution returns the voxel edge length.
func (v *Volume) Resolution() float64 { return v.cfg.Resolution }

// HasColor reports whether the volume stores colour.
func (v *Volume) HasColor() bool { return v.color != nil }

// Len returns the number of voxels.
func (v *Volume) Len() int { return len(v.distance) }

// Idx returns the linear index of voxel (x, y, z).
func (v *Volume) Idx(x, y, z int) int {
	return (x*v.cfg.Shape[1]+y)*v.cfg.Shape[2] + z
}

// Coords is the inverse of Idx.
func (v *Volume) Coords(i int) (x, y, z int) {
	Y, Z := v.cfg.Shape[1], v.cfg.Shape[2]
	z = i % Z
	i /= Z
	return i / Y, i % Y, z
}

func (v *Volume) inBounds(x, y, z int) bool {
	s := v.cfg.Shape
	return x >= 0 && x < s[0] && y >= 0 && y < s[1] && z >= 0 && z < s[2]
}

// Read returns a copy of one voxel.
func (v *Volume) Read(x, y, z int) (Voxel, error) {
	if !v.inBounds(x, y, z) {
		return Voxel{}, fmt.Errorf("%w: (%d, %d, %d)", ErrOutOfBounds, x, y, z)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.voxelAt(v.Idx(x, y, z)), nil
}

// checkVoxel accepts any finite distance and a variance in [0, +Inf].
func checkVoxel(distance, variance float32) error {
	d := float64(distance)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return fmt.Errorf("%w: distance must be finite, got %g", ErrInvalidVoxel, distance)
	}
	if variance < 0 || math.IsNaN(float64(variance)) {
		return fmt.Errorf("%w: variance must be non-negative, got %g", ErrInvalidVoxel, variance)
	}
	return nil
}

// Write replaces one voxel. Distance is clamped to [-1, 1]; non-finite
// distances and negative variances are rejected. Colour is dropped when the
// volume has none.
func (v *Volume) Write(x, y, z int, vox Voxel) error {
	if !v.inBounds(x, y, z) {
		return fmt.Errorf("%w: (%d, %d, %d)", ErrOutOfBounds, x, y, z)
	}
	if err := checkVoxel(vox.Distance, vox.Variance); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.Idx(x, y, z)
	v.distance[i] = clampUnit(vox.Distance)
	v.variance[i] = vox.Variance
	if v.color != nil {
		v.color[i] = vox.Color & 0x00FFFFFF
	}
	v.changesSinceSnapshot++
	return nil
}

// WorldPositionOf returns the cached volume-frame centre of voxel (x, y, z).
func (v *Volume) WorldPositionOf(x, y, z int) (r3.Vec, error) {
	if !v.inBounds(x, y, z) {
		return r3.Vec{}, fmt.Errorf("%w: (%d, %d, %d)", ErrOutOfBounds, x, y, z)
	}
	p := v.positions[v.Idx(x, y, z)]
	return r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}, nil
}

// FramesIntegrated returns the number of frames fused so far.
func (v *Volume) FramesIntegrated() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.framesIntegrated
}

// ObservedCount returns the number of voxels with finite variance.
func (v *Volume) ObservedCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, vv := range v.variance {
		if !math.IsInf(float64(vv), 1) {
			n++
		}
	}
	return n
}

func (v *Volume) voxelAt(i int) Voxel {
	vox := Voxel{Distance: v.distance[i], Variance: v.variance[i]}
	if v.color != nil {
		vox.Color = v.color[i]
	}
	return vox
}

func clampUnit(d float32) float32 {
	if d > 1 {
		return 1
	}
	if d < -1 {
		return -1
	}
	return d
}
