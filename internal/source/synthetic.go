package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

// Box is an axis-aligned box resting on the ground plane.
type Box struct {
	Center r3.Vec // x, y of the footprint centre; Z is ignored
	Half   r3.Vec // half extents in x and y; Z is the box height
	Color  [3]uint8
}

// SyntheticOptions describe the scene and the camera path.
type SyntheticOptions struct {
	GroundZ     float64
	GroundColor [3]uint8
	Boxes       []Box

	// The tool circles PathCenter at PathRadius and PathHeight above the
	// ground, pointing straight down, completing one orbit every
	// FramesPerOrbit frames.
	PathCenter     r3.Vec
	PathRadius     float64
	PathHeight     float64
	FramesPerOrbit int

	MaxDepth   float64 // metres; farther returns read 0
	DepthNoise float64 // standard deviation in metres
	Seed       int64
	WithColor  bool
	MaxFrames  int // 0 = unlimited
}

// DefaultSyntheticOptions is a 64cm square ground patch with one block,
// matching the default volume placement.
func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{
		GroundZ:     0.02,
		GroundColor: [3]uint8{120, 120, 120},
		Boxes: []Box{
			{Center: r3.Vec{X: 0.05, Y: -0.04}, Half: r3.Vec{X: 0.08, Y: 0.06, Z: 0.12}, Color: [3]uint8{200, 60, 40}},
		},
		PathRadius:     0.1,
		PathHeight:     0.6,
		FramesPerOrbit: 120,
		MaxDepth:       2,
		DepthNoise:     0.0005,
		Seed:           1,
		WithColor:      true,
	}
}

// Synthetic ray-casts a static scene from a camera carried by a moving tool.
type Synthetic struct {
	in        transform.Intrinsics
	camToTool transform.Transform
	opts      SyntheticOptions

	mu  sync.Mutex
	seq uint64
	rng *rand.Rand
	now func() time.Time
}

// NewSynthetic creates a generator for a camera with the given calibration.
func NewSynthetic(in transform.Intrinsics, camToTool transform.Transform, opts SyntheticOptions) (*Synthetic, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !camToTool.IsRigid() {
		return nil, fmt.Errorf("%w: cam_to_tool0", transform.ErrInvalidTransform)
	}
	if opts.FramesPerOrbit <= 0 {
		opts.FramesPerOrbit = 1
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = math.MaxUint16 / 1000.0
	}
	return &Synthetic{
		in:        in,
		camToTool: camToTool,
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		now:       time.Now,
	}, nil
}

// ToolPoseAt returns the tool pose of frame k. The tool z axis points down.
func (s *Synthetic) ToolPoseAt(k uint64) Pose {
	a := 2 * math.Pi * float64(k%uint64(s.opts.FramesPerOrbit)) / float64(s.opts.FramesPerOrbit)
	return Pose{
		Position: r3.Vec{
			X: s.opts.PathCenter.X + s.opts.PathRadius*math.Cos(a),
			Y: s.opts.PathCenter.Y + s.opts.PathRadius*math.Sin(a),
			Z: s.opts.GroundZ + s.opts.PathHeight,
		},
		// 180 degrees about x.
		Qx: 1,
	}
}

// Next renders the next frame. It returns io.EOF after MaxFrames frames.
func (s *Synthetic) Next(ctx context.Context) (*RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.MaxFrames > 0 && s.seq >= uint64(s.opts.MaxFrames) {
		return nil, io.EOF
	}
	k := s.seq
	s.seq++

	pose := s.ToolPoseAt(k)
	toolToWorld, err := pose.Transform()
	if err != nil {
		return nil, err
	}
	camToWorld, err := transform.Compose(s.camToTool, toolToWorld)
	if err != nil {
		return nil, err
	}

	w, h := s.in.Width, s.in.Height
	f := &RawFrame{
		Seq:            k,
		TimestampNanos: s.now().UnixNano(),
		Width:          w,
		Height:         h,
		DepthMM:        make([]uint16, w*h),
		ToolPose:       pose,
	}
	if s.opts.WithColor {
		f.Color = make([]uint8, 3*w*h)
	}

	origin := camToWorld.TranslationVec()
	rot := camToWorld
	rot[3], rot[7], rot[11] = 0, 0, 0
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			// Camera-frame ray with unit z, so the hit parameter is the depth.
			d := rot.Apply(s.in.Unproject(float64(col)+0.5, float64(row)+0.5, 1))
			t, c, ok := s.cast(origin, d)
			i := row*w + col
			if !ok {
				continue
			}
			if s.opts.DepthNoise > 0 {
				t += s.rng.NormFloat64() * s.opts.DepthNoise
			}
			if t <= 0 || t > s.opts.MaxDepth || t*1000 > math.MaxUint16 {
				continue
			}
			f.DepthMM[i] = uint16(math.Round(t * 1000))
			if f.Color != nil {
				copy(f.Color[3*i:3*i+3], c[:])
			}
		}
	}
	return f, nil
}

// cast intersects the ray o + t·d with the scene and returns the nearest hit.
func (s *Synthetic) cast(o, d r3.Vec) (float64, [3]uint8, bool) {
	best := math.Inf(1)
	var color [3]uint8
	if d.Z != 0 {
		if t := (s.opts.GroundZ - o.Z) / d.Z; t > 0 {
			best, color = t, s.opts.GroundColor
		}
	}
	for _, b := range s.opts.Boxes {
		lo := r3.Vec{X: b.Center.X - b.Half.X, Y: b.Center.Y - b.Half.Y, Z: s.opts.GroundZ}
		hi := r3.Vec{X: b.Center.X + b.Half.X, Y: b.Center.Y + b.Half.Y, Z: s.opts.GroundZ + b.Half.Z}
		if t, ok := rayBox(o, d, lo, hi); ok && t < best {
			best, color = t, b.Color
		}
	}
	return best, color, !math.IsInf(best, 1)
}

// rayBox is the slab test. It returns the entry parameter of a ray starting
// outside the box.
func rayBox(o, d, lo, hi r3.Vec) (float64, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	for _, ax := range [3][4]float64{
		{o.X, d.X, lo.X, hi.X},
		{o.Y, d.Y, lo.Y, hi.Y},
		{o.Z, d.Z, lo.Z, hi.Z},
	} {
		oa, da, l, h := ax[0], ax[1], ax[2], ax[3]
		if da == 0 {
			if oa < l || oa > h {
				return 0, false
			}
			continue
		}
		t1, t2 := (l-oa)/da, (h-oa)/da
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin, tmax = math.Max(tmin, t1), math.Min(tmax, t2)
		if tmin > tmax {
			return 0, false
		}
	}
	if tmin <= 0 {
		return 0, false
	}
	return tmin, true
}
