package psdf

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

// Frame is one synchronised depth (and optional colour) capture.
type Frame struct {
	Width, Height int
	// Depth is row-major, in metres. Values <= 0 (or NaN) are invalid.
	Depth []float32
	// Color is row-major packed 0x00RRGGBB. Nil means the frame has no colour.
	Color []uint32
	// CameraToVolume places the camera in the volume frame.
	CameraToVolume transform.Transform
}

// IntegrationStats summarises one call to Integrate.
type IntegrationStats struct {
	Visible  int // voxels that project inside the image in front of the camera
	Updated  int // voxels whose state was written
	Duration time.Duration
}

// Integrator fuses frames from one calibrated camera into volumes.
// It holds no per-volume state and may be shared between volumes.
type Integrator struct {
	intrinsics transform.Intrinsics
	params     FusionParams
	workers    int
}

// NewIntegrator validates the camera model and fusion parameters.
func NewIntegrator(in transform.Intrinsics, params FusionParams) (*Integrator, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Integrator{intrinsics: in, params: params, workers: runtime.GOMAXPROCS(0)}, nil
}

// WithWorkers bounds the number of goroutines used per frame.
func (it *Integrator) WithWorkers(n int) *Integrator {
	if n < 1 {
		n = 1
	}
	it.workers = n
	return it
}

// Intrinsics returns the camera model.
func (it *Integrator) Intrinsics() transform.Intrinsics { return it.intrinsics }

// Params returns the fusion parameters.
func (it *Integrator) Params() FusionParams { return it.params }

// ValidateFrame checks a frame against the camera model without touching any volume.
func (it *Integrator) ValidateFrame(f Frame) error {
	in := it.intrinsics
	if f.Width != in.Width || f.Height != in.Height {
		return fmt.Errorf("%w: frame %dx%d, intrinsics %dx%d", ErrDimensionMismatch, f.Width, f.Height, in.Width, in.Height)
	}
	if len(f.Depth) != in.Width*in.Height {
		return fmt.Errorf("%w: depth has %d values, want %d", ErrDimensionMismatch, len(f.Depth), in.Width*in.Height)
	}
	if f.Color != nil && len(f.Color) != len(f.Depth) {
		return fmt.Errorf("%w: color has %d values, want %d", ErrDimensionMismatch, len(f.Color), len(f.Depth))
	}
	if !f.CameraToVolume.IsRigid() {
		return fmt.Errorf("camera_to_volume: %w", ErrInvalidTransform)
	}
	return nil
}

// Integrate fuses f into vol. Malformed frames are rejected before any voxel
// is written; otherwise the whole frame is applied under the volume's write lock.
func (it *Integrator) Integrate(vol *Volume, f Frame) (IntegrationStats, error) {
	start := time.Now()
	if err := it.ValidateFrame(f); err != nil {
		return IntegrationStats{}, err
	}
	volumeToCamera := transform.Invert(f.CameraToVolume)
	withColor := vol.HasColor() && f.Color != nil

	vol.mu.Lock()
	defer vol.mu.Unlock()

	n := vol.Len()
	slabs := it.workers
	if slabs > n {
		slabs = n
	}
	per := (n + slabs - 1) / slabs
	results := make([]IntegrationStats, slabs)

	var g errgroup.Group
	for s := 0; s < slabs; s++ {
		lo, hi := s*per, min((s+1)*per, n)
		g.Go(func() error {
			results[s] = it.integrateRange(vol, f, volumeToCamera, withColor, lo, hi)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IntegrationStats{}, err
	}

	var stats IntegrationStats
	for _, r := range results {
		stats.Visible += r.Visible
		stats.Updated += r.Updated
	}
	vol.framesIntegrated++
	vol.changesSinceSnapshot += int64(stats.Updated)
	stats.Duration = time.Since(start)
	return stats, nil
}

// integrateRange updates voxels [lo, hi). Ranges passed by Integrate are disjoint.
func (it *Integrator) integrateRange(vol *Volume, f Frame, volumeToCamera transform.Transform, withColor bool, lo, hi int) IntegrationStats {
	in := it.intrinsics
	margin := it.params.TruncationMargin
	t := volumeToCamera

	var st IntegrationStats
	for i := lo; i < hi; i++ {
		p := vol.positions[i]
		px, py, pz := float64(p[0]), float64(p[1]), float64(p[2])
		cz := t[8]*px + t[9]*py + t[10]*pz + t[11]
		if cz <= 0 {
			continue
		}
		cx := t[0]*px + t[1]*py + t[2]*pz + t[3]
		cy := t[4]*px + t[5]*py + t[6]*pz + t[7]
		u := in.Fx*cx/cz + in.Cx
		v := in.Fy*cy/cz + in.Cy
		if !in.InImage(u, v) {
			continue
		}
		st.Visible++

		pix := int(math.Floor(v))*in.Width + int(math.Floor(u))
		depth := float64(f.Depth[pix])
		if !(depth > 0) || math.IsInf(depth, 0) {
			continue
		}
		sd := depth - cz
		if sd < -margin {
			continue
		}
		obs := float32(math.Min(sd/margin, 1))
		w := it.params.ObservationVariance(depth)

		d, nv, alpha := it.params.fuse(vol.distance[i], vol.variance[i], obs, w)
		if withColor {
			vol.color[i] = blendColor(vol.color[i], f.Color[pix], alpha)
		}
		vol.distance[i] = d
		vol.variance[i] = nv
		st.Updated++
	}
	return st
}
