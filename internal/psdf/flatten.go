package psdf

import (
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// FlattenOptions controls the 2.5D projection of a volume.
type FlattenOptions struct {
	// SurfaceThreshold is the largest normalised distance treated as surface.
	SurfaceThreshold float32
	// EmptyVariance is written to columns with no surface voxel.
	EmptyVariance float32

	// Smooth enables the masked bilateral filter on the height map.
	Smooth           bool
	SmoothKernel     int     // odd window size in columns
	SmoothSigmaColor float64 // metres
	SmoothSigmaSpace float64 // columns
}

// DefaultFlattenOptions returns the standard thresholds with smoothing off.
func DefaultFlattenOptions() FlattenOptions {
	return FlattenOptions{
		SurfaceThreshold: 0.01,
		EmptyVariance:    10,
		SmoothKernel:     5,
		SmoothSigmaColor: 0.1,
		SmoothSigmaSpace: 5,
	}
}

// FlatMaps are per-column maps indexed [x*Cols + y].
type FlatMaps struct {
	Rows, Cols int // volume shape along x and y

	Mask        []bool       // true where the column has a surface voxel
	SurfaceZ    []int        // chosen z index, -1 for empty columns
	HeightMap   []float32    // volume-frame z of the surface
	PointMap    [][3]float32 // volume-frame surface point
	NormalMap   [][3]float32 // unit normal, zero where undefined
	VarianceMap []float32
	ColorMap    []RGB

	Duration time.Duration
}

// At returns the flat index of column (x, y).
func (m *FlatMaps) At(x, y int) int { return x*m.Cols + y }

// Flatten projects the volume onto its x-y plane by picking the highest
// surface voxel in every column. It only reads the volume.
func Flatten(vol *Volume, opts FlattenOptions) *FlatMaps {
	start := time.Now()
	vol.mu.RLock()
	defer vol.mu.RUnlock()

	X, Y, Z := vol.cfg.Shape[0], vol.cfg.Shape[1], vol.cfg.Shape[2]
	n := X * Y
	m := &FlatMaps{
		Rows:        X,
		Cols:        Y,
		Mask:        make([]bool, n),
		SurfaceZ:    make([]int, n),
		HeightMap:   make([]float32, n),
		PointMap:    make([][3]float32, n),
		NormalMap:   make([][3]float32, n),
		VarianceMap: make([]float32, n),
		ColorMap:    make([]RGB, n),
	}
	floorZ := vol.positions[0][2]

	var g errgroup.Group
	g.SetLimit(max(1, min(X, 8)))
	for x := 0; x < X; x++ {
		g.Go(func() error {
			for y := 0; y < Y; y++ {
				c := x*Y + y
				base := c * Z
				m.SurfaceZ[c] = -1
				m.HeightMap[c] = floorZ
				m.VarianceMap[c] = opts.EmptyVariance
				for z := Z - 1; z >= 0; z-- {
					i := base + z
					if vol.variance[i] == UnobservedVariance || vol.distance[i] > opts.SurfaceThreshold {
						continue
					}
					m.Mask[c] = true
					m.SurfaceZ[c] = z
					m.HeightMap[c] = vol.positions[i][2]
					m.VarianceMap[c] = vol.variance[i]
					if vol.color != nil {
						m.ColorMap[c] = DecodeColor(vol.color[i])
					}
					break
				}
			}
			return nil
		})
	}
	g.Wait() // column workers only read the volume and never fail

	if opts.Smooth {
		m.HeightMap = bilateralMasked(m.HeightMap, m.Mask, X, Y, opts.SmoothKernel, opts.SmoothSigmaColor, opts.SmoothSigmaSpace)
	}

	for x := 0; x < X; x++ {
		for y := 0; y < Y; y++ {
			c := x*Y + y
			p := vol.positions[c*Z]
			m.PointMap[c] = [3]float32{p[0], p[1], m.HeightMap[c]}
		}
	}
	computeNormals(m)
	m.Duration = time.Since(start)
	return m
}

// computeNormals fills NormalMap with normalize(dx × dy) using central
// differences along x and y. A neighbour that is outside the map or empty is
// replaced by the centre point.
func computeNormals(m *FlatMaps) {
	X, Y := m.Rows, m.Cols
	point := func(x, y, cx, cy int) r3.Vec {
		if x < 0 || x >= X || y < 0 || y >= Y || !m.Mask[x*Y+y] {
			x, y = cx, cy
		}
		p := m.PointMap[x*Y+y]
		return r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
	}
	for x := 0; x < X; x++ {
		for y := 0; y < Y; y++ {
			c := x*Y + y
			if !m.Mask[c] {
				continue
			}
			dx := r3.Sub(point(x+1, y, x, y), point(x-1, y, x, y))
			dy := r3.Sub(point(x, y+1, x, y), point(x, y-1, x, y))
			n := r3.Cross(dx, dy)
			if r3.Norm(n) == 0 {
				continue
			}
			n = r3.Unit(n)
			m.NormalMap[c] = [3]float32{float32(n.X), float32(n.Y), float32(n.Z)}
		}
	}
}
