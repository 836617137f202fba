package psdf

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is the zero level set of a volume in world coordinates.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int32
	Duration  time.Duration
}

// Points returns the mesh vertices as a point set.
func (m *Mesh) Points() []r3.Vec {
	out := make([]r3.Vec, len(m.Vertices))
	copy(out, m.Vertices)
	return out
}

// Normal returns the unit face normal of triangle i.
func (m *Mesh) Normal(i int) r3.Vec {
	t := m.Triangles[i]
	a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
	n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
	if r3.Norm(n) == 0 {
		return r3.Vec{}
	}
	return r3.Unit(n)
}

// ExtractSurface runs marching cubes at distance 0 over every cube whose eight
// corners have been observed. Vertices are shared between neighbouring cubes,
// and the result depends only on the field.
func ExtractSurface(vol *Volume) *Mesh {
	start := time.Now()
	vol.mu.RLock()
	defer vol.mu.RUnlock()

	X, Y, Z := vol.cfg.Shape[0], vol.cfg.Shape[1], vol.cfg.Shape[2]
	mesh := &Mesh{}
	if X < 2 || Y < 2 || Z < 2 {
		mesh.Duration = time.Since(start)
		return mesh
	}

	toWorld := vol.cfg.VolumeToWorld
	res := vol.cfg.Resolution
	origin := vol.cfg.Origin
	vertexOf := make(map[int]int32)

	var corner [8]int
	var value [8]float32
	for x := 0; x < X-1; x++ {
		for y := 0; y < Y-1; y++ {
			for z := 0; z < Z-1; z++ {
				observed := true
				cubeCase := 0
				for c := 0; c < 8; c++ {
					o := cornerOffset(c)
					i := vol.Idx(x+o[0], y+o[1], z+o[2])
					if vol.variance[i] == UnobservedVariance {
						observed = false
						break
					}
					corner[c] = i
					value[c] = vol.distance[i]
					if value[c] < 0 {
						cubeCase |= 1 << c
					}
				}
				if !observed {
					continue
				}
				tris := caseTriangles[cubeCase]
				for _, t := range tris {
					var tri [3]int32
					for k, e := range t {
						ce := cubeEdges[e]
						key := corner[ce.A]*3 + ce.Axis
						idx, ok := vertexOf[key]
						if !ok {
							va, vb := float64(value[ce.A]), float64(value[ce.B])
							s := va / (va - vb)
							oa := cornerOffset(ce.A)
							g := [3]float64{float64(x + oa[0]), float64(y + oa[1]), float64(z + oa[2])}
							g[ce.Axis] += s
							p := r3.Vec{
								X: origin.X + g[0]*res,
								Y: origin.Y + g[1]*res,
								Z: origin.Z + g[2]*res,
							}
							idx = int32(len(mesh.Vertices))
							mesh.Vertices = append(mesh.Vertices, toWorld.Apply(p))
							vertexOf[key] = idx
						}
						tri[k] = idx
					}
					mesh.Triangles = append(mesh.Triangles, tri)
				}
			}
		}
	}
	mesh.Duration = time.Since(start)
	return mesh
}

// WriteASC writes one "x y z" line per vertex.
func (m *Mesh) WriteASC(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, v := range m.Vertices {
		if _, err := fmt.Fprintf(bw, "%.6f %.6f %.6f\n", v.X, v.Y, v.Z); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteOBJ writes the mesh as a Wavefront OBJ.
func (m *Mesh) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, v := range m.Vertices {
		if _, err := fmt.Fprintf(bw, "v %.6f %.6f %.6f\n", v.X, v.Y, v.Z); err != nil {
			return err
		}
	}
	for _, t := range m.Triangles {
		if _, err := fmt.Fprintf(bw, "f %d %d %d\n", t[0]+1, t[1]+1, t[2]+1); err != nil {
			return err
		}
	}
	return bw.Flush()
}
