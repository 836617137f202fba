package transform

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Intrinsics is a pinhole camera model together with the image size the
// model was calibrated for.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
	Width  int
	Height int
}

// IntrinsicsFromK builds Intrinsics from a row-major 3x3 camera matrix.
func IntrinsicsFromK(k [9]float64, width, height int) (Intrinsics, error) {
	in := Intrinsics{Fx: k[0], Fy: k[4], Cx: k[2], Cy: k[5], Width: width, Height: height}
	if err := in.Validate(); err != nil {
		return Intrinsics{}, err
	}
	return in, nil
}

// Validate checks focal lengths and image size.
func (in Intrinsics) Validate() error {
	if in.Fx <= 0 || in.Fy <= 0 {
		return fmt.Errorf("focal lengths must be positive, got fx=%g fy=%g", in.Fx, in.Fy)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("image size must be positive, got %dx%d", in.Width, in.Height)
	}
	return nil
}

// K returns the row-major 3x3 camera matrix.
func (in Intrinsics) K() [9]float64 {
	return [9]float64{in.Fx, 0, in.Cx, 0, in.Fy, in.Cy, 0, 0, 1}
}

// ProjectPoint maps a camera-frame point to continuous pixel coordinates.
// ok is false when the point is not in front of the camera.
func (in Intrinsics) ProjectPoint(p r3.Vec) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	return in.Fx*p.X/p.Z + in.Cx, in.Fy*p.Y/p.Z + in.Cy, true
}

// Unproject maps pixel coordinates and a depth back to a camera-frame point.
func (in Intrinsics) Unproject(u, v, depth float64) r3.Vec {
	return r3.Vec{
		X: (u - in.Cx) / in.Fx * depth,
		Y: (v - in.Cy) / in.Fy * depth,
		Z: depth,
	}
}

// Projection is the pinhole image of one camera-frame point.
type Projection struct {
	U, V  float64 // pixel coordinates (column, row)
	Depth float64 // camera-frame z
	Valid bool    // false when the point is behind the camera
}

// Project projects a batch of camera-frame points.
func Project(in Intrinsics, cameraPoints []r3.Vec) []Projection {
	out := make([]Projection, len(cameraPoints))
	for i, p := range cameraPoints {
		u, v, ok := in.ProjectPoint(p)
		out[i] = Projection{U: u, V: v, Depth: p.Z, Valid: ok}
	}
	return out
}

// InImage reports whether continuous pixel coordinates fall inside the image.
func (in Intrinsics) InImage(u, v float64) bool {
	return u >= 0 && u < float64(in.Width) && v >= 0 && v < float64(in.Height)
}
