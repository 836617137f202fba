// Package transform provides rigid transforms and pinhole camera projection
// between the world, volume, camera and pixel frames.
//
// Transforms are 4x4 homogeneous matrices stored row-major in a [16]float64.
// All operations are pure and work on batches of points.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidTransform is returned when a matrix is not a proper rigid transform.
var ErrInvalidTransform = errors.New("invalid rigid transform")

// MatrixValidationTolerance bounds the deviation allowed when checking that a
// rotation block is orthonormal with determinant +1.
const MatrixValidationTolerance = 1e-3

// Transform is a row-major 4x4 homogeneous rigid transform.
type Transform [16]float64

// Identity is the identity transform.
var Identity = Transform{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// FromRotationTranslation builds a transform from a row-major 3x3 rotation and a translation.
func FromRotationTranslation(r [9]float64, t r3.Vec) Transform {
	return Transform{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation transform.
func Translation(t r3.Vec) Transform {
	return FromRotationTranslation([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, t)
}

// FromQuaternion builds a transform from a position and a unit quaternion
// given as (x, y, z, w). The quaternion is normalised first.
func FromQuaternion(position r3.Vec, qx, qy, qz, qw float64) (Transform, error) {
	n := math.Sqrt(qx*qx + qy*qy + qz*qz + qw*qw)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Transform{}, fmt.Errorf("%w: zero or non-finite quaternion", ErrInvalidTransform)
	}
	x, y, z, w := qx/n, qy/n, qz/n, qw/n
	r := [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
	return FromRotationTranslation(r, position), nil
}

// Rotation returns the 3x3 rotation block as a gonum matrix.
func (t Transform) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	})
}

// TranslationVec returns the translation column.
func (t Transform) TranslationVec() r3.Vec {
	return r3.Vec{X: t[3], Y: t[7], Z: t[11]}
}

// Dense returns the full 4x4 matrix as a gonum matrix.
func (t Transform) Dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, t[:])
	return mat.NewDense(4, 4, data)
}

// IsRigid reports whether t is a proper rigid transform: orthonormal
// rotation block with determinant +1 and a last row of [0 0 0 1].
func (t Transform) IsRigid() bool {
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1) > MatrixValidationTolerance {
		return false
	}

	r := t.Rotation()
	if math.Abs(mat.Det(r)-1) > MatrixValidationTolerance {
		return false
	}
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	eye := mat.NewDiagDense(3, []float64{1, 1, 1})
	return mat.EqualApprox(&rtr, eye, MatrixValidationTolerance)
}

// Apply transforms a single point.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Compose returns aToC = bToC · aToB. It fails if either input is not rigid.
func Compose(aToB, bToC Transform) (Transform, error) {
	if !aToB.IsRigid() {
		return Transform{}, fmt.Errorf("%w: first operand", ErrInvalidTransform)
	}
	if !bToC.IsRigid() {
		return Transform{}, fmt.Errorf("%w: second operand", ErrInvalidTransform)
	}
	var c mat.Dense
	c.Mul(bToC.Dense(), aToB.Dense())

	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = c.At(i, j)
		}
	}
	// Keep the homogeneous row exact so chains of compositions stay rigid.
	out[12], out[13], out[14], out[15] = 0, 0, 0, 1
	return out, nil
}

// MustCompose is Compose for transforms already known to be rigid.
func MustCompose(aToB, bToC Transform) Transform {
	t, err := Compose(aToB, bToC)
	if err != nil {
		panic(err)
	}
	return t
}

// Invert returns the exact inverse of a rigid transform: (R^T, -R^T t).
func Invert(aToB Transform) Transform {
	r := [9]float64{
		aToB[0], aToB[4], aToB[8],
		aToB[1], aToB[5], aToB[9],
		aToB[2], aToB[6], aToB[10],
	}
	t := aToB.TranslationVec()
	inv := r3.Vec{
		X: -(r[0]*t.X + r[1]*t.Y + r[2]*t.Z),
		Y: -(r[3]*t.X + r[4]*t.Y + r[5]*t.Z),
		Z: -(r[6]*t.X + r[7]*t.Y + r[8]*t.Z),
	}
	return FromRotationTranslation(r, inv)
}

// ApplyPoints applies t to every point and returns a new slice.
func ApplyPoints(t Transform, points []r3.Vec) []r3.Vec {
	if len(points) == 0 {
		return nil
	}
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}
