// Package source produces raw depth camera captures for the fusion node.
package source

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf/transform"
)

// RawFrame is one synchronised capture as a camera driver delivers it.
type RawFrame struct {
	Seq            uint64
	TimestampNanos int64
	Width, Height  int
	DepthMM        []uint16 // row-major millimetres, 0 = no return
	Color          []uint8  // row-major rgb8, nil when the camera has no colour stream
	ToolPose       Pose     // tool0 in the world frame at capture time
}

// Pose is a position and unit quaternion, as published by a robot controller.
type Pose struct {
	Position       r3.Vec
	Qx, Qy, Qz, Qw float64
}

// Transform returns the tool-to-world transform.
func (p Pose) Transform() (transform.Transform, error) {
	return transform.FromQuaternion(p.Position, p.Qx, p.Qy, p.Qz, p.Qw)
}

// Source yields frames until it is exhausted (io.EOF) or ctx ends.
type Source interface {
	Next(ctx context.Context) (*RawFrame, error)
}
