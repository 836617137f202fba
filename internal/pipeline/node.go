// Package pipeline turns raw camera captures into fused volume updates and
// published maps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/config"
	"github.com/banshee-data/psdf/internal/monitoring"
	"github.com/banshee-data/psdf/internal/psdf"
	"github.com/banshee-data/psdf/internal/psdf/transform"
	"github.com/banshee-data/psdf/internal/source"
	"github.com/banshee-data/psdf/internal/timeutil"
	"github.com/banshee-data/psdf/internal/visualiser"
)

// Publisher receives every map frame the node produces.
type Publisher interface {
	Publish(f *visualiser.MapFrame)
}

// NodeOptions configure a Node.
type NodeOptions struct {
	// Show adds preview images, the colour map, the surface point cloud and
	// the back-projected depth cloud to every published frame.
	Show bool
	// Publisher is optional.
	Publisher Publisher
}

// Node is the per-frame callback of the fusion service.
type Node struct {
	mgr       *psdf.VolumeManager
	camera    transform.Intrinsics
	camToTool transform.Transform
	world     transform.Transform // world to volume
	opts      NodeOptions
	preview   visualiser.PreviewOptions
	frameID   atomic.Uint64
	logf      func(format string, v ...interface{})
}

// NewNode binds a volume manager to a calibrated camera.
func NewNode(mgr *psdf.VolumeManager, ci *config.CameraInfo, opts NodeOptions) (*Node, error) {
	in, err := psdf.IntrinsicsFromCameraInfo(ci)
	if err != nil {
		return nil, err
	}
	camToTool := transform.Transform(ci.CamToTool0)
	if !camToTool.IsRigid() {
		return nil, fmt.Errorf("%w: cam_to_tool0 is not a rigid transform", psdf.ErrInvalidConfig)
	}
	cfg := mgr.Volume.Config()
	return &Node{
		mgr:       mgr,
		camera:    in,
		camToTool: camToTool,
		world:     transform.Invert(cfg.VolumeToWorld),
		opts:      opts,
		preview:   visualiser.PreviewOptionsFor(cfg),
		logf:      monitoring.VolumeLogf("Pipeline", mgr.VolumeID),
	}, nil
}

// CameraToVolume computes inv(T_volume_to_world) · T_tool_to_world · T_cam_to_tool.
func (n *Node) CameraToVolume(toolToWorld transform.Transform) (transform.Transform, error) {
	camToWorld, err := transform.Compose(n.camToTool, toolToWorld)
	if err != nil {
		return transform.Transform{}, err
	}
	return transform.Compose(camToWorld, n.world)
}

func (n *Node) reject(reason string, err error) error {
	monitoring.FramesRejected.WithLabelValues(n.mgr.VolumeID, reason).Inc()
	n.logf("frame rejected: %v", err)
	return err
}

// HandleFrame fuses one capture, flattens the volume and publishes the maps.
// A rejected frame leaves the volume untouched.
func (n *Node) HandleFrame(raw *source.RawFrame) (*visualiser.MapFrame, error) {
	if raw == nil {
		return nil, n.reject("invalid", fmt.Errorf("%w: nil frame", psdf.ErrDimensionMismatch))
	}
	w, h := n.camera.Width, n.camera.Height
	if raw.Width != w || raw.Height != h || len(raw.DepthMM) != w*h {
		return nil, n.reject("dimension_mismatch", fmt.Errorf("%w: frame %dx%d with %d depth values, camera is %dx%d",
			psdf.ErrDimensionMismatch, raw.Width, raw.Height, len(raw.DepthMM), w, h))
	}
	if raw.Color != nil && len(raw.Color) != 3*w*h {
		return nil, n.reject("dimension_mismatch", fmt.Errorf("%w: %d colour bytes for %dx%d",
			psdf.ErrDimensionMismatch, len(raw.Color), w, h))
	}

	toolToWorld, err := raw.ToolPose.Transform()
	if err != nil {
		return nil, n.reject("invalid_transform", fmt.Errorf("%w: tool pose: %w", psdf.ErrInvalidTransform, err))
	}
	camToVolume, err := n.CameraToVolume(toolToWorld)
	if err != nil {
		return nil, n.reject("invalid_transform", err)
	}

	frame := psdf.Frame{
		Width:          w,
		Height:         h,
		Depth:          DepthToMeters(raw.DepthMM),
		CameraToVolume: camToVolume,
	}
	if raw.Color != nil {
		frame.Color = PackColor(raw.Color)
	}
	if _, err := n.mgr.Integrate(frame); err != nil {
		return nil, err
	}

	maps := n.mgr.Flatten()
	ts := time.Unix(0, raw.TimestampNanos)
	mf, err := visualiser.NewMapFrame(n.frameID.Add(1), ts, n.mgr.VolumeID, maps, visualiser.FrameOptions{
		Previews: n.opts.Show,
		Preview:  n.preview,
		Color:    n.opts.Show && n.mgr.Volume.HasColor(),
	})
	if err != nil {
		return nil, err
	}
	if n.opts.Show {
		mf.SurfacePoints = n.mgr.ExtractSurface().Points()
		camToWorld, err := transform.Compose(n.camToTool, toolToWorld)
		if err != nil {
			return nil, err
		}
		mf.DepthPoints = DepthCloud(n.camera, frame.Depth, camToWorld)
	}
	if n.opts.Publisher != nil {
		n.opts.Publisher.Publish(mf)
	}
	return mf, nil
}

// DepthToMeters converts millimetre depth to metres. Zero stays zero.
func DepthToMeters(mm []uint16) []float32 {
	out := make([]float32, len(mm))
	for i, d := range mm {
		out[i] = float32(d) / 1000
	}
	return out
}

// PackColor converts rgb8 bytes to packed 0x00RRGGBB.
func PackColor(rgb []uint8) []uint32 {
	out := make([]uint32, len(rgb)/3)
	for i := range out {
		out[i] = psdf.PackRGB(rgb[3*i], rgb[3*i+1], rgb[3*i+2])
	}
	return out
}

// DepthCloud back-projects every valid pixel through its centre and places
// the points in the frame camToFrame maps to.
func DepthCloud(in transform.Intrinsics, depth []float32, camToFrame transform.Transform) []r3.Vec {
	pts := make([]r3.Vec, 0, len(depth))
	for row := 0; row < in.Height; row++ {
		for col := 0; col < in.Width; col++ {
			d := depth[row*in.Width+col]
			if !(d > 0) {
				continue
			}
			pts = append(pts, in.Unproject(float64(col)+0.5, float64(row)+0.5, float64(d)))
		}
	}
	return transform.ApplyPoints(camToFrame, pts)
}

// Run pulls frames from src at most once per interval until ctx ends or the
// source is exhausted. Rejected frames are skipped.
func (n *Node) Run(ctx context.Context, src source.Source, clock timeutil.Clock, interval time.Duration) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	var tick <-chan time.Time
	if interval > 0 {
		tk := clock.NewTicker(interval)
		defer tk.Stop()
		tick = tk.C()
	}
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		}
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			n.logf("source exhausted after %d frames", n.frameID.Load())
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		// Rejections are logged and counted by HandleFrame.
		_, _ = n.HandleFrame(raw)
	}
}
