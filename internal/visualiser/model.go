// Package visualiser publishes flattened fusion maps and surfaces over gRPC.
package visualiser

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf"
)

// MapFrame is everything published for one fused frame.
type MapFrame struct {
	FrameID        uint64
	TimestampNanos int64
	VolumeID       string

	PointMap    Image // 32FC3, volume frame
	NormalMap   Image // 32FC3
	VarianceMap Image // 32FC1

	// Previews, set when the frame is built with previews enabled.
	HeightImage   Image
	NormalImage   Image
	VarianceImage Image
	ColorMap      Image

	// Optional point clouds in the world frame.
	SurfacePoints []r3.Vec
	DepthPoints   []r3.Vec
}

// FrameOptions select the optional parts of a MapFrame.
type FrameOptions struct {
	Previews bool
	Preview  PreviewOptions
	Color    bool
}

// NewMapFrame encodes maps into a MapFrame.
func NewMapFrame(id uint64, ts time.Time, volumeID string, maps *psdf.FlatMaps, o FrameOptions) (*MapFrame, error) {
	if maps == nil {
		return nil, fmt.Errorf("%w: no maps", ErrBadImage)
	}
	f := &MapFrame{FrameID: id, TimestampNanos: ts.UnixNano(), VolumeID: volumeID}
	var err error
	if f.PointMap, err = EncodeVec3(maps.Rows, maps.Cols, maps.PointMap); err != nil {
		return nil, err
	}
	if f.NormalMap, err = EncodeVec3(maps.Rows, maps.Cols, maps.NormalMap); err != nil {
		return nil, err
	}
	if f.VarianceMap, err = EncodeScalar(maps.Rows, maps.Cols, maps.VarianceMap); err != nil {
		return nil, err
	}
	if o.Previews {
		f.HeightImage = HeightPreview(maps, o.Preview)
		f.NormalImage = NormalPreview(maps)
		f.VarianceImage = VariancePreview(maps)
	}
	if o.Color {
		if f.ColorMap, err = EncodeRGB(maps.Rows, maps.Cols, maps.ColorMap); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Marshal encodes the frame in the MapFrame protobuf wire layout.
func (f *MapFrame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, f.FrameID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.TimestampNanos))
	if f.VolumeID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, f.VolumeID)
	}
	for i, im := range []Image{f.PointMap, f.NormalMap, f.VarianceMap, f.HeightImage, f.NormalImage, f.VarianceImage, f.ColorMap} {
		if im.Empty() {
			continue
		}
		b = protowire.AppendTag(b, protowire.Number(4+i), protowire.BytesType)
		b = protowire.AppendBytes(b, im.marshal())
	}
	if len(f.SurfacePoints) > 0 {
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodePoints(f.SurfacePoints))
	}
	if len(f.DepthPoints) > 0 {
		b = protowire.AppendTag(b, 12, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodePoints(f.DepthPoints))
	}
	return b
}

// UnmarshalMapFrame decodes a frame written by Marshal. Unknown fields are
// skipped.
func UnmarshalMapFrame(b []byte) (*MapFrame, error) {
	f := &MapFrame{}
	images := []*Image{&f.PointMap, &f.NormalMap, &f.VarianceMap, &f.HeightImage, &f.NormalImage, &f.VarianceImage, &f.ColorMap}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.FrameID = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.TimestampNanos = int64(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.VolumeID = v
			return n, nil
		case num >= 4 && num <= 10 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			im, err := unmarshalImage(v)
			if err != nil {
				return 0, err
			}
			*images[num-4] = im
			return n, nil
		case (num == 11 || num == 12) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			pts, err := DecodePoints(v)
			if err != nil {
				return 0, err
			}
			if num == 11 {
				f.SurfacePoints = pts
			} else {
				f.DepthPoints = pts
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode map frame: %w", err)
	}
	return f, nil
}

func (im Image) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, im.Encoding)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(im.Height))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(im.Width))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, im.Data)
	return b
}

func unmarshalImage(b []byte) (Image, error) {
	var im Image
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			im.Encoding = v
			return n, nil
		case (num == 2 || num == 3) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if v > math.MaxInt32 {
				return 0, fmt.Errorf("%w: dimension %d", ErrBadImage, v)
			}
			if num == 2 {
				im.Height = int(v)
			} else {
				im.Width = int(v)
			}
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			im.Data = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return im, err
}

// consumeFields walks a message, handing each field value to fn. fn returns
// the number of bytes it consumed or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
