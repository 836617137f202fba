package visualiser

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf"
)

// Image encodings.
const (
	Encoding32FC3 = "32FC3"
	Encoding32FC1 = "32FC1"
	EncodingRGB8  = "rgb8"
)

// ErrBadImage is returned when an image payload does not match its header.
var ErrBadImage = errors.New("malformed image")

// Image is a row-major raster. Rows follow the volume x axis, columns y.
type Image struct {
	Encoding string
	Height   int
	Width    int
	Data     []byte
}

// Empty reports whether the image carries no data.
func (im Image) Empty() bool { return im.Encoding == "" }

// Channels returns the number of values per pixel.
func (im Image) Channels() int {
	switch im.Encoding {
	case Encoding32FC3, EncodingRGB8:
		return 3
	case Encoding32FC1:
		return 1
	}
	return 0
}

// Float32s decodes a 32FC1 or 32FC3 payload.
func (im Image) Float32s() ([]float32, error) {
	if im.Encoding != Encoding32FC1 && im.Encoding != Encoding32FC3 {
		return nil, fmt.Errorf("%w: encoding %q is not float", ErrBadImage, im.Encoding)
	}
	n := im.Height * im.Width * im.Channels()
	if len(im.Data) != 4*n {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %s", ErrBadImage, len(im.Data), im.Height, im.Width, im.Encoding)
	}
	return unpackFloats(im.Data)
}

// EncodeVec3 packs a per-column vector map as 32FC3.
func EncodeVec3(rows, cols int, v [][3]float32) (Image, error) {
	if len(v) != rows*cols {
		return Image{}, fmt.Errorf("%w: %d values for %dx%d", ErrBadImage, len(v), rows, cols)
	}
	b := make([]byte, 0, 12*len(v))
	for _, p := range v {
		b = protowire.AppendFixed32(b, math.Float32bits(p[0]))
		b = protowire.AppendFixed32(b, math.Float32bits(p[1]))
		b = protowire.AppendFixed32(b, math.Float32bits(p[2]))
	}
	return Image{Encoding: Encoding32FC3, Height: rows, Width: cols, Data: b}, nil
}

// EncodeScalar packs a per-column scalar map as 32FC1.
func EncodeScalar(rows, cols int, v []float32) (Image, error) {
	if len(v) != rows*cols {
		return Image{}, fmt.Errorf("%w: %d values for %dx%d", ErrBadImage, len(v), rows, cols)
	}
	return Image{Encoding: Encoding32FC1, Height: rows, Width: cols, Data: packFloats(v)}, nil
}

// EncodeRGB packs a color map as rgb8.
func EncodeRGB(rows, cols int, c []psdf.RGB) (Image, error) {
	if len(c) != rows*cols {
		return Image{}, fmt.Errorf("%w: %d values for %dx%d", ErrBadImage, len(c), rows, cols)
	}
	b := make([]byte, 0, 3*len(c))
	for _, px := range c {
		packed := psdf.EncodeColor(px)
		b = append(b, byte(packed>>16), byte(packed>>8), byte(packed))
	}
	return Image{Encoding: EncodingRGB8, Height: rows, Width: cols, Data: b}, nil
}

// PreviewOptions scale the height preview into [0, 1].
type PreviewOptions struct {
	BaseZ  float64 // z subtracted from every height, usually the placement's z translation
	RangeZ float64 // extent of the volume along z
}

// PreviewOptionsFor derives preview scaling from a volume configuration.
func PreviewOptionsFor(cfg psdf.VolumeConfig) PreviewOptions {
	return PreviewOptions{
		BaseZ:  cfg.VolumeToWorld[11],
		RangeZ: float64(cfg.Shape[2]) * cfg.Resolution,
	}
}

// HeightPreview returns (height - BaseZ) / RangeZ as 32FC1.
func HeightPreview(m *psdf.FlatMaps, o PreviewOptions) Image {
	scale := 1.0
	if o.RangeZ > 0 {
		scale = 1 / o.RangeZ
	}
	out := make([]float32, len(m.HeightMap))
	for i, h := range m.HeightMap {
		out[i] = float32((float64(h) - o.BaseZ) * scale)
	}
	return Image{Encoding: Encoding32FC1, Height: m.Rows, Width: m.Cols, Data: packFloats(out)}
}

// NormalPreview maps the normal z component from [-1, 1] to [0, 1].
func NormalPreview(m *psdf.FlatMaps) Image {
	out := make([]float32, len(m.NormalMap))
	for i, n := range m.NormalMap {
		out[i] = (n[2] + 1) / 2
	}
	return Image{Encoding: Encoding32FC1, Height: m.Rows, Width: m.Cols, Data: packFloats(out)}
}

// VariancePreview min-max normalises the variance map. A constant map
// becomes all zeros.
func VariancePreview(m *psdf.FlatMaps) Image {
	out := make([]float32, len(m.VarianceMap))
	if len(out) > 0 {
		lo, hi := m.VarianceMap[0], m.VarianceMap[0]
		for _, v := range m.VarianceMap[1:] {
			lo, hi = min(lo, v), max(hi, v)
		}
		if hi > lo {
			for i, v := range m.VarianceMap {
				out[i] = (v - lo) / (hi - lo)
			}
		}
	}
	return Image{Encoding: Encoding32FC1, Height: m.Rows, Width: m.Cols, Data: packFloats(out)}
}

// EncodePoints packs points as consecutive float32 x, y, z.
func EncodePoints(pts []r3.Vec) []byte {
	b := make([]byte, 0, 12*len(pts))
	for _, p := range pts {
		b = protowire.AppendFixed32(b, math.Float32bits(float32(p.X)))
		b = protowire.AppendFixed32(b, math.Float32bits(float32(p.Y)))
		b = protowire.AppendFixed32(b, math.Float32bits(float32(p.Z)))
	}
	return b
}

// DecodePoints is the inverse of EncodePoints.
func DecodePoints(b []byte) ([]r3.Vec, error) {
	if len(b)%12 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of points", ErrBadImage, len(b))
	}
	f, err := unpackFloats(b)
	if err != nil {
		return nil, err
	}
	pts := make([]r3.Vec, len(f)/3)
	for i := range pts {
		pts[i] = r3.Vec{X: float64(f[3*i]), Y: float64(f[3*i+1]), Z: float64(f[3*i+2])}
	}
	return pts, nil
}

func packFloats(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	return b
}

func unpackFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of floats", ErrBadImage, len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		u, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(u))
		b = b[n:]
	}
	return out, nil
}
