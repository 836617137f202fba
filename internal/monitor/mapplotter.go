package monitor

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/psdf/internal/psdf"
)

// MapLayer selects which flattened map a plot shows.
type MapLayer string

const (
	LayerHeight   MapLayer = "height"
	LayerVariance MapLayer = "variance"
	LayerNormalZ  MapLayer = "normal_z"
)

// layerValues returns one value per column; empty columns are NaN unless
// the whole map is empty.
func layerValues(m *psdf.FlatMaps, layer MapLayer) ([]float64, error) {
	out := make([]float64, len(m.Mask))
	observed := false
	for c := range out {
		switch layer {
		case LayerHeight:
			out[c] = float64(m.HeightMap[c])
		case LayerVariance:
			out[c] = float64(m.VarianceMap[c])
		case LayerNormalZ:
			out[c] = float64(m.NormalMap[c][2])
		default:
			return nil, fmt.Errorf("unknown map layer %q", layer)
		}
		observed = observed || m.Mask[c]
	}
	if observed {
		for c, ok := range m.Mask {
			if !ok {
				out[c] = math.NaN()
			}
		}
	}
	return out, nil
}

// mapGrid adapts a flattened map to plotter.GridXYZ. Columns of the grid
// run along volume x, rows along volume y.
type mapGrid struct {
	m      *psdf.FlatMaps
	values []float64
}

func (g mapGrid) Dims() (c, r int)   { return g.m.Rows, g.m.Cols }
func (g mapGrid) Z(c, r int) float64 { return g.values[g.m.At(c, r)] }
func (g mapGrid) X(c int) float64    { return float64(g.m.PointMap[g.m.At(c, 0)][0]) }
func (g mapGrid) Y(r int) float64    { return float64(g.m.PointMap[g.m.At(0, r)][1]) }

// RenderMapPNG draws one layer of m as a heat map PNG.
func RenderMapPNG(w io.Writer, m *psdf.FlatMaps, layer MapLayer, size vg.Length) error {
	values, err := layerValues(m, layer)
	if err != nil {
		return err
	}
	hm := plotter.NewHeatMap(mapGrid{m: m, values: values}, palette.Heat(16, 1))
	hm.NaN = color.Transparent
	if !(hm.Max > hm.Min) {
		// Constant or all-NaN map: widen the range so the palette is defined.
		lo := hm.Min
		if math.IsInf(lo, 0) || math.IsNaN(lo) {
			lo = 0
		}
		hm.Min, hm.Max = lo, lo+1
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("PSDF %s (%dx%d)", layer, m.Rows, m.Cols)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(hm)

	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("failed to create plot writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// handleMapPNG renders a layer of the latest maps. Query params:
// volume_id (optional), layer (height|variance|normal_z, default height),
// size (optional, points, default 400).
func (ws *WebServer) handleMapPNG(w http.ResponseWriter, r *http.Request) {
	mgr := ws.manager(w, r)
	if mgr == nil {
		return
	}
	layer := MapLayer(r.URL.Query().Get("layer"))
	if layer == "" {
		layer = LayerHeight
	}
	size := 400.0
	if s := r.URL.Query().Get("size"); s != "" {
		if _, err := fmt.Sscanf(s, "%g", &size); err != nil || size < 100 || size > 2000 {
			ws.writeJSONError(w, http.StatusBadRequest, "size must be between 100 and 2000")
			return
		}
	}
	m := latestMaps(mgr)
	if _, err := layerValues(m, layer); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := RenderMapPNG(w, m, layer, vg.Points(size)); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
	}
}
