package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/psdf/internal/psdf"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// buildHeatmap renders one layer of m as an HTML heat map. Empty columns
// are left out.
func buildHeatmap(m *psdf.FlatMaps, layer MapLayer, title, subtitle string) (*charts.HeatMap, error) {
	values, err := layerValues(m, layer)
	if err != nil {
		return nil, err
	}
	xLabels := make([]string, m.Rows)
	for x := range xLabels {
		xLabels[x] = fmt.Sprintf("%.3f", m.PointMap[m.At(x, 0)][0])
	}
	yLabels := make([]string, m.Cols)
	for y := range yLabels {
		yLabels[y] = fmt.Sprintf("%.3f", m.PointMap[m.At(0, y)][1])
	}

	data := make([]opts.HeatMapData, 0, len(values))
	lo, hi := math.Inf(1), math.Inf(-1)
	for x := 0; x < m.Rows; x++ {
		for y := 0; y < m.Cols; y++ {
			v := values[m.At(x, y)]
			if math.IsNaN(v) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
			data = append(data, opts.HeatMapData{Value: [3]interface{}{x, y, v}})
		}
	}
	if len(data) == 0 {
		lo, hi = 0, 1
	}
	if hi <= lo {
		hi = lo + 1e-6
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: xLabels, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: yLabels, Name: "Y (m)", NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(xLabels).AddSeries(string(layer), data)
	return hm, nil
}

func (ws *WebServer) renderHeatmap(w http.ResponseWriter, r *http.Request, layer MapLayer, title string) {
	mgr := ws.manager(w, r)
	if mgr == nil {
		return
	}
	m := latestMaps(mgr)
	observed := 0
	for _, ok := range m.Mask {
		if ok {
			observed++
		}
	}
	hm, err := buildHeatmap(m, layer, title, fmt.Sprintf("volume=%s columns=%d/%d", mgr.VolumeID, observed, len(m.Mask)))
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleHeightChart renders the height map of the latest flatten pass.
func (ws *WebServer) handleHeightChart(w http.ResponseWriter, r *http.Request) {
	ws.renderHeatmap(w, r, LayerHeight, "PSDF Height Map")
}

// handleVarianceChart renders the variance map of the latest flatten pass.
func (ws *WebServer) handleVarianceChart(w http.ResponseWriter, r *http.Request) {
	ws.renderHeatmap(w, r, LayerVariance, "PSDF Variance Map")
}
