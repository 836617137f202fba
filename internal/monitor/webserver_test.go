package monitor

import (
	"bytes"
	"encoding/json"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/psdf/internal/psdf"
	"github.com/banshee-data/psdf/internal/psdf/transform"
	"github.com/banshee-data/psdf/internal/psdfdb"
)

// newTestManager registers a 6x6x6 volume with a flat surface at z=2.
func newTestManager(t *testing.T, id string, store psdf.VolumeStore) *psdf.VolumeManager {
	t.Helper()
	mgr, err := psdf.NewVolumeManager(id, psdf.ManagerOptions{
		Volume:     psdf.DefaultVolumeConfig().WithShape(6, 6, 6).WithResolution(0.1),
		Intrinsics: transform.Intrinsics{Fx: 100, Fy: 100, Cx: 2, Cy: 2, Width: 4, Height: 4},
		Fusion:     psdf.DefaultFusionParams(),
		Flatten:    psdf.DefaultFlattenOptions(),
		Store:      store,
	})
	require.NoError(t, err)
	for x := 0; x < 6; x++ {
		for y := 0; y < 6; y++ {
			for z := 0; z < 6; z++ {
				d := float32(z-2) * 0.3
				require.NoError(t, mgr.Volume.Write(x, y, z, psdf.Voxel{Distance: d, Variance: 0.1 + 0.01*float32(x), Color: 0x00FF00}))
			}
		}
	}
	return mgr
}

func newTestServer(t *testing.T, volumeID string, db *psdfdb.DB) *WebServer {
	t.Helper()
	return NewWebServer(WebServerConfig{Address: "127.0.0.1:0", VolumeID: volumeID, DB: db})
}

func do(t *testing.T, ws *WebServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebServer_HealthAndStatus(t *testing.T) {
	newTestManager(t, "web-status", nil)
	ws := newTestServer(t, "web-status", nil)

	rec := do(t, ws, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Contains(t, health["volumes"], "web-status")

	rec = do(t, ws, http.MethodGet, "/api/psdf/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st psdf.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "web-status", st.VolumeID)
	assert.Equal(t, 216, st.ObservedVoxels)

	rec = do(t, ws, http.MethodGet, "/api/psdf/status?volume_id=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing")

	rec = do(t, ws, http.MethodPost, "/api/psdf/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebServer_PersistAndSnapshots(t *testing.T) {
	db, err := psdfdb.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	newTestManager(t, "web-persist", db)
	ws := newTestServer(t, "web-persist", db)

	rec := do(t, ws, http.MethodGet, "/api/psdf/persist")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, ws, http.MethodPost, "/api/psdf/persist?reason=operator")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"snapshot_id":1`)

	rec = do(t, ws, http.MethodGet, "/api/psdf/snapshots")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []psdfdb.SnapshotSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "operator", list[0].SnapshotReason)
	assert.Equal(t, 216, list[0].ObservedVoxels)

	rec = do(t, ws, http.MethodGet, "/api/psdf/snapshots?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Admin routes are mounted with the database.
	rec = do(t, ws, http.MethodGet, "/debug/")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebServer_PersistDisabled(t *testing.T) {
	newTestManager(t, "web-nopersist", nil)
	ws := newTestServer(t, "web-nopersist", nil)

	rec := do(t, ws, http.MethodPost, "/api/psdf/persist")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, ws, http.MethodGet, "/api/psdf/snapshots")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebServer_MapPNG(t *testing.T) {
	newTestManager(t, "web-png", nil)
	ws := newTestServer(t, "web-png", nil)

	for _, layer := range []string{"", "variance", "normal_z"} {
		rec := do(t, ws, http.MethodGet, "/api/psdf/heightmap.png?size=200&layer="+layer)
		require.Equal(t, http.StatusOK, rec.Code, "layer %q: %s", layer, rec.Body.String())
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
		assert.NoError(t, err)
	}

	rec := do(t, ws, http.MethodGet, "/api/psdf/heightmap.png?layer=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, ws, http.MethodGet, "/api/psdf/heightmap.png?size=5")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebServer_Charts(t *testing.T) {
	newTestManager(t, "web-charts", nil)
	ws := newTestServer(t, "web-charts", nil)

	for _, path := range []string{"/debug/psdf/heightmap", "/debug/psdf/variance"} {
		rec := do(t, ws, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "columns=36/36")
	}
}

func TestWebServer_SurfaceAndMetrics(t *testing.T) {
	newTestManager(t, "web-surface", nil)
	ws := newTestServer(t, "web-surface", nil)

	rec := do(t, ws, http.MethodGet, "/api/psdf/surface")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "v "))
	assert.Contains(t, rec.Body.String(), "\nf ")
	assert.Equal(t, `attachment; filename="web-surface.obj"`, rec.Header().Get("Content-Disposition"))

	rec = do(t, ws, http.MethodGet, "/api/psdf/surface?format=asc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "f ")

	rec = do(t, ws, http.MethodGet, "/api/psdf/surface?format=ply")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, ws, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "psdf_maps_dropped_total")
}

func TestLayerValues(t *testing.T) {
	t.Parallel()

	vol, err := psdf.NewVolume(psdf.DefaultVolumeConfig().WithShape(2, 2, 2).WithResolution(0.1))
	require.NoError(t, err)
	m := psdf.Flatten(vol, psdf.DefaultFlattenOptions())

	// Nothing observed: raw values, no NaN holes.
	v, err := layerValues(m, LayerHeight)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, v)

	require.NoError(t, vol.Write(0, 1, 1, psdf.Voxel{Distance: 0, Variance: 1}))
	m = psdf.Flatten(vol, psdf.DefaultFlattenOptions())
	v, err = layerValues(m, LayerHeight)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, v[m.At(0, 1)], 1e-6)
	assert.True(t, math.IsNaN(v[m.At(1, 1)]), "empty column is NaN")

	_, err = layerValues(m, "nope")
	assert.Error(t, err)
}
