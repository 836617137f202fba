// Package monitor serves the HTTP status, snapshot and debug endpoints of a
// running fusion volume.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/psdf/internal/psdf"
	"github.com/banshee-data/psdf/internal/psdfdb"
	"github.com/banshee-data/psdf/internal/security"
	"github.com/banshee-data/psdf/internal/visualiser"
)

// WebServer handles the HTTP interface of the fusion node.
type WebServer struct {
	address   string
	server    *http.Server
	volumeID  string
	db        *psdfdb.DB
	publisher *visualiser.Publisher
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address   string
	VolumeID  string                // default volume for requests without volume_id
	DB        *psdfdb.DB            // optional; enables snapshot listing and admin routes
	Publisher *visualiser.Publisher // optional; adds publisher stats to /health
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		volumeID:  config.VolumeID,
		db:        config.DB,
		publisher: config.Publisher,
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the route multiplexer.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[monitor] failed to encode response: %v", err)
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/psdf/status", ws.handleStatus)
	mux.HandleFunc("/api/psdf/persist", ws.handlePersist)
	mux.HandleFunc("/api/psdf/snapshots", ws.handleSnapshots)
	mux.HandleFunc("/api/psdf/heightmap.png", ws.handleMapPNG)
	mux.HandleFunc("/api/psdf/surface", ws.handleSurface)
	mux.HandleFunc("/debug/psdf/heightmap", ws.handleHeightChart)
	mux.HandleFunc("/debug/psdf/variance", ws.handleVarianceChart)
	mux.Handle("/metrics", promhttp.Handler())

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			log.Printf("[monitor] admin routes disabled: %v", err)
		}
	}
	return mux
}

// manager resolves the volume_id query parameter, falling back to the
// configured volume.
func (ws *WebServer) manager(w http.ResponseWriter, r *http.Request) *psdf.VolumeManager {
	id := r.URL.Query().Get("volume_id")
	if id == "" {
		id = ws.volumeID
	}
	mgr := psdf.GetVolumeManager(id)
	if mgr == nil {
		ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no volume manager for %q", id))
	}
	return mgr
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ids := psdf.VolumeIDs()
	sort.Strings(ids)
	resp := map[string]interface{}{
		"status":    "ok",
		"volumes":   ids,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if ws.publisher != nil {
		resp["publisher"] = ws.publisher.Stats()
	}
	ws.writeJSON(w, resp)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	mgr := ws.manager(w, r)
	if mgr == nil {
		return
	}
	ws.writeJSON(w, mgr.Status())
}

// handlePersist writes a snapshot now. Optional query param reason.
func (ws *WebServer) handlePersist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	mgr := ws.manager(w, r)
	if mgr == nil {
		return
	}
	if mgr.PersistCallback == nil {
		ws.writeJSONError(w, http.StatusConflict, "persistence is disabled for this volume")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	if err := mgr.PersistCallback(reason); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("persist failed: %v", err))
		return
	}
	st := mgr.Status()
	ws.writeJSON(w, map[string]interface{}{
		"status":      "persisted",
		"volume_id":   st.VolumeID,
		"snapshot_id": st.SnapshotID,
	})
}

// handleSnapshots lists recent snapshots without their field blobs.
// Query params: volume_id (optional), limit (optional, default 10, max 100).
func (ws *WebServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	id := r.URL.Query().Get("volume_id")
	if id == "" {
		id = ws.volumeID
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 100 {
			ws.writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = v
	}
	list, err := ws.db.ListVolumeSnapshots(id, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list snapshots: %v", err))
		return
	}
	ws.writeJSON(w, list)
}

// latestMaps returns the cached maps or flattens on demand.
func latestMaps(mgr *psdf.VolumeManager) *psdf.FlatMaps {
	if m := mgr.LatestMaps(); m != nil {
		return m
	}
	return mgr.Flatten()
}

// handleSurface exports the iso-surface. Query param format: obj (default)
// or asc.
func (ws *WebServer) handleSurface(w http.ResponseWriter, r *http.Request) {
	mgr := ws.manager(w, r)
	if mgr == nil {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "obj"
	}
	if format != "obj" && format != "asc" {
		ws.writeJSONError(w, http.StatusBadRequest, "format must be obj or asc")
		return
	}
	mesh := mgr.ExtractSurface()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", security.SanitizeName(mgr.VolumeID)+"."+format))
	var err error
	if format == "obj" {
		err = mesh.WriteOBJ(w)
	} else {
		err = mesh.WriteASC(w)
	}
	if err != nil {
		log.Printf("[monitor] surface export failed: %v", err)
	}
}
