package psdf

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/psdf/internal/monitoring"
	"github.com/banshee-data/psdf/internal/psdf/transform"
	"github.com/banshee-data/psdf/internal/timeutil"
)

// VolumeManager owns one volume together with the integrator that feeds it
// and the store its snapshots go to. It is the single writer of the volume.
type VolumeManager struct {
	VolumeID  string
	SessionID string

	Volume      *Volume
	Integrator  *Integrator
	FlattenOpts FlattenOptions

	// PersistCallback, when set, writes a snapshot with the given reason.
	PersistCallback func(reason string) error

	logf  func(format string, v ...interface{})
	clock timeutil.Clock
	store VolumeStore

	mu       sync.RWMutex
	lastMaps *FlatMaps
	lastErr  error
	rejected int64
}

var (
	volMgrRegistry   = map[string]*VolumeManager{}
	volMgrRegistryMu = &sync.RWMutex{}
)

// RegisterVolumeManager registers a manager under its volume ID.
func RegisterVolumeManager(volumeID string, mgr *VolumeManager) {
	if volumeID == "" || mgr == nil {
		return
	}
	volMgrRegistryMu.Lock()
	defer volMgrRegistryMu.Unlock()
	volMgrRegistry[volumeID] = mgr
}

// GetVolumeManager returns a registered manager or nil.
func GetVolumeManager(volumeID string) *VolumeManager {
	volMgrRegistryMu.RLock()
	defer volMgrRegistryMu.RUnlock()
	return volMgrRegistry[volumeID]
}

// VolumeIDs lists registered volume IDs.
func VolumeIDs() []string {
	volMgrRegistryMu.RLock()
	defer volMgrRegistryMu.RUnlock()
	ids := make([]string, 0, len(volMgrRegistry))
	for id := range volMgrRegistry {
		ids = append(ids, id)
	}
	return ids
}

// ManagerOptions groups the construction inputs of a VolumeManager.
type ManagerOptions struct {
	Volume      VolumeConfig
	Intrinsics  transform.Intrinsics
	Fusion      FusionParams
	Flatten     FlattenOptions
	Store       VolumeStore    // optional; nil disables persistence
	Clock       timeutil.Clock // optional; RealClock when nil
	WorkerCount int            // optional; GOMAXPROCS when zero
}

// NewVolumeManager allocates the volume, registers the manager under volumeID
// and wires persistence when a store is given.
func NewVolumeManager(volumeID string, opts ManagerOptions) (*VolumeManager, error) {
	if volumeID == "" {
		return nil, fmt.Errorf("%w: empty volume id", ErrInvalidConfig)
	}
	vol, err := NewVolume(opts.Volume)
	if err != nil {
		return nil, err
	}
	it, err := NewIntegrator(opts.Intrinsics, opts.Fusion)
	if err != nil {
		return nil, err
	}
	if opts.WorkerCount > 0 {
		it.WithWorkers(opts.WorkerCount)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &VolumeManager{
		VolumeID:    volumeID,
		SessionID:   uuid.NewString(),
		Volume:      vol,
		Integrator:  it,
		FlattenOpts: opts.Flatten,
		logf:        monitoring.VolumeLogf("VolumeManager", volumeID),
		clock:       clock,
		store:       opts.Store,
	}
	if opts.Store != nil {
		m.PersistCallback = func(reason string) error {
			return m.Persist(opts.Store, reason)
		}
	} else {
		m.logf("created without a VolumeStore: persistence disabled")
	}
	RegisterVolumeManager(volumeID, m)
	m.logf("session=%s shape=%v resolution=%g policy=%s",
		m.SessionID, opts.Volume.Shape, opts.Volume.Resolution, opts.Fusion.Policy)
	return m, nil
}

// Integrate fuses one frame. Rejected frames are logged and counted; the
// volume is left untouched.
func (m *VolumeManager) Integrate(f Frame) (IntegrationStats, error) {
	stats, err := m.Integrator.Integrate(m.Volume, f)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, ErrDimensionMismatch):
			reason = "dimension_mismatch"
		case errors.Is(err, ErrInvalidTransform):
			reason = "invalid_transform"
		}
		monitoring.FramesRejected.WithLabelValues(m.VolumeID, reason).Inc()
		m.mu.Lock()
		m.lastErr = err
		m.rejected++
		m.mu.Unlock()
		m.logf("frame rejected: %v", err)
		return stats, err
	}
	monitoring.FramesIntegrated.WithLabelValues(m.VolumeID).Inc()
	monitoring.VoxelsUpdated.WithLabelValues(m.VolumeID).Observe(float64(stats.Updated))
	monitoring.IntegrationDuration.WithLabelValues(m.VolumeID).Observe(stats.Duration.Seconds())
	return stats, nil
}

// Flatten computes the 2.5D maps and keeps them as the latest result.
func (m *VolumeManager) Flatten() *FlatMaps {
	maps := Flatten(m.Volume, m.FlattenOpts)
	monitoring.FlattenDuration.WithLabelValues(m.VolumeID).Observe(maps.Duration.Seconds())
	m.mu.Lock()
	m.lastMaps = maps
	m.mu.Unlock()
	return maps
}

// LatestMaps returns the most recent Flatten result, or nil.
func (m *VolumeManager) LatestMaps() *FlatMaps {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMaps
}

// ExtractSurface runs marching cubes over the volume.
func (m *VolumeManager) ExtractSurface() *Mesh {
	return ExtractSurface(m.Volume)
}

// Status is a point-in-time summary of a managed volume.
type Status struct {
	VolumeID         string    `json:"volume_id"`
	SessionID        string    `json:"session_id"`
	Shape            [3]int    `json:"shape"`
	Resolution       float64   `json:"resolution"`
	Policy           string    `json:"policy"`
	FramesIntegrated int64     `json:"frames_integrated"`
	FramesRejected   int64     `json:"frames_rejected"`
	ObservedVoxels   int       `json:"observed_voxels"`
	ObservedFraction float64   `json:"observed_fraction"`
	VarianceMean     float64   `json:"variance_mean"`
	VarianceStdDev   float64   `json:"variance_stddev"`
	VarianceMin      float64   `json:"variance_min"`
	ChangesPending   int64     `json:"changes_since_snapshot"`
	SnapshotID       *int64    `json:"snapshot_id,omitempty"`
	LastSnapshotTime time.Time `json:"last_snapshot_time,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// Status reports counters and variance statistics over observed voxels.
func (m *VolumeManager) Status() Status {
	v := m.Volume
	v.mu.RLock()
	observed := make([]float64, 0, 1024)
	for _, vv := range v.variance {
		if vv != UnobservedVariance {
			observed = append(observed, float64(vv))
		}
	}
	st := Status{
		VolumeID:         m.VolumeID,
		SessionID:        m.SessionID,
		Shape:            v.cfg.Shape,
		Resolution:       v.cfg.Resolution,
		Policy:           m.Integrator.params.Policy.String(),
		FramesIntegrated: v.framesIntegrated,
		ChangesPending:   v.changesSinceSnapshot,
		LastSnapshotTime: v.lastSnapshotTime,
	}
	if v.snapshotID != nil {
		id := *v.snapshotID
		st.SnapshotID = &id
	}
	v.mu.RUnlock()

	st.ObservedVoxels = len(observed)
	st.ObservedFraction = float64(len(observed)) / float64(v.Len())
	if len(observed) > 0 {
		st.VarianceMean, st.VarianceStdDev = stat.MeanStdDev(observed, nil)
		if math.IsNaN(st.VarianceStdDev) {
			st.VarianceStdDev = 0
		}
		st.VarianceMin = observed[0]
		for _, x := range observed[1:] {
			st.VarianceMin = math.Min(st.VarianceMin, x)
		}
	}

	m.mu.RLock()
	st.FramesRejected = m.rejected
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()
	return st
}

// Persist writes a snapshot of the volume to store and updates the snapshot
// metadata on success. A nil manager or store is a no-op.
func (m *VolumeManager) Persist(store VolumeStore, reason string) error {
	if m == nil || m.Volume == nil || store == nil {
		return nil
	}
	snap, err := m.Volume.Snapshot(m.VolumeID, m.SessionID, reason, m.Integrator.params)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	snap.TakenUnixNanos = now.UnixNano()

	id, err := store.InsertVolumeSnapshot(snap)
	if err != nil {
		return err
	}
	monitoring.SnapshotsPersisted.WithLabelValues(m.VolumeID, reason).Inc()
	total := m.Volume.Len()
	m.logf("persisted snapshot id=%d reason=%s observed=%d/%d (%.2f%%) blob=%d bytes",
		id, reason, snap.ObservedVoxels, total, 100*float64(snap.ObservedVoxels)/float64(total), len(snap.FieldBlob))

	// Integrations that ran while the snapshot was written stay pending.
	v := m.Volume
	v.mu.Lock()
	v.changesSinceSnapshot -= snap.ChangedVoxels
	if v.changesSinceSnapshot < 0 {
		v.changesSinceSnapshot = 0
	}
	v.snapshotID = &id
	v.lastSnapshotTime = now
	v.mu.Unlock()
	return nil
}

// RestoreLatest loads the newest snapshot for this volume from the store.
// It returns false when the store has none.
func (m *VolumeManager) RestoreLatest() (bool, error) {
	if m.store == nil {
		return false, nil
	}
	snap, err := m.store.GetLatestVolumeSnapshot(m.VolumeID)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}
	if err := m.Volume.Restore(snap); err != nil {
		return false, err
	}
	m.logf("restored snapshot id=%d frames=%d observed=%d",
		snap.SnapshotID, snap.FramesIntegrated, snap.ObservedVoxels)
	return true, nil
}

// RunPersistLoop persists every interval until stop is closed, skipping
// intervals in which nothing changed.
func (m *VolumeManager) RunPersistLoop(interval time.Duration, stop <-chan struct{}) {
	if m.PersistCallback == nil || interval <= 0 {
		return
	}
	tk := m.clock.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C():
			m.Volume.mu.RLock()
			pending := m.Volume.changesSinceSnapshot
			m.Volume.mu.RUnlock()
			if pending == 0 {
				continue
			}
			if err := m.PersistCallback("periodic"); err != nil {
				m.logf("periodic persist failed: %v", err)
			}
		}
	}
}
