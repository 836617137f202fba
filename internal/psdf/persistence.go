package psdf

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSnapshotMismatch is returned when a snapshot was taken from a volume with
// a different geometry than the one being restored.
var ErrSnapshotMismatch = errors.New("snapshot does not match volume geometry")

// VolumeSnapshot is one persisted copy of a volume's field.
type VolumeSnapshot struct {
	SnapshotID       int64
	VolumeID         string
	SessionID        string
	TakenUnixNanos   int64
	ShapeX           int
	ShapeY           int
	ShapeZ           int
	Resolution       float64
	WithColor        bool
	ParamsJSON       string
	FramesIntegrated int64
	ObservedVoxels   int
	ChangedVoxels    int64
	SnapshotReason   string
	FieldBlob        []byte
}

// VolumeStore persists snapshots. Implemented by psdfdb.DB.
type VolumeStore interface {
	InsertVolumeSnapshot(s *VolumeSnapshot) (int64, error)
	GetLatestVolumeSnapshot(volumeID string) (*VolumeSnapshot, error)
}

// fieldData is the gob payload of a snapshot.
type fieldData struct {
	Distance []float32
	Variance []float32
	Color    []uint32
}

func serializeField(f fieldData) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(f); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeField(blob []byte) (fieldData, error) {
	var f fieldData
	if len(blob) == 0 {
		return f, fmt.Errorf("empty field blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return f, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	if err := gob.NewDecoder(gz).Decode(&f); err != nil {
		return f, fmt.Errorf("failed to decode field: %w", err)
	}
	return f, nil
}

// Snapshot copies the field under the read lock and packs it for storage.
func (v *Volume) Snapshot(volumeID, sessionID, reason string, params FusionParams) (*VolumeSnapshot, error) {
	v.mu.RLock()
	f := fieldData{
		Distance: append([]float32(nil), v.distance...),
		Variance: append([]float32(nil), v.variance...),
	}
	if v.color != nil {
		f.Color = append([]uint32(nil), v.color...)
	}
	frames := v.framesIntegrated
	changed := v.changesSinceSnapshot
	v.mu.RUnlock()

	observed := 0
	for _, vv := range f.Variance {
		if vv != UnobservedVariance {
			observed++
		}
	}
	blob, err := serializeField(f)
	if err != nil {
		return nil, err
	}
	pj, err := json.Marshal(snapshotParams{
		TruncationMargin: params.TruncationMargin,
		Policy:           params.Policy.String(),
		BlendRate:        params.BlendRate,
		Origin:           [3]float64{v.cfg.Origin.X, v.cfg.Origin.Y, v.cfg.Origin.Z},
		VolumeToWorld:    v.cfg.VolumeToWorld,
	})
	if err != nil {
		return nil, err
	}
	return &VolumeSnapshot{
		VolumeID:         volumeID,
		SessionID:        sessionID,
		ShapeX:           v.cfg.Shape[0],
		ShapeY:           v.cfg.Shape[1],
		ShapeZ:           v.cfg.Shape[2],
		Resolution:       v.cfg.Resolution,
		WithColor:        v.color != nil,
		ParamsJSON:       string(pj),
		FramesIntegrated: frames,
		ObservedVoxels:   observed,
		ChangedVoxels:    changed,
		SnapshotReason:   reason,
		FieldBlob:        blob,
	}, nil
}

type snapshotParams struct {
	TruncationMargin float64     `json:"truncation_margin"`
	Policy           string      `json:"policy"`
	BlendRate        float64     `json:"blend_rate"`
	Origin           [3]float64  `json:"origin"`
	VolumeToWorld    [16]float64 `json:"volume_to_world"`
}

// Restore overwrites the field with a snapshot of identical geometry. The
// arrays are reused, never reallocated. Colour is restored only when both the
// volume and the snapshot carry it.
func (v *Volume) Restore(s *VolumeSnapshot) error {
	if s == nil {
		return fmt.Errorf("nil snapshot")
	}
	if s.ShapeX != v.cfg.Shape[0] || s.ShapeY != v.cfg.Shape[1] || s.ShapeZ != v.cfg.Shape[2] || s.Resolution != v.cfg.Resolution {
		return fmt.Errorf("%w: snapshot %dx%dx%d@%g, volume %dx%dx%d@%g", ErrSnapshotMismatch,
			s.ShapeX, s.ShapeY, s.ShapeZ, s.Resolution,
			v.cfg.Shape[0], v.cfg.Shape[1], v.cfg.Shape[2], v.cfg.Resolution)
	}
	f, err := deserializeField(s.FieldBlob)
	if err != nil {
		return err
	}
	if len(f.Distance) != v.Len() || len(f.Variance) != v.Len() {
		return fmt.Errorf("%w: field has %d voxels, volume %d", ErrSnapshotMismatch, len(f.Distance), v.Len())
	}
	for i, d := range f.Distance {
		if err := checkVoxel(d, f.Variance[i]); err != nil {
			return fmt.Errorf("snapshot voxel %d: %w", i, err)
		}
		if d < -1 || d > 1 {
			return fmt.Errorf("snapshot voxel %d: %w: distance %g outside [-1, 1]", i, ErrInvalidVoxel, d)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.distance, f.Distance)
	copy(v.variance, f.Variance)
	if v.color != nil {
		if len(f.Color) == len(v.color) {
			copy(v.color, f.Color)
		} else {
			clear(v.color)
		}
	}
	v.framesIntegrated = s.FramesIntegrated
	v.changesSinceSnapshot = 0
	if s.SnapshotID != 0 {
		id := s.SnapshotID
		v.snapshotID = &id
	}
	return nil
}
