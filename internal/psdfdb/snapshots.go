package psdfdb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/psdf/internal/psdf"
)

// SnapshotSummary is a snapshot row without its field blob.
type SnapshotSummary struct {
	SnapshotID       int64  `json:"snapshot_id"`
	VolumeID         string `json:"volume_id"`
	SessionID        string `json:"session_id"`
	TakenUnixNanos   int64  `json:"taken_unix_nanos"`
	FramesIntegrated int64  `json:"frames_integrated"`
	ObservedVoxels   int    `json:"observed_voxels"`
	ChangedVoxels    int64  `json:"changed_voxels"`
	SnapshotReason   string `json:"snapshot_reason"`
	BlobBytes        int    `json:"blob_bytes"`
}

// InsertSession records the start of a fusion session.
func (db *DB) InsertSession(sessionID, volumeID string, startedUnixNanos int64, configJSON string) error {
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := db.Exec(`INSERT INTO psdf_session (session_id, volume_id, started_unix_nanos, config_json)
		VALUES (?, ?, ?, ?)`, sessionID, volumeID, startedUnixNanos, configJSON)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// InsertVolumeSnapshot stores s and returns its snapshot_id.
func (db *DB) InsertVolumeSnapshot(s *psdf.VolumeSnapshot) (int64, error) {
	if s == nil {
		return 0, errors.New("nil snapshot")
	}
	res, err := db.Exec(`INSERT INTO psdf_volume_snapshot (
			volume_id, session_id, taken_unix_nanos, shape_x, shape_y, shape_z, resolution,
			with_color, params_json, frames_integrated, observed_voxels, changed_voxels,
			snapshot_reason, field_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.VolumeID, s.SessionID, s.TakenUnixNanos, s.ShapeX, s.ShapeY, s.ShapeZ, s.Resolution,
		s.WithColor, s.ParamsJSON, s.FramesIntegrated, s.ObservedVoxels, s.ChangedVoxels,
		s.SnapshotReason, s.FieldBlob)
	if err != nil {
		return 0, fmt.Errorf("failed to insert volume snapshot: %w", err)
	}
	return res.LastInsertId()
}

// GetLatestVolumeSnapshot returns the newest snapshot for volumeID, or nil
// when there is none.
func (db *DB) GetLatestVolumeSnapshot(volumeID string) (*psdf.VolumeSnapshot, error) {
	row := db.QueryRow(`SELECT snapshot_id, volume_id, session_id, taken_unix_nanos,
			shape_x, shape_y, shape_z, resolution, with_color, params_json,
			frames_integrated, observed_voxels, changed_voxels, snapshot_reason, field_blob
		FROM psdf_volume_snapshot
		WHERE volume_id = ?
		ORDER BY snapshot_id DESC
		LIMIT 1`, volumeID)
	return scanSnapshot(row)
}

// GetVolumeSnapshot returns one snapshot by id, or nil when it does not exist.
func (db *DB) GetVolumeSnapshot(snapshotID int64) (*psdf.VolumeSnapshot, error) {
	row := db.QueryRow(`SELECT snapshot_id, volume_id, session_id, taken_unix_nanos,
			shape_x, shape_y, shape_z, resolution, with_color, params_json,
			frames_integrated, observed_voxels, changed_voxels, snapshot_reason, field_blob
		FROM psdf_volume_snapshot
		WHERE snapshot_id = ?`, snapshotID)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*psdf.VolumeSnapshot, error) {
	var s psdf.VolumeSnapshot
	err := row.Scan(&s.SnapshotID, &s.VolumeID, &s.SessionID, &s.TakenUnixNanos,
		&s.ShapeX, &s.ShapeY, &s.ShapeZ, &s.Resolution, &s.WithColor, &s.ParamsJSON,
		&s.FramesIntegrated, &s.ObservedVoxels, &s.ChangedVoxels, &s.SnapshotReason, &s.FieldBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read volume snapshot: %w", err)
	}
	return &s, nil
}

// ListVolumeSnapshots returns up to limit summaries for volumeID, newest first.
func (db *DB) ListVolumeSnapshots(volumeID string, limit int) ([]SnapshotSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT snapshot_id, volume_id, session_id, taken_unix_nanos,
			frames_integrated, observed_voxels, changed_voxels, snapshot_reason, length(field_blob)
		FROM psdf_volume_snapshot
		WHERE volume_id = ?
		ORDER BY snapshot_id DESC
		LIMIT ?`, volumeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SnapshotSummary{}
	for rows.Next() {
		var s SnapshotSummary
		if err := rows.Scan(&s.SnapshotID, &s.VolumeID, &s.SessionID, &s.TakenUnixNanos,
			&s.FramesIntegrated, &s.ObservedVoxels, &s.ChangedVoxels, &s.SnapshotReason, &s.BlobBytes); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneVolumeSnapshots keeps the newest keep snapshots of volumeID and deletes
// the rest. It returns the number of rows removed.
func (db *DB) PruneVolumeSnapshots(volumeID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := db.Exec(`DELETE FROM psdf_volume_snapshot
		WHERE volume_id = ?
		  AND snapshot_id NOT IN (
			SELECT snapshot_id FROM psdf_volume_snapshot
			WHERE volume_id = ?
			ORDER BY snapshot_id DESC
			LIMIT ?)`, volumeID, volumeID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
