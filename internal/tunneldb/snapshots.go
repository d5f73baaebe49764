package tunneldb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
)

// SnapshotKind distinguishes baseline writes from delta writes.
type SnapshotKind string

const (
	KindBaseline SnapshotKind = "baseline"
	KindDelta    SnapshotKind = "delta"
)

// ErrNoSnapshot is returned when a device has no matching snapshot.
var ErrNoSnapshot = errors.New("tunneldb: no snapshot recorded")

// SnapshotRecord is one snapshot_log row.
type SnapshotRecord struct {
	SnapshotID  int64
	DeviceID    string
	CaptureTime time.Time
	Kind        SnapshotKind
	Path        string
	Cells       int
	MaxSeverity anomaly.Severity
	RecordedAt  time.Time
}

// RecordSnapshot stores a snapshot write and returns its id.
func (db *DB) RecordSnapshot(r SnapshotRecord) (int64, error) {
	if r.Kind != KindBaseline && r.Kind != KindDelta {
		return 0, fmt.Errorf("tunneldb: unknown snapshot kind %q", r.Kind)
	}
	var sev string
	if r.Kind == KindDelta {
		sev = r.MaxSeverity.String()
	}
	res, err := db.Exec(`
		INSERT INTO snapshot_log (
			device_id, capture_time_ns, kind, path, cell_count, max_severity, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.DeviceID, r.CaptureTime.UnixNano(), string(r.Kind), r.Path, r.Cells, nullString(sev), db.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LatestSnapshotPath returns the path of the device's most recent snapshot
// of the given kind, captured at or before at. An empty kind matches both.
func (db *DB) LatestSnapshotPath(deviceID string, kind SnapshotKind, at time.Time) (string, error) {
	var path string
	err := db.QueryRow(`
		SELECT path FROM snapshot_log
		WHERE device_id = ? AND (? = '' OR kind = ?) AND capture_time_ns <= ?
		ORDER BY capture_time_ns DESC, snapshot_id DESC
		LIMIT 1
	`, deviceID, string(kind), string(kind), at.UnixNano()).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSnapshot
	}
	if err != nil {
		return "", fmt.Errorf("query latest snapshot: %w", err)
	}
	return path, nil
}

// ListSnapshots returns the device's snapshot writes, oldest first.
func (db *DB) ListSnapshots(deviceID string) ([]SnapshotRecord, error) {
	rows, err := db.Query(`
		SELECT snapshot_id, device_id, capture_time_ns, kind, path, cell_count, max_severity, recorded_at
		FROM snapshot_log
		WHERE device_id = ?
		ORDER BY capture_time_ns, snapshot_id
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var kind string
		var captureNs, recordedNs int64
		var sev sql.NullString
		if err := rows.Scan(&r.SnapshotID, &r.DeviceID, &captureNs, &kind, &r.Path, &r.Cells, &sev, &recordedNs); err != nil {
			return nil, err
		}
		r.Kind = SnapshotKind(kind)
		if sev.Valid {
			if r.MaxSeverity, err = anomaly.ParseSeverity(sev.String); err != nil {
				return nil, err
			}
		}
		r.CaptureTime = time.Unix(0, captureNs).UTC()
		r.RecordedAt = time.Unix(0, recordedNs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
