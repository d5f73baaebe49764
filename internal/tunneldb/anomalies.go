package tunneldb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
)

// ErrEmptyBundle is returned when a bundle carries no anomalies or its
// per-cell slices disagree in length.
var ErrEmptyBundle = errors.New("tunneldb: malformed anomaly bundle")

// AnomalyRecord is one stored bundle with its per-cell rows.
type AnomalyRecord struct {
	AnomalyID   string
	DeviceID    string
	CaptureTime time.Time
	MaxSeverity anomaly.Severity
	RecordedAt  time.Time
	Cells       []AnomalyCell
}

// AnomalyCell is one anomaly_log_desc row.
type AnomalyCell struct {
	CellID    grid.CellID
	Position  anomaly.Position
	Deviation float64
	Severity  anomaly.Severity
	Summary   string
}

// RecordAnomaly stores a bundle and its cells in one transaction.
func (db *DB) RecordAnomaly(b *anomaly.Bundle) error {
	if b == nil || len(b.CellIDs) == 0 {
		return ErrEmptyBundle
	}
	n := len(b.CellIDs)
	if len(b.Positions) != n || len(b.DeviationMagnitudes) != n || len(b.Severities) != n || len(b.Summaries) != n {
		return fmt.Errorf("%w: %d cells with %d positions, %d deviations, %d severities, %d summaries",
			ErrEmptyBundle, n, len(b.Positions), len(b.DeviationMagnitudes), len(b.Severities), len(b.Summaries))
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO anomaly_log (
			anomaly_id, device_id, capture_time_ns, max_severity, cell_count, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, b.Identification, b.DeviceID, b.CaptureTime.UnixNano(), b.MaxSeverity.String(), n, db.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO anomaly_log_desc (
			anomaly_id, cell_id, position_x, position_y, deviation, severity, summary
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, id := range b.CellIDs {
		p := b.Positions[i]
		if _, err := stmt.Exec(b.Identification, int(id), p.X, p.Y,
			b.DeviationMagnitudes[i], b.Severities[i].String(), b.Summaries[i]); err != nil {
			return fmt.Errorf("insert anomaly cell %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListAnomalies returns the device's bundles captured at or after since,
// oldest first. A zero since lists everything.
func (db *DB) ListAnomalies(deviceID string, since time.Time) ([]AnomalyRecord, error) {
	var sinceNs int64
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}
	rows, err := db.Query(`
		SELECT anomaly_id, device_id, capture_time_ns, max_severity, recorded_at
		FROM anomaly_log
		WHERE device_id = ? AND capture_time_ns >= ?
		ORDER BY capture_time_ns, anomaly_id
	`, deviceID, sinceNs)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []AnomalyRecord
	for rows.Next() {
		var r AnomalyRecord
		var captureNs, recordedNs int64
		var sev string
		if err := rows.Scan(&r.AnomalyID, &r.DeviceID, &captureNs, &sev, &recordedNs); err != nil {
			return nil, err
		}
		if r.MaxSeverity, err = anomaly.ParseSeverity(sev); err != nil {
			return nil, err
		}
		r.CaptureTime = time.Unix(0, captureNs).UTC()
		r.RecordedAt = time.Unix(0, recordedNs).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Cells, err = db.anomalyCells(out[i].AnomalyID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) anomalyCells(anomalyID string) ([]AnomalyCell, error) {
	rows, err := db.Query(`
		SELECT cell_id, position_x, position_y, deviation, severity, summary
		FROM anomaly_log_desc
		WHERE anomaly_id = ?
		ORDER BY cell_id
	`, anomalyID)
	if err != nil {
		return nil, fmt.Errorf("query anomaly cells: %w", err)
	}
	defer rows.Close()

	var out []AnomalyCell
	for rows.Next() {
		var c AnomalyCell
		var id int
		var sev string
		if err := rows.Scan(&id, &c.Position.X, &c.Position.Y, &c.Deviation, &sev, &c.Summary); err != nil {
			return nil, err
		}
		c.CellID = grid.CellID(id)
		if c.Severity, err = anomaly.ParseSeverity(sev); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteAnomaly removes a bundle and, by cascade, its cells.
func (db *DB) DeleteAnomaly(anomalyID string) error {
	res, err := db.Exec(`DELETE FROM anomaly_log WHERE anomaly_id = ?`, anomalyID)
	if err != nil {
		return fmt.Errorf("delete anomaly: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
