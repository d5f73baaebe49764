package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/banshee-data/tunnel.report/internal/fsutil"
	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
)

// ErrForeignCell is returned when a delta names a cell the baseline grid
// does not have.
var ErrForeignCell = errors.New("snapshot: cell outside baseline grid")

// LogEntry is the deviation log written beside each delta.
type LogEntry struct {
	DeviceID    string               `json:"device_id"`
	CaptureTime time.Time            `json:"capture_time"`
	MaxSeverity anomaly.Severity     `json:"max_severity"`
	Anomalies   []anomaly.Descriptor `json:"anomalies"`
}

// Deviations indexes the entry's deviations by cell.
func (e *LogEntry) Deviations() DeviationLog {
	out := make(DeviationLog, len(e.Anomalies))
	for _, d := range e.Anomalies {
		out[d.CellID] = d.Deviation
	}
	return out
}

// PersistDelta writes one point file per anomalous cell of report, painted
// with the cell's severity colour, plus the deviation log for the capture.
// It writes nothing when report has no anomalies and returns the delta
// directory otherwise. A baseline must already exist.
func (s *Store) PersistDelta(deviceID string, at time.Time, report anomaly.Report, cloud grid.RegionCloud) (string, error) {
	m, _, err := s.readMeta(deviceID)
	if err != nil {
		return "", err
	}
	anomalies := report.Anomalies()
	for _, d := range anomalies {
		if d.CellID < 0 || int(d.CellID) >= m.NumCells {
			return "", fmt.Errorf("%w: cell %d, baseline has %d", ErrForeignCell, d.CellID, m.NumCells)
		}
	}
	if len(anomalies) == 0 {
		return "", nil
	}

	dir, err := s.historyDir(deviceID, at)
	if err != nil {
		return "", err
	}
	tmp := dir + ".tmp"
	if err := s.fsys.RemoveAll(tmp); err != nil {
		return "", fmt.Errorf("clear staging dir: %w", err)
	}
	if err := s.fsys.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	for _, d := range anomalies {
		data, err := EncodePoints(recolor(cloud.Points(d.CellID), d.Severity.Color()))
		if err != nil {
			return "", err
		}
		if err := s.fsys.WriteFile(cellFile(tmp, d.CellID), data, 0o644); err != nil {
			return "", fmt.Errorf("write delta cell %d: %w", d.CellID, err)
		}
	}
	if err := s.fsys.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("replace delta dir: %w", err)
	}
	if err := s.fsys.Rename(tmp, dir); err != nil {
		return "", fmt.Errorf("install delta dir: %w", err)
	}

	entry := LogEntry{DeviceID: deviceID, CaptureTime: at, MaxSeverity: report.Max(), Anomalies: anomalies}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", err
	}
	logPath, err := s.logPath(deviceID, at)
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(s.fsys, logPath, raw, 0o644); err != nil {
		return "", fmt.Errorf("write deviation log: %w", err)
	}

	logf("delta for %s at %s: %d cells, max %s", deviceID, at.In(s.loc).Format(time.RFC3339), len(anomalies), entry.MaxSeverity)
	return dir, nil
}

// ReadLog returns the deviation log of one capture. A capture without a log
// yields an empty entry.
func (s *Store) ReadLog(deviceID string, at time.Time) (*LogEntry, error) {
	p, err := s.logPath(deviceID, at)
	if err != nil {
		return nil, err
	}
	raw, err := s.fsys.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return &LogEntry{DeviceID: deviceID, CaptureTime: at}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read deviation log: %w", err)
	}
	var e LogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode deviation log %s: %w", p, err)
	}
	return &e, nil
}
