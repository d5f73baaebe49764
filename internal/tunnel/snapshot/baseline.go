package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/calibrate"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunnel/timeseries"
)

// baselineMeta is init/meta.json.
type baselineMeta struct {
	DeviceID    string                 `json:"device_id"`
	CaptureTime time.Time              `json:"capture_time"`
	Grid        scan.GridSpec          `json:"grid"`
	NumCells    int                    `json:"num_cells"`
	Points      int                    `json:"points"`
	Calibration *calibrate.Calibration `json:"calibration,omitempty"`
}

// Baseline is the stored reference state of a structure, without its points.
type Baseline struct {
	DeviceID    string
	CaptureTime time.Time
	Grid        grid.Grid
	Aggregate   grid.Aggregate
	Calibration *calibrate.Calibration
}

// PersistBaseline replaces the device's baseline with frame. Every cell of
// the cloud's grid gets a region file, header only when empty, and all points
// are painted the baseline colour. The new tree is built beside the old one
// and swapped in, so nothing of a previous baseline survives.
func (s *Store) PersistBaseline(deviceID string, at time.Time, frame scan.Frame, cloud grid.RegionCloud, cal *calibrate.Calibration) error {
	dir, err := s.initDir(deviceID)
	if err != nil {
		return err
	}
	g := cloud.Grid()
	if g.NumCells() == 0 {
		return fmt.Errorf("snapshot: baseline for %s has no grid", deviceID)
	}

	tmp := dir + ".tmp"
	if err := s.fsys.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	regions := filepath.Join(tmp, "regions")
	if err := s.fsys.MkdirAll(regions, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	full, err := EncodePoints(recolor(frame.Points, anomaly.BaselineColor))
	if err != nil {
		return err
	}
	if err := s.fsys.WriteFile(filepath.Join(tmp, "init.csv"), full, 0o644); err != nil {
		return fmt.Errorf("write full scan: %w", err)
	}

	for i := 0; i < g.NumCells(); i++ {
		id := grid.CellID(i)
		data, err := EncodePoints(recolor(cloud.Points(id), anomaly.BaselineColor))
		if err != nil {
			return err
		}
		if err := s.fsys.WriteFile(cellFile(regions, id), data, 0o644); err != nil {
			return fmt.Errorf("write region %d: %w", id, err)
		}
	}

	agg := timeseries.Table{Header: g.Columns(), Rows: [][]float64{cloud.Aggregate().Values()}}
	aggData, err := agg.Encode()
	if err != nil {
		return err
	}
	if err := s.fsys.WriteFile(filepath.Join(tmp, "baseline.csv"), aggData, 0o644); err != nil {
		return fmt.Errorf("write baseline aggregate: %w", err)
	}

	meta, err := json.MarshalIndent(baselineMeta{
		DeviceID:    deviceID,
		CaptureTime: at,
		Grid:        scan.GridSpec{MinX: g.MinX, MaxX: g.MaxX, MinY: g.MinY, MaxY: g.MaxY, CellSize: g.CellSize},
		NumCells:    g.NumCells(),
		Points:      len(frame.Points),
		Calibration: cal,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := s.fsys.WriteFile(filepath.Join(tmp, "meta.json"), meta, 0o644); err != nil {
		return fmt.Errorf("write baseline meta: %w", err)
	}

	if err := s.fsys.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove previous baseline: %w", err)
	}
	if err := s.fsys.Rename(tmp, dir); err != nil {
		return fmt.Errorf("install baseline: %w", err)
	}
	logf("baseline for %s at %s: %d points, %d of %d cells occupied",
		deviceID, at.In(s.loc).Format(time.RFC3339), len(frame.Points), len(cloud.Occupied()), g.NumCells())
	return nil
}

func (s *Store) readMeta(deviceID string) (*baselineMeta, string, error) {
	dir, err := s.initDir(deviceID)
	if err != nil {
		return nil, "", err
	}
	raw, err := s.fsys.ReadFile(filepath.Join(dir, "meta.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", &MissingDatasetError{DeviceID: deviceID, Dataset: DatasetBaseline, Path: dir}
	}
	if err != nil {
		return nil, "", fmt.Errorf("read baseline meta: %w", err)
	}
	var m baselineMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("decode baseline meta: %w", err)
	}
	return &m, dir, nil
}

// HasBaseline reports whether a baseline is installed for the device.
func (s *Store) HasBaseline(deviceID string) bool {
	_, _, err := s.readMeta(deviceID)
	return err == nil
}

// LoadBaseline reads the baseline's grid, calibration and per-cell mean
// heights. It does not read point files.
func (s *Store) LoadBaseline(deviceID string) (*Baseline, error) {
	m, dir, err := s.readMeta(deviceID)
	if err != nil {
		return nil, err
	}
	g, err := grid.FromSpec(m.Grid)
	if err != nil {
		return nil, fmt.Errorf("baseline grid: %w", err)
	}
	if g.NumCells() != m.NumCells {
		return nil, fmt.Errorf("baseline grid has %d cells, meta records %d", g.NumCells(), m.NumCells)
	}

	raw, err := s.fsys.ReadFile(filepath.Join(dir, "baseline.csv"))
	if err != nil {
		return nil, fmt.Errorf("read baseline aggregate: %w", err)
	}
	t, err := timeseries.DecodeTable(raw)
	if err != nil {
		return nil, fmt.Errorf("decode baseline aggregate: %w", err)
	}
	if len(t.Rows) != 1 {
		return nil, fmt.Errorf("baseline aggregate has %d rows", len(t.Rows))
	}
	return &Baseline{
		DeviceID:    deviceID,
		CaptureTime: m.CaptureTime,
		Grid:        g,
		Aggregate:   grid.NewAggregate(t.Row(0).Reindex(g.Columns())),
		Calibration: m.Calibration,
	}, nil
}

// baselineCells reads every region file of the baseline.
func (s *Store) baselineCells(deviceID string) (*baselineMeta, CellSet, error) {
	m, dir, err := s.readMeta(deviceID)
	if err != nil {
		return nil, nil, err
	}
	cells, err := s.readCellDir(filepath.Join(dir, "regions"), m.NumCells)
	if err != nil {
		return nil, nil, fmt.Errorf("read baseline regions: %w", err)
	}
	return m, cells, nil
}
