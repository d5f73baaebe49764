package snapshot

import (
	"time"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// Scene is a merged point set: the baseline with some cells replaced.
type Scene struct {
	DeviceID string
	At       time.Time
	Baseline time.Time
	// Applied lists the delta captures overlaid, oldest first.
	Applied []time.Time
	Cells   CellSet
}

// Points flattens the scene in ascending cell order.
func (sc *Scene) Points() []scan.Point {
	var out []scan.Point
	for _, id := range sc.Cells.IDs() {
		out = append(out, sc.Cells[id]...)
	}
	return out
}

// Encode renders the scene as a point file.
func (sc *Scene) Encode() ([]byte, error) {
	return EncodePoints(sc.Points())
}

// Reconstruct rebuilds the scene as of at: the baseline cells, each replaced
// by its most recent delta at or before at. Deltas older than the installed
// baseline belong to an earlier baseline and are not applied.
func (s *Store) Reconstruct(deviceID string, at time.Time) (*Scene, error) {
	m, cells, err := s.baselineCells(deviceID)
	if err != nil {
		return nil, err
	}
	captures, err := s.ListDeltas(deviceID)
	if err != nil {
		return nil, err
	}

	sc := &Scene{DeviceID: deviceID, At: at, Baseline: m.CaptureTime, Cells: cells}
	baseSec := m.CaptureTime.Truncate(time.Second)
	for _, c := range captures {
		if c.Time.After(at) {
			break
		}
		if c.Time.Before(baseSec) {
			continue
		}
		delta, err := s.readCellDir(c.Dir, m.NumCells)
		if err != nil {
			return nil, err
		}
		for id, pts := range delta {
			sc.Cells[id] = pts
		}
		sc.Applied = append(sc.Applied, c.Time)
	}
	return sc, nil
}

// overlay copies cells onto a fresh copy of base.
func overlay(base, cells CellSet) CellSet {
	out := make(CellSet, len(base))
	for id, pts := range base {
		out[id] = pts
	}
	for id, pts := range cells {
		out[id] = pts
	}
	return out
}
