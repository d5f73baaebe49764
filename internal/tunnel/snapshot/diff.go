package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// DefaultTolerance is the deviation change, metres, below which a shared
// cell keeps the root capture's version.
const DefaultTolerance = 0.02

var (
	// ErrEmptyComparisonSet is returned when the comparison capture has no
	// cells.
	ErrEmptyComparisonSet = errors.New("snapshot: comparison set is empty")
	// ErrCorruptLogEntry is returned when a cell in both captures lacks a
	// deviation in either log.
	ErrCorruptLogEntry = errors.New("snapshot: deviation log entry missing")
	// ErrCaptureBeforeBaseline is returned when a compared capture predates
	// the installed baseline and so belongs to an earlier one.
	ErrCaptureBeforeBaseline = errors.New("snapshot: capture predates the baseline")
)

// CellSet maps cells to their stored points.
type CellSet map[grid.CellID][]scan.Point

// IDs returns the cell ids in ascending order.
func (c CellSet) IDs() []grid.CellID {
	ids := make([]grid.CellID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeviationLog maps cells to their logged deviation.
type DeviationLog map[grid.CellID]float64

// Source says which capture a diff cell came from.
type Source int

const (
	FromRoot Source = iota
	FromComparison
)

func (s Source) String() string {
	if s == FromComparison {
		return "comparison"
	}
	return "root"
}

// DiffResult is the merge of two captures.
type DiffResult struct {
	Cells   CellSet
	Sources map[grid.CellID]Source
}

// Diff merges a comparison capture over a root capture. Cells only in the
// comparison are taken as they are. Cells in both are taken from the
// comparison only when their logged deviations differ by more than
// tolerance. Every root-sourced cell is repainted the baseline colour.
func Diff(root, comparison CellSet, rootLog, compLog DeviationLog, tolerance float64) (DiffResult, error) {
	if len(comparison) == 0 {
		return DiffResult{}, ErrEmptyComparisonSet
	}
	if tolerance < 0 || math.IsNaN(tolerance) {
		return DiffResult{}, fmt.Errorf("snapshot: invalid tolerance %v", tolerance)
	}

	res := DiffResult{Cells: make(CellSet), Sources: make(map[grid.CellID]Source)}
	for _, id := range root.IDs() {
		res.Cells[id] = recolor(root[id], anomaly.BaselineColor)
		res.Sources[id] = FromRoot
	}
	for _, id := range comparison.IDs() {
		if _, shared := root[id]; shared {
			rd, ok1 := rootLog[id]
			cd, ok2 := compLog[id]
			if !ok1 || !ok2 {
				return DiffResult{}, fmt.Errorf("%w: cell %d", ErrCorruptLogEntry, id)
			}
			if math.Abs(rd-cd) <= tolerance {
				continue
			}
		}
		res.Cells[id] = comparison[id]
		res.Sources[id] = FromComparison
	}
	return res, nil
}

// Comparison is a reviewed scene: the baseline overlaid by the diff of two
// captures.
type Comparison struct {
	Scene *Scene
	Diff  DiffResult
}

// Compare diffs the deltas captured at rootTime and compTime and overlays
// the result on the baseline. A missing baseline, root or comparison capture
// is reported as a MissingDatasetError naming it; a capture older than the
// baseline as ErrCaptureBeforeBaseline.
func (s *Store) Compare(deviceID string, rootTime, compTime time.Time, tolerance float64) (*Comparison, error) {
	m, base, err := s.baselineCells(deviceID)
	if err != nil {
		return nil, err
	}
	baseSec := m.CaptureTime.Truncate(time.Second)
	for _, c := range []struct {
		dataset string
		at      time.Time
	}{{DatasetRoot, rootTime}, {DatasetComparison, compTime}} {
		if c.at.Truncate(time.Second).Before(baseSec) {
			return nil, fmt.Errorf("%w: %s capture %s, baseline %s", ErrCaptureBeforeBaseline, c.dataset,
				c.at.In(s.loc).Format(time.RFC3339), m.CaptureTime.In(s.loc).Format(time.RFC3339))
		}
	}
	root, rootLog, err := s.loadCapture(deviceID, rootTime, DatasetRoot, m.NumCells)
	if err != nil {
		return nil, err
	}
	comp, compLog, err := s.loadCapture(deviceID, compTime, DatasetComparison, m.NumCells)
	if err != nil {
		return nil, err
	}

	d, err := Diff(root, comp, rootLog, compLog, tolerance)
	if err != nil {
		return nil, err
	}
	return &Comparison{
		Scene: &Scene{
			DeviceID: deviceID,
			At:       compTime,
			Baseline: m.CaptureTime,
			Applied:  []time.Time{rootTime, compTime},
			Cells:    overlay(base, d.Cells),
		},
		Diff: d,
	}, nil
}

func (s *Store) loadCapture(deviceID string, at time.Time, dataset string, numCells int) (CellSet, DeviationLog, error) {
	dir, err := s.historyDir(deviceID, at)
	if err != nil {
		return nil, nil, err
	}
	cells, err := s.readCellDir(dir, numCells)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, &MissingDatasetError{DeviceID: deviceID, Dataset: dataset, Path: dir}
	}
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.ReadLog(deviceID, at)
	if err != nil {
		return nil, nil, err
	}
	return cells, entry.Deviations(), nil
}
