package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
)

// Capture is one delta directory.
type Capture struct {
	Time time.Time
	Dir  string
}

// ListDeltas returns the device's delta directories in chronological order.
// Directory names that are not numeric, or that do not form a valid time,
// are skipped.
func (s *Store) ListDeltas(deviceID string) ([]Capture, error) {
	d, err := s.dataDir(deviceID)
	if err != nil {
		return nil, err
	}
	var out []Capture
	var walk func(dir string, parts []int) error
	walk = func(dir string, parts []int) error {
		if len(parts) == 6 {
			t := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, s.loc)
			if t.Year() != parts[0] || int(t.Month()) != parts[1] || t.Day() != parts[2] ||
				t.Hour() != parts[3] || t.Minute() != parts[4] || t.Second() != parts[5] {
				return nil
			}
			out = append(out, Capture{Time: t, Dir: dir})
			return nil
		}
		entries, err := s.fsys.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			n, err := strconv.Atoi(e.Name())
			if err != nil || n < 0 {
				continue
			}
			if err := walk(filepath.Join(dir, e.Name()), append(parts[:len(parts):len(parts)], n)); err != nil {
				return err
			}
		}
		return nil
	}

	err = walk(filepath.Join(d, "history"), nil)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// HistoryEntry summarises one capture for operators.
type HistoryEntry struct {
	Time        time.Time
	Dir         string
	Cells       int
	MaxSeverity anomaly.Severity
	Summaries   []string
}

// History lists every capture with its deviation log summary.
func (s *Store) History(deviceID string) ([]HistoryEntry, error) {
	captures, err := s.ListDeltas(deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(captures))
	for _, c := range captures {
		e, err := s.ReadLog(deviceID, c.Time)
		if err != nil {
			return nil, err
		}
		h := HistoryEntry{Time: c.Time, Dir: c.Dir, Cells: len(e.Anomalies), MaxSeverity: e.MaxSeverity}
		for _, d := range e.Anomalies {
			h.Summaries = append(h.Summaries, d.Summary())
		}
		out = append(out, h)
	}
	return out, nil
}

// readCellDir reads every {cell}.csv in dir. Cells at or beyond numCells are
// skipped and logged.
func (s *Store) readCellDir(dir string, numCells int) (CellSet, error) {
	entries, err := s.fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	cells := make(CellSet, len(entries))
	for _, e := range entries {
		stem, ok := strings.CutSuffix(e.Name(), ".csv")
		if e.IsDir() || !ok {
			continue
		}
		id, err := grid.ParseCellID(stem)
		if err != nil {
			continue
		}
		if int(id) >= numCells {
			logf("ignoring %s: cell %d outside a %d-cell grid", filepath.Join(dir, e.Name()), id, numCells)
			continue
		}
		raw, err := s.fsys.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		pts, err := DecodePoints(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Join(dir, e.Name()), err)
		}
		cells[id] = pts
	}
	return cells, nil
}
