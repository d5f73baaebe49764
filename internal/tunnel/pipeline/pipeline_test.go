package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tunnel.report/internal/config"
	"github.com/banshee-data/tunnel.report/internal/fsutil"
	"github.com/banshee-data/tunnel.report/internal/testutil"
	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunnel/snapshot"
	"github.com/banshee-data/tunnel.report/internal/tunnel/timeseries"
	"github.com/banshee-data/tunnel.report/internal/tunneldb"
)

var testGrid = scan.GridSpec{MinX: 0, MaxX: 2, MinY: 0, MaxY: 1, CellSize: 0.5}

// message builds a scan with one point per cell at z, overridden per cell by
// sag (metres lower).
func message(device string, sec int, isInit bool, z float64, sag map[int]float64) *scan.Message {
	g, _ := grid.FromSpec(testGrid)
	pts := make([]scan.Point, g.NumCells())
	for i := range pts {
		x, y := g.Center(grid.CellID(i))
		pts[i] = scan.Point{X: x, Y: y, Z: z - sag[i]}
	}
	return &scan.Message{
		IsInit:      isInit,
		CaptureTime: testutil.CaptureTime(sec),
		Structure: scan.Structure{
			DeviceID:   device,
			HeightM:    6.5,
			Grid:       testGrid,
			Thresholds: scan.ThresholdSpec{Level1: 0.003, Level2: 0.008, Level3: 0.02},
		},
		Points:             pts,
		InterestingColumns: []string{"2", "5"},
	}
}

type fakeRecorder struct {
	mu        sync.Mutex
	bundles   []*anomaly.Bundle
	snapshots []tunneldb.SnapshotRecord
	err       error
	panicMsg  string
}

func (f *fakeRecorder) RecordAnomaly(b *anomaly.Bundle) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, b)
	return f.err
}

func (f *fakeRecorder) RecordSnapshot(r tunneldb.SnapshotRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, r)
	return int64(len(f.snapshots)), f.err
}

type fakeMirror struct {
	mu    sync.Mutex
	modes []timeseries.Mode
	rows  []timeseries.Row
}

func (f *fakeMirror) Mirror(_ context.Context, _ string, _ time.Time, mode timeseries.Mode, row timeseries.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	f.rows = append(f.rows, row)
	return nil
}

type fixture struct {
	fsys      *fsutil.MemoryFileSystem
	snapshots *snapshot.Store
	proc      *Processor
	rec       *fakeRecorder
	mirror    *fakeMirror
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		fsys:   fsutil.NewMemoryFileSystem(),
		rec:    &fakeRecorder{},
		mirror: &fakeMirror{},
	}
	f.snapshots = snapshot.New(f.fsys, "/data", nil)
	opts.Recorder, opts.Mirror = f.rec, f.mirror
	f.proc = NewProcessor(f.fsys, f.snapshots, opts)
	return f
}

func (f *fixture) seriesRows(t *testing.T, device string) int {
	t.Helper()
	dir, err := f.snapshots.SeriesDir(device)
	require.NoError(t, err)
	s, err := timeseries.Open(f.fsys, dir, timeseries.DefaultCapacity)
	require.NoError(t, err)
	n, err := s.TotalRows()
	require.NoError(t, err)
	return n
}

// ----------------------------------------------------------------------------
// Processor
// ----------------------------------------------------------------------------

func TestInitThenSteady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	res := f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil))
	require.True(t, res.OK, "init: %v", res.Err)
	assert.Equal(t, timeseries.Init, res.Mode)
	assert.Nil(t, res.Bundle)

	b, err := f.snapshots.LoadBaseline("lidar-01")
	require.NoError(t, err)
	require.NotNil(t, b.Calibration)
	assert.InDelta(t, 0.5, b.Calibration.Offset, 1e-12)
	assert.InDelta(t, 6.5, b.Aggregate.At(0), 1e-12, "baseline is stored calibrated")

	res = f.proc.Process(ctx, message("lidar-01", 60, false, 6.0, map[int]float64{2: 0.03, 5: 0.005}))
	require.True(t, res.OK, "steady: %v", res.Err)
	require.NotNil(t, res.Bundle)
	assert.Equal(t, []grid.CellID{2, 5}, res.Bundle.CellIDs)
	assert.Equal(t, anomaly.Level3, res.Bundle.MaxSeverity)
	assert.Equal(t, "/data/lidar-01/data/history/2024/3/5/9/31/0", res.DeltaDir)

	assert.Equal(t, 2, f.seriesRows(t, "lidar-01"))

	require.Len(t, f.rec.bundles, 1)
	require.Len(t, f.rec.snapshots, 2)
	assert.Equal(t, tunneldb.KindBaseline, f.rec.snapshots[0].Kind)
	assert.Equal(t, "/data/lidar-01/data/init", f.rec.snapshots[0].Path)
	assert.Equal(t, tunneldb.KindDelta, f.rec.snapshots[1].Kind)
	assert.Equal(t, res.DeltaDir, f.rec.snapshots[1].Path)

	require.Len(t, f.mirror.rows, 2)
	assert.Equal(t, []timeseries.Mode{timeseries.Init, timeseries.Steady}, f.mirror.modes)
	assert.Len(t, f.mirror.rows[0].Columns, 8)
	assert.Equal(t, []string{"2", "5"}, f.mirror.rows[1].Columns)
	assert.InDelta(t, 6.47, f.mirror.rows[1].Values[0], 1e-9)
}

func TestSteadyWithoutAnomalies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)
	res := f.proc.Process(ctx, message("lidar-01", 60, false, 6.0, map[int]float64{3: 0.001}))
	require.True(t, res.OK, "%v", res.Err)
	assert.Nil(t, res.Bundle)
	assert.Empty(t, res.DeltaDir)
	assert.Empty(t, f.rec.bundles)

	deltas, err := f.snapshots.ListDeltas("lidar-01")
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestSteadyWithoutBaseline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	res := f.proc.Process(context.Background(), message("lidar-01", 0, false, 6.0, nil))
	assert.False(t, res.OK)
	assert.True(t, snapshot.IsMissingBaseline(res.Err), "got %v", res.Err)
	assert.Equal(t, "lidar-01", res.DeviceID)
}

func TestProcessRejectsBadMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	res := f.proc.Process(ctx, nil)
	assert.False(t, res.OK)
	assert.Error(t, res.Err)

	bad := message("lidar-01", 0, true, 6.0, nil)
	bad.Structure.Thresholds.Level2 = 0.001
	res = f.proc.Process(ctx, bad)
	assert.False(t, res.OK)

	nan := message("lidar-01", 0, true, 6.0, nil)
	nan.Points[0].Z = math.NaN()
	res = f.proc.Process(ctx, nan)
	assert.ErrorIs(t, res.Err, scan.ErrNonFinitePoint)

	assert.False(t, f.snapshots.HasBaseline("lidar-01"))
}

func TestProcessRecoversPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.rec.panicMsg = "boom"
	ctx := context.Background()

	require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)
	res := f.proc.Process(ctx, message("lidar-01", 60, false, 6.0, map[int]float64{1: 0.05}))
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrPanic)
	assert.Equal(t, "lidar-01", res.DeviceID)
}

func TestRecorderFailureDoesNotFailScan(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.rec.err = errors.New("database is locked")
	ctx := context.Background()

	require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)
	res := f.proc.Process(ctx, message("lidar-01", 60, false, 6.0, map[int]float64{1: 0.05}))
	assert.True(t, res.OK, "%v", res.Err)
	assert.NotNil(t, res.Bundle)
}

func TestGridChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)
	msg := message("lidar-01", 60, false, 6.0, nil)
	msg.Structure.Grid.MaxX = 4
	res := f.proc.Process(ctx, msg)
	assert.ErrorIs(t, res.Err, ErrGridChanged)
}

func TestReinitOnLargerGridKeepsEveryColumn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)

	wide := message("lidar-01", 60, true, 6.0, nil)
	wide.Structure.Grid.MaxX = 4
	g, err := grid.FromSpec(wide.Structure.Grid)
	require.NoError(t, err)
	require.Equal(t, 16, g.NumCells())
	wide.Points = wide.Points[:0]
	for i := 0; i < g.NumCells(); i++ {
		x, y := g.Center(grid.CellID(i))
		wide.Points = append(wide.Points, scan.Point{X: x, Y: y, Z: 6.0})
	}
	res := f.proc.Process(ctx, wide)
	require.True(t, res.OK, "%v", res.Err)

	dir, err := f.snapshots.SeriesDir("lidar-01")
	require.NoError(t, err)
	s, err := timeseries.Open(f.fsys, dir, timeseries.DefaultCapacity)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.csv", "1.csv"}, s.Files())
	tbl, err := s.ReadFile(1)
	require.NoError(t, err)
	require.Len(t, tbl.Header, 16)
	require.Len(t, tbl.Rows, 1)
	for i, v := range tbl.Rows[0] {
		assert.InDelta(t, 6.5, v, 1e-12, "cell %s", tbl.Header[i])
	}

	// STEADY on the new grid lands in the new file.
	steady := message("lidar-01", 120, false, 6.0, nil)
	steady.Structure.Grid = wide.Structure.Grid
	steady.Points = wide.Points
	steady.InterestingColumns = []string{"2", "12"}
	require.True(t, f.proc.Process(ctx, steady).OK)
	assert.Equal(t, 3, f.seriesRows(t, "lidar-01"))
}

// failingFS fails writes to paths containing fail.
type failingFS struct {
	*fsutil.MemoryFileSystem
	fail string
}

func (f failingFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	if strings.Contains(name, f.fail) {
		return errors.New("disk full")
	}
	return f.MemoryFileSystem.WriteFile(name, data, perm)
}

func TestFailedSnapshotWritesNoSeriesRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("baseline", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Options{})
		f.snapshots = snapshot.New(failingFS{f.fsys, "init.tmp"}, "/data", nil)
		f.proc = NewProcessor(f.fsys, f.snapshots, Options{Recorder: f.rec, Mirror: f.mirror})

		res := f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil))
		require.False(t, res.OK)
		assert.Equal(t, 0, f.seriesRows(t, "lidar-01"))
		assert.Empty(t, f.mirror.rows)
	})

	t.Run("delta", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, Options{})
		require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)
		f.snapshots = snapshot.New(failingFS{f.fsys, "/history/"}, "/data", nil)
		f.proc = NewProcessor(f.fsys, f.snapshots, Options{Recorder: f.rec, Mirror: f.mirror})

		res := f.proc.Process(ctx, message("lidar-01", 60, false, 6.0, map[int]float64{2: 0.05}))
		require.False(t, res.OK)
		assert.Equal(t, 1, f.seriesRows(t, "lidar-01"), "only the INIT row")
		assert.Empty(t, f.rec.bundles)
	})
}

func TestPointsOutsideGridAreCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	msg := message("lidar-01", 0, true, 6.0, nil)
	msg.Points = append(msg.Points, scan.Point{X: 9, Y: 9, Z: 6})
	res := f.proc.Process(context.Background(), msg)
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, 1, res.Stats.Dropped)
	assert.Equal(t, 8, res.Stats.Kept)
}

func TestInitFlagIsAuthoritative(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{InitRowThreshold: 1})
	ctx := context.Background()

	res := f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil))
	require.True(t, res.OK)
	assert.False(t, res.InitDisagreement)

	// One row is on file, so the row count says STEADY; the flag still wins.
	res = f.proc.Process(ctx, message("lidar-01", 60, true, 5.0, nil))
	require.True(t, res.OK, "%v", res.Err)
	assert.True(t, res.InitDisagreement)
	assert.Equal(t, timeseries.Init, res.Mode)

	b, err := f.snapshots.LoadBaseline("lidar-01")
	require.NoError(t, err)
	assert.True(t, b.CaptureTime.Equal(testutil.CaptureTime(60)), "second INIT replaced the baseline")
	assert.InDelta(t, 1.5, b.Calibration.Offset, 1e-12)
}

func TestRegistryFillsMessage(t *testing.T) {
	t.Parallel()
	reg, err := config.ParseRegistry([]byte(`
structures:
  lidar-01:
    height_m: 6.5
    grid: {min_x: 0, max_x: 2, min_y: 0, max_y: 1, cell_size: 0.5}
    thresholds: {level1: 0.003, level2: 0.008, level3: 0.02}
    interesting_columns: ["7"]
`))
	require.NoError(t, err)
	f := newFixture(t, Options{Registry: reg})
	ctx := context.Background()

	bare := func(sec int, isInit bool) *scan.Message {
		m := message("lidar-01", sec, isInit, 6.0, nil)
		m.Structure = scan.Structure{DeviceID: "lidar-01"}
		m.InterestingColumns = nil
		return m
	}
	require.True(t, f.proc.Process(ctx, bare(0, true)).OK)
	res := f.proc.Process(ctx, bare(60, false))
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, []string{"7"}, f.mirror.rows[1].Columns)
}

func TestSteadyWithoutInterestingColumns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.True(t, f.proc.Process(ctx, message("lidar-01", 0, true, 6.0, nil)).OK)
	msg := message("lidar-01", 60, false, 6.0, map[int]float64{4: 0.05})
	msg.InterestingColumns = nil
	res := f.proc.Process(ctx, msg)
	require.True(t, res.OK, "%v", res.Err)
	assert.NotEmpty(t, res.DeltaDir)
	assert.Equal(t, 1, f.seriesRows(t, "lidar-01"), "no steady row without columns")
	assert.Len(t, f.mirror.rows, 1)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()
	opts := OptionsFromConfig(config.MustLoadDefaultConfig())
	assert.Equal(t, 130, opts.SeriesCapacity)
	assert.Equal(t, 0.0005, opts.TopFraction)
	assert.Zero(t, opts.InitRowThreshold)
}

// ----------------------------------------------------------------------------
// Dispatcher
// ----------------------------------------------------------------------------

func TestDispatcherPerDeviceOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	var mu sync.Mutex
	got := map[string][]time.Time{}
	d := NewDispatcher(context.Background(), f.proc, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		assert.True(t, r.OK, "%s: %v", r.DeviceID, r.Err)
		got[r.DeviceID] = append(got[r.DeviceID], r.CaptureTime)
	})

	devices := []string{"lidar-01", "lidar-02", "lidar-03"}
	for _, dev := range devices {
		require.NoError(t, d.Submit(message(dev, 0, true, 6.0, nil)))
	}
	for sec := 60; sec <= 600; sec += 60 {
		for _, dev := range devices {
			require.NoError(t, d.Submit(message(dev, sec, false, 6.0, map[int]float64{sec / 60 % 8: 0.01})))
		}
	}
	assert.Equal(t, 3, d.Devices())
	require.NoError(t, d.Close())

	for _, dev := range devices {
		times := got[dev]
		require.Len(t, times, 11, dev)
		for i := 1; i < len(times); i++ {
			assert.True(t, times[i].After(times[i-1]), "%s out of order at %d", dev, i)
		}
		h, err := f.snapshots.History(dev)
		require.NoError(t, err)
		assert.Len(t, h, 10, dev)
	}

	assert.ErrorIs(t, d.Submit(message("lidar-01", 900, false, 6.0, nil)), ErrDispatcherClosed)
	assert.NoError(t, d.Close(), "second close is harmless")
}

func TestDispatcherCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(ctx, f.proc, nil)
	err := d.Submit(message("lidar-01", 0, true, 6.0, nil))
	if err == nil {
		// The message raced into the buffer; the worker must still stop.
		assert.ErrorIs(t, d.Close(), context.Canceled)
		return
	}
	assert.ErrorIs(t, err, context.Canceled)
	d.Close()
}
