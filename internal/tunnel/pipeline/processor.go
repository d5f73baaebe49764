// Package pipeline runs one scan message end to end: calibration,
// partitioning, classification, and the writes to the series, snapshot and
// metadata stores.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tunnel.report/internal/config"
	"github.com/banshee-data/tunnel.report/internal/fsutil"
	"github.com/banshee-data/tunnel.report/internal/monitoring"
	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/calibrate"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunnel/snapshot"
	"github.com/banshee-data/tunnel.report/internal/tunnel/timeseries"
	"github.com/banshee-data/tunnel.report/internal/tunneldb"
)

var (
	// ErrPanic wraps a panic recovered while processing a scan.
	ErrPanic = errors.New("pipeline: panic while processing scan")
	// ErrGridChanged is returned for a STEADY scan whose grid differs from
	// the installed baseline's.
	ErrGridChanged = errors.New("pipeline: scan grid differs from baseline grid")
)

var logf = monitoring.Component("Pipeline")

// Recorder receives anomaly bundles and snapshot writes. *tunneldb.DB
// satisfies it.
type Recorder interface {
	RecordAnomaly(b *anomaly.Bundle) error
	RecordSnapshot(r tunneldb.SnapshotRecord) (int64, error)
}

// Mirror receives every series row. *timeseries.InfluxMirror satisfies it.
type Mirror interface {
	Mirror(ctx context.Context, deviceID string, at time.Time, mode timeseries.Mode, row timeseries.Row) error
}

// Options configures a Processor. Zero values take the package defaults.
type Options struct {
	TopFraction      float64
	SeriesCapacity   int
	InitRowThreshold int
	Registry         *config.Registry
	Recorder         Recorder
	Mirror           Mirror
}

// OptionsFromConfig maps the tuning config onto Options.
func OptionsFromConfig(cfg *config.TuningConfig) Options {
	return Options{
		TopFraction:      cfg.GetTopFraction(),
		SeriesCapacity:   cfg.GetSeriesCapacity(),
		InitRowThreshold: cfg.GetInitRowThreshold(),
	}
}

// Result is the outcome of one scan.
type Result struct {
	OK          bool
	Err         error
	DeviceID    string
	CaptureTime time.Time
	Mode        timeseries.Mode
	Stats       grid.PartitionStats
	// Bundle is set for STEADY scans with at least one anomaly.
	Bundle *anomaly.Bundle
	// DeltaDir is the directory written for an anomalous scan.
	DeltaDir string
	// InitDisagreement is set when the is_init flag and the series
	// row-count signal disagree. The flag is acted on regardless.
	InitDisagreement bool
}

// Processor handles scans for any number of devices. Scans of one device
// must not be processed concurrently; Dispatcher guarantees that.
type Processor struct {
	fsys      fsutil.FileSystem
	snapshots *snapshot.Store
	opts      Options

	mu     sync.Mutex
	series map[string]*timeseries.Store
}

// NewProcessor returns a Processor writing through snapshots and fsys.
func NewProcessor(fsys fsutil.FileSystem, snapshots *snapshot.Store, opts Options) *Processor {
	if opts.TopFraction <= 0 {
		opts.TopFraction = calibrate.DefaultTopFraction
	}
	if opts.SeriesCapacity <= 0 {
		opts.SeriesCapacity = timeseries.DefaultCapacity
	}
	return &Processor{
		fsys:      fsys,
		snapshots: snapshots,
		opts:      opts,
		series:    make(map[string]*timeseries.Store),
	}
}

// Process runs msg through the pipeline. It never panics and never returns
// a partial Result: failures are reported as Result{OK: false, Err: ...}.
func (p *Processor) Process(ctx context.Context, msg *scan.Message) (res Result) {
	start := time.Now()
	mode := timeseries.Steady
	if msg != nil && msg.IsInit {
		mode = timeseries.Init
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("%w: %v", ErrPanic, r), Mode: mode}
			if msg != nil {
				res.DeviceID, res.CaptureTime = msg.Structure.DeviceID, msg.CaptureTime
			}
		}
		outcome := "ok"
		if !res.OK {
			outcome = "error"
			logf("scan %s at %s failed: %v", res.DeviceID, res.CaptureTime.Format(time.RFC3339), res.Err)
		}
		scansProcessed.WithLabelValues(mode.String(), outcome).Inc()
		scanDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	}()

	if msg == nil {
		return Result{Err: errors.New("pipeline: nil message"), Mode: mode}
	}
	res = Result{DeviceID: msg.Structure.DeviceID, CaptureTime: msg.CaptureTime, Mode: mode}
	if err := p.process(ctx, msg, &res); err != nil {
		res.Err = err
		return res
	}
	res.OK = true
	return res
}

func (p *Processor) process(ctx context.Context, msg *scan.Message, res *Result) error {
	p.opts.Registry.Apply(msg)
	if err := msg.Validate(); err != nil {
		return err
	}
	deviceID := msg.Structure.DeviceID

	series, err := p.seriesFor(deviceID)
	if err != nil {
		return err
	}
	res.InitDisagreement = p.checkInitSignal(deviceID, series, msg.IsInit)

	if msg.IsInit {
		return p.processInit(ctx, msg, series, res)
	}
	return p.processSteady(ctx, msg, series, res)
}

func (p *Processor) processInit(ctx context.Context, msg *scan.Message, series *timeseries.Store, res *Result) error {
	g, err := grid.FromSpec(msg.Structure.Grid)
	if err != nil {
		return err
	}
	frame := msg.Frame()
	cal, err := calibrate.Calibrate(msg.Structure.HeightM, frame, p.opts.TopFraction)
	if err != nil {
		return fmt.Errorf("calibrate %s: %w", frame.DeviceID, err)
	}
	frame.Points = calibrate.Apply(frame.Points, cal.Offset)

	cloud := p.partition(frame, g, res)
	row, err := timeseries.NewRow(cloud.Aggregate(), timeseries.Init, nil)
	if err != nil {
		return err
	}
	// The series row is written only once the baseline it belongs to is on
	// disk, so a failed scan leaves no row behind.
	if err := p.snapshots.PersistBaseline(frame.DeviceID, frame.CaptureTime, frame, cloud, &cal); err != nil {
		return err
	}
	if err := series.AppendRow(row); err != nil {
		return fmt.Errorf("append init row: %w", err)
	}
	logf("baseline installed for %s: offset %.4f m from %d points", frame.DeviceID, cal.Offset, cal.SampleSize)

	if p.opts.Recorder != nil {
		dir, err := p.snapshots.BaselineDir(frame.DeviceID)
		if err == nil {
			_, err = p.opts.Recorder.RecordSnapshot(tunneldb.SnapshotRecord{
				DeviceID:    frame.DeviceID,
				CaptureTime: frame.CaptureTime,
				Kind:        tunneldb.KindBaseline,
				Path:        dir,
				Cells:       g.NumCells(),
			})
		}
		p.sideEffect("recorder", err)
	}
	p.mirror(ctx, frame, timeseries.Init, row)
	return nil
}

func (p *Processor) processSteady(ctx context.Context, msg *scan.Message, series *timeseries.Store, res *Result) error {
	deviceID := msg.Structure.DeviceID
	base, err := p.snapshots.LoadBaseline(deviceID)
	if err != nil {
		return err
	}
	g, err := grid.FromSpec(msg.Structure.Grid)
	if err != nil {
		return err
	}
	if g != base.Grid {
		return fmt.Errorf("%w: %s", ErrGridChanged, deviceID)
	}
	th, err := anomaly.ThresholdsFromSpec(msg.Structure.Thresholds)
	if err != nil {
		return err
	}

	frame := msg.Frame()
	if base.Calibration != nil {
		frame.Points = calibrate.Apply(frame.Points, base.Calibration.Offset)
	}
	cloud := p.partition(frame, g, res)
	agg := cloud.Aggregate()

	report, err := anomaly.Classify(agg, base.Aggregate, th, g, cloud)
	if err != nil {
		return err
	}

	row, err := timeseries.NewRow(agg, timeseries.Steady, msg.InterestingColumns)
	if err != nil && !errors.Is(err, timeseries.ErrNoColumns) {
		return err
	}

	dir, err := p.snapshots.PersistDelta(deviceID, frame.CaptureTime, report, cloud)
	if err != nil {
		return err
	}
	if len(row.Columns) == 0 {
		logf("no interesting columns for %s, series row skipped", deviceID)
	} else if err := series.AppendRow(row); err != nil {
		return fmt.Errorf("append steady row: %w", err)
	}
	res.DeltaDir = dir
	res.Bundle = anomaly.NewBundle(deviceID, frame.CaptureTime, report)

	if res.Bundle != nil {
		for _, s := range res.Bundle.Severities {
			anomaliesDetected.WithLabelValues(s.String()).Inc()
		}
		if p.opts.Recorder != nil {
			err := p.opts.Recorder.RecordAnomaly(res.Bundle)
			if err == nil {
				_, err = p.opts.Recorder.RecordSnapshot(tunneldb.SnapshotRecord{
					DeviceID:    deviceID,
					CaptureTime: frame.CaptureTime,
					Kind:        tunneldb.KindDelta,
					Path:        dir,
					Cells:       len(res.Bundle.CellIDs),
					MaxSeverity: res.Bundle.MaxSeverity,
				})
			}
			p.sideEffect("recorder", err)
		}
	}
	if len(row.Columns) > 0 {
		p.mirror(ctx, frame, timeseries.Steady, row)
	}
	return nil
}

func (p *Processor) partition(frame scan.Frame, g grid.Grid, res *Result) grid.RegionCloud {
	cloud, stats := grid.Partition(frame.Points, g)
	res.Stats = stats
	if stats.Dropped > 0 {
		logf("%s: dropped %d of %d points outside the grid", frame.DeviceID, stats.Dropped, stats.Kept+stats.Dropped)
		pointsDropped.WithLabelValues(frame.DeviceID).Add(float64(stats.Dropped))
	}
	return cloud
}

// checkInitSignal compares the is_init flag with the row-count signal. The
// flag is authoritative; a disagreement is only logged and counted.
func (p *Processor) checkInitSignal(deviceID string, series *timeseries.Store, isInit bool) bool {
	if p.opts.InitRowThreshold <= 0 {
		return false
	}
	total, err := series.TotalRows()
	if err != nil {
		logf("%s: cannot count series rows: %v", deviceID, err)
		return false
	}
	byRows := total < p.opts.InitRowThreshold
	if byRows == isInit {
		return false
	}
	logf("%s: is_init=%t but %d series rows against threshold %d; following the flag",
		deviceID, isInit, total, p.opts.InitRowThreshold)
	initDisagreements.WithLabelValues(deviceID).Inc()
	return true
}

func (p *Processor) seriesFor(deviceID string) (*timeseries.Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.series[deviceID]; ok {
		return s, nil
	}
	dir, err := p.snapshots.SeriesDir(deviceID)
	if err != nil {
		return nil, err
	}
	s, err := timeseries.Open(p.fsys, dir, p.opts.SeriesCapacity)
	if err != nil {
		return nil, err
	}
	p.series[deviceID] = s
	return s, nil
}

func (p *Processor) mirror(ctx context.Context, frame scan.Frame, mode timeseries.Mode, row timeseries.Row) {
	if p.opts.Mirror == nil {
		return
	}
	p.sideEffect("mirror", p.opts.Mirror.Mirror(ctx, frame.DeviceID, frame.CaptureTime, mode, row))
}

func (p *Processor) sideEffect(sink string, err error) {
	if err == nil {
		return
	}
	logf("%s: %v", sink, err)
	sideEffectErrors.WithLabelValues(sink).Inc()
}
