package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tunnel.report/internal/config"
	"github.com/banshee-data/tunnel.report/internal/monitoring"
	"github.com/banshee-data/tunnel.report/internal/tunnel/pipeline"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunnel/timeseries"
	"github.com/banshee-data/tunnel.report/internal/tunneldb"
)

var watchf = monitoring.Component("Watch")

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process scan messages as they arrive in an inbox directory",
		Long: `Watch processes every *.json scan message dropped into the inbox directory.
A file is picked up once it has been quiet for the settle interval. Handled
files move to inbox/processed, rejected ones to inbox/failed. Files already in
the inbox at startup are processed first, oldest name first. Settled files
wait in an in-memory backlog while a device's queue is full; the watcher keeps
tracking new arrivals meanwhile.

Prometheus metrics are served on /metrics. Rows are mirrored to InfluxDB when
influx_url is configured; the token is read from INFLUX_TOKEN.

Examples:
  tunnel watch --inbox /var/spool/tunnel
  tunnel watch --inbox ./inbox --metrics-addr :9200 --no-db`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().String("inbox", "", "Directory scan messages are delivered to")
	cmd.Flags().String("metrics-addr", "", "Listen address for /metrics, overrides metrics_addr; \"off\" disables it")
	cmd.Flags().Bool("no-db", false, "Do not record anomalies and snapshots in the metadata database")
	_ = cmd.MarkFlagRequired("inbox")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	dir, _ := cmd.Flags().GetString("inbox")

	var db *tunneldb.DB
	if noDB, _ := cmd.Flags().GetBool("no-db"); !noDB {
		if db, err = e.openDB(); err != nil {
			return err
		}
		defer db.Close()
	}

	var mirror pipeline.Mirror
	if e.cfg.InfluxEnabled() {
		client := influxdb2.NewClient(e.cfg.GetInfluxURL(), os.Getenv(config.InfluxTokenEnv))
		defer client.Close()
		mirror = timeseries.NewInfluxMirror(
			client.WriteAPIBlocking(e.cfg.GetInfluxOrg(), e.cfg.GetInfluxBucket()),
			e.cfg.GetInfluxMeasurement(),
		)
		watchf("mirroring rows to %s", e.cfg.GetInfluxURL())
	}

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = e.cfg.GetMetricsAddr()
	}
	if addr != "off" {
		stop := serveMetrics(addr)
		defer stop()
	}

	in, err := newInbox(dir, e.cfg.GetWatchSettle())
	if err != nil {
		return err
	}
	d := pipeline.NewDispatcher(ctx, e.newProcessor(db, mirror), in.done)
	err = in.run(ctx, d)
	if cerr := d.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) && err == nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		watchf("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			watchf("metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// submitter is the part of the dispatcher the inbox feeds.
type submitter interface {
	Submit(msg *scan.Message) error
}

// inbox tracks files dropped into a directory until they are quiet, hands
// them to the dispatcher and files them once their scan has been processed.
type inbox struct {
	dir    string
	settle time.Duration

	// pending maps a path to the time of its last write event. Owned by the
	// event loop.
	pending map[string]time.Time

	mu       sync.Mutex
	inFlight map[string][]string
	// backlog holds settled paths in submission order; queued marks them
	// until they have been submitted or rejected.
	backlog []string
	queued  map[string]bool
	wake    chan struct{}
}

func newInbox(dir string, settle time.Duration) (*inbox, error) {
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare inbox: %w", err)
		}
	}
	return &inbox{
		dir:      dir,
		settle:   settle,
		pending:  make(map[string]time.Time),
		inFlight: make(map[string][]string),
		queued:   make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}, nil
}

func isScanFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// existing returns the scan files already in the inbox, sorted by name.
func (in *inbox) existing() ([]string, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && isScanFile(e.Name()) {
			out = append(out, filepath.Join(in.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// touch records activity on path.
func (in *inbox) touch(path string, at time.Time) {
	if filepath.Dir(path) != filepath.Clean(in.dir) || !isScanFile(path) {
		return
	}
	in.pending[path] = at
}

// ready removes and returns the pending paths that have been quiet for the
// settle interval as of now, sorted by name.
func (in *inbox) ready(now time.Time) []string {
	var out []string
	for path, last := range in.pending {
		if now.Sub(last) >= in.settle {
			out = append(out, path)
			delete(in.pending, path)
		}
	}
	sort.Strings(out)
	return out
}

// enqueue appends paths to the backlog, skipping those already waiting, and
// wakes the feeder. It never blocks.
func (in *inbox) enqueue(paths []string) {
	if len(paths) == 0 {
		return
	}
	in.mu.Lock()
	for _, path := range paths {
		if !in.queued[path] {
			in.queued[path] = true
			in.backlog = append(in.backlog, path)
		}
	}
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// take empties the backlog.
func (in *inbox) take() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	paths := in.backlog
	in.backlog = nil
	return paths
}

// waiting reports how many settled paths have not been handed out yet.
func (in *inbox) waiting() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.backlog)
}

func (in *inbox) run(ctx context.Context, d submitter) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	files, err := in.existing()
	if err != nil {
		return err
	}
	if len(files) > 0 {
		watchf("draining %d files already in %s", len(files), in.dir)
	}
	in.enqueue(files)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return in.feed(ctx, d) })
	g.Go(func() error {
		defer cancel()
		return in.watch(ctx, w)
	})
	return g.Wait()
}

// feed submits the backlog in order. A full device queue blocks only this
// goroutine.
func (in *inbox) feed(ctx context.Context, d submitter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.wake:
		}
		if err := in.submit(d, in.take()); err != nil {
			return err
		}
	}
}

// watch turns fsnotify events into settled paths for the feeder.
func (in *inbox) watch(ctx context.Context, w *fsnotify.Watcher) error {
	tick := in.settle / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	watchf("watching %s", in.dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				in.touch(ev.Name, time.Now())
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(in.pending, ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			watchf("watcher error: %v", err)
		case now := <-ticker.C:
			in.enqueue(in.ready(now))
		}
	}
}

func (in *inbox) submit(d submitter, paths []string) error {
	for _, path := range paths {
		err := in.submitOne(d, path)
		in.mu.Lock()
		delete(in.queued, path)
		in.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *inbox) submitOne(d submitter, path string) error {
	msg, err := readMessage(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		watchf("rejecting %s: %v", filepath.Base(path), err)
		in.file(path, failedDir)
		return nil
	}
	key := flightKey(msg.Structure.DeviceID, msg.CaptureTime)
	in.mu.Lock()
	in.inFlight[key] = append(in.inFlight[key], path)
	in.mu.Unlock()
	return d.Submit(msg)
}

// done is the dispatcher callback: it files the message behind res.
func (in *inbox) done(res pipeline.Result) {
	key := flightKey(res.DeviceID, res.CaptureTime)
	in.mu.Lock()
	paths := in.inFlight[key]
	var path string
	if len(paths) > 0 {
		path = paths[0]
		if len(paths) == 1 {
			delete(in.inFlight, key)
		} else {
			in.inFlight[key] = paths[1:]
		}
	}
	in.mu.Unlock()
	if path == "" {
		return
	}

	if !res.OK {
		in.file(path, failedDir)
		return
	}
	if res.Bundle != nil {
		watchf("%s %s: %d anomalous cells, max %s", res.DeviceID, res.CaptureTime.Format(time.RFC3339),
			len(res.Bundle.CellIDs), res.Bundle.MaxSeverity)
	}
	in.file(path, processedDir)
}

func (in *inbox) file(path, sub string) {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		watchf("move %s to %s: %v", filepath.Base(path), sub, err)
	}
}

func flightKey(deviceID string, at time.Time) string {
	return deviceID + "@" + strconv.FormatInt(at.UnixNano(), 10)
}
