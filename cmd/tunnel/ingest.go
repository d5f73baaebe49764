package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tunnel.report/internal/tunnel/pipeline"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunneldb"
)

// NewIngestCmd creates the ingest command.
func NewIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Process scan message files",
		Long: `Ingest processes scan message files in the order given. Scans of different
devices run in parallel; scans of one device run in order.

Examples:
  # Install a baseline, then process a steady scan
  tunnel ingest init.json scan-0930.json

  # Skip the metadata database
  tunnel ingest --no-db scans/*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	cmd.Flags().Bool("no-db", false, "Do not record anomalies and snapshots in the metadata database")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	var db *tunneldb.DB
	if noDB, _ := cmd.Flags().GetBool("no-db"); !noDB {
		if db, err = e.openDB(); err != nil {
			return err
		}
		defer db.Close()
	}

	out := cmd.OutOrStdout()
	report := newResultReport(out)
	d := pipeline.NewDispatcher(cmd.Context(), e.newProcessor(db, nil), report.add)
	for _, path := range args {
		msg, err := readMessage(path)
		if err != nil {
			report.fail(path, err)
			continue
		}
		if err := d.Submit(msg); err != nil {
			report.fail(path, err)
			break
		}
	}
	if err := d.Close(); err != nil {
		return err
	}
	return report.summary()
}

func readMessage(path string) (*scan.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return scan.Parse(f)
}

// resultReport prints one line per scan and tallies the outcomes.
type resultReport struct {
	mu        sync.Mutex
	w         io.Writer
	ok        int
	failed    int
	anomalies int
}

func newResultReport(w io.Writer) *resultReport {
	return &resultReport{w: w}
}

func (r *resultReport) add(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at := res.CaptureTime.Format(time.RFC3339)
	switch {
	case !res.OK:
		r.failed++
		fmt.Fprintf(r.w, "FAIL %s %s: %v\n", res.DeviceID, at, res.Err)
	case res.Bundle != nil:
		r.ok++
		r.anomalies++
		fmt.Fprintf(r.w, "%-4s %s %s: %d anomalous cells, max %s\n",
			res.Mode, res.DeviceID, at, len(res.Bundle.CellIDs), res.Bundle.MaxSeverity)
	default:
		r.ok++
		fmt.Fprintf(r.w, "%-4s %s %s: ok\n", res.Mode, res.DeviceID, at)
	}
}

func (r *resultReport) fail(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	fmt.Fprintf(r.w, "FAIL %s: %v\n", path, err)
}

func (r *resultReport) summary() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%d scans processed, %d with anomalies, %d failed\n", r.ok, r.anomalies, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d of %d scans failed", r.failed, r.ok+r.failed)
	}
	return nil
}
