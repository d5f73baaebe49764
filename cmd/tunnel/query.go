package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tunnel.report/internal/tunnel/snapshot"
)

// NewReconstructCmd creates the reconstruct command.
func NewReconstructCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Rebuild the scene of a structure as of a point in time",
		Long: `Reconstruct overlays every delta captured up to --at on the baseline and
writes the resulting point file.

Examples:
  tunnel reconstruct --device lidar-01 --at 2024-03-05T09:30:07Z --out scene.csv
  tunnel reconstruct --device lidar-01 --at "2024-03-05 09:30:07"`,
		Args: cobra.NoArgs,
		RunE: runReconstruct,
	}
	cmd.Flags().String("device", "", "Device ID of the structure")
	cmd.Flags().String("at", "", "Point in time, RFC 3339 or local time (default now)")
	cmd.Flags().String("out", "", "Output point file (default stdout)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func runReconstruct(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	device, _ := cmd.Flags().GetString("device")
	at := time.Now()
	if s, _ := cmd.Flags().GetString("at"); s != "" {
		if at, err = parseTime(s, e.cfg.GetLocation()); err != nil {
			return err
		}
	}

	sc, err := e.snapshots.Reconstruct(device, at)
	if err != nil {
		return err
	}
	data, err := sc.Encode()
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	if err := writeOutput(cmd, out, data); err != nil {
		return err
	}
	if out != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d cells from baseline %s with %d deltas\n",
			out, len(sc.Cells), sc.Baseline.Format(time.RFC3339), len(sc.Applied))
	}
	return nil
}

// NewDiffCmd creates the diff command.
func NewDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare two captures of a structure",
		Long: `Diff merges the comparison capture over the root capture. A cell present in
both is taken from the comparison only when its logged deviation changed by
more than the tolerance. The merge is overlaid on the baseline and written as
a point file; root cells are repainted the baseline colour.

Examples:
  tunnel diff --device lidar-01 --root 2024-03-05T09:30:07Z \
    --comparison 2024-03-06T09:30:02Z --out review.csv`,
		Args: cobra.NoArgs,
		RunE: runDiff,
	}
	cmd.Flags().String("device", "", "Device ID of the structure")
	cmd.Flags().String("root", "", "Capture time of the root delta")
	cmd.Flags().String("comparison", "", "Capture time of the comparison delta")
	cmd.Flags().Float64("tolerance", -1, "Deviation change in metres that counts as changed (default diff_tolerance)")
	cmd.Flags().String("out", "", "Output point file (default stdout)")
	for _, name := range []string{"device", "root", "comparison"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runDiff(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	device, _ := flags.GetString("device")
	rootStr, _ := flags.GetString("root")
	compStr, _ := flags.GetString("comparison")
	rootTime, err := parseTime(rootStr, e.cfg.GetLocation())
	if err != nil {
		return err
	}
	compTime, err := parseTime(compStr, e.cfg.GetLocation())
	if err != nil {
		return err
	}
	tolerance := e.cfg.GetDiffTolerance()
	if flags.Changed("tolerance") {
		tolerance, _ = flags.GetFloat64("tolerance")
	}

	c, err := e.snapshots.Compare(device, rootTime, compTime, tolerance)
	if err != nil {
		return err
	}
	data, err := c.Scene.Encode()
	if err != nil {
		return err
	}
	out, _ := flags.GetString("out")
	if err := writeOutput(cmd, out, data); err != nil {
		return err
	}
	if out == "" {
		return nil
	}

	var fromRoot, fromComp []string
	for _, id := range c.Diff.Cells.IDs() {
		if c.Diff.Sources[id] == snapshot.FromComparison {
			fromComp = append(fromComp, id.String())
		} else {
			fromRoot = append(fromRoot, id.String())
		}
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %d cells\n", out, len(c.Scene.Cells))
	fmt.Fprintf(w, "  root:       %s\n", joinOrDash(fromRoot))
	fmt.Fprintf(w, "  comparison: %s\n", joinOrDash(fromComp))
	return nil
}

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the captures stored for a structure",
		Long: `History lists every delta capture with its anomaly summary, read from the
deviation logs on disk. With --anomalies it lists the anomaly bundles
recorded in the metadata database instead.

Examples:
  tunnel history --device lidar-01
  tunnel history --device lidar-01 --anomalies --since 2024-03-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
	cmd.Flags().String("device", "", "Device ID of the structure")
	cmd.Flags().Bool("anomalies", false, "List anomaly bundles from the metadata database")
	cmd.Flags().String("since", "", "With --anomalies, only bundles captured at or after this time")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	device, _ := cmd.Flags().GetString("device")
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if fromDB, _ := cmd.Flags().GetBool("anomalies"); fromDB {
		var since time.Time
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			if since, err = parseTime(s, e.cfg.GetLocation()); err != nil {
				return err
			}
		}
		db, err := e.openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		records, err := db.ListAnomalies(device, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "CAPTURED\tID\tCELLS\tMAX\tSUMMARY")
		for _, r := range records {
			summaries := make([]string, 0, len(r.Cells))
			for _, c := range r.Cells {
				summaries = append(summaries, c.Summary)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.CaptureTime.In(e.cfg.GetLocation()).Format(time.RFC3339),
				r.AnomalyID, len(r.Cells), r.MaxSeverity, joinOrDash(summaries))
		}
		return nil
	}

	entries, err := e.snapshots.History(device)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "CAPTURED\tCELLS\tMAX\tSUMMARY")
	for _, h := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", h.Time.Format(time.RFC3339), h.Cells, h.MaxSeverity, joinOrDash(h.Summaries))
	}
	return nil
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, "; ")
}
