package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tunnel.report/internal/testutil"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunnel/snapshot"
)

var cliGrid = scan.GridSpec{MinX: 0, MaxX: 2, MinY: 0, MaxY: 1, CellSize: 0.5}

// scanMessage builds a scan with one point per cell at 6.0 m, lowered per
// cell by sag.
func scanMessage(t *testing.T, sec int, isInit bool, sag map[int]float64) *scan.Message {
	t.Helper()
	g, err := grid.FromSpec(cliGrid)
	require.NoError(t, err)
	pts := make([]scan.Point, g.NumCells())
	for i := range pts {
		x, y := g.Center(grid.CellID(i))
		pts[i] = scan.Point{X: x, Y: y, Z: 6.0 - sag[i]}
	}
	return &scan.Message{
		IsInit:      isInit,
		CaptureTime: testutil.CaptureTime(sec),
		Structure: scan.Structure{
			DeviceID:   "lidar-01",
			HeightM:    6.5,
			Grid:       cliGrid,
			Thresholds: scan.ThresholdSpec{Level1: 0.003, Level2: 0.008, Level3: 0.02},
		},
		Points:             pts,
		InterestingColumns: []string{"2", "5"},
	}
}

func writeMessage(t *testing.T, path string, msg *scan.Message) string {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// ----------------------------------------------------------------------------
// End to end
// ----------------------------------------------------------------------------

func TestIngestReconstructDiffHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")

	files := []string{
		writeMessage(t, filepath.Join(dir, "init.json"), scanMessage(t, 0, true, nil)),
		writeMessage(t, filepath.Join(dir, "s1.json"), scanMessage(t, 7, false, map[int]float64{2: 0.05})),
		writeMessage(t, filepath.Join(dir, "s2.json"), scanMessage(t, 20, false, map[int]float64{2: 0.05, 5: 0.01})),
	}
	out, err := runCLI(t, append([]string{"--data", data, "ingest"}, files...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "3 scans processed, 2 with anomalies, 0 failed")
	assert.DirExists(t, filepath.Join(data, "lidar-01", "data", "history", "2024", "3", "5", "9", "30", "7"))
	assert.FileExists(t, filepath.Join(data, "tunnel.db"))

	t.Run("history", func(t *testing.T) {
		out, err := runCLI(t, "--data", data, "history", "--device", "lidar-01")
		require.NoError(t, err, out)
		assert.Contains(t, out, "2024-03-05T09:30:07Z")
		assert.Contains(t, out, "2024-03-05T09:30:20Z")
		assert.Contains(t, out, "level3")
	})

	t.Run("history from database", func(t *testing.T) {
		out, err := runCLI(t, "--data", data, "history", "--device", "lidar-01", "--anomalies",
			"--since", "2024-03-05T09:30:10Z")
		require.NoError(t, err, out)
		assert.NotContains(t, out, "2024-03-05T09:30:07Z")
		assert.Contains(t, out, "2024-03-05T09:30:20Z")
		assert.Contains(t, out, "level2")
	})

	t.Run("reconstruct", func(t *testing.T) {
		path := filepath.Join(dir, "scene.csv")
		out, err := runCLI(t, "--data", data, "reconstruct", "--device", "lidar-01",
			"--at", "2024-03-05T09:30:10Z", "--out", path)
		require.NoError(t, err, out)
		assert.Contains(t, out, "8 cells from baseline 2024-03-05T09:30:00Z with 1 deltas")

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		pts, err := snapshot.DecodePoints(raw)
		require.NoError(t, err)
		assert.Len(t, pts, 8)
	})

	t.Run("diff", func(t *testing.T) {
		path := filepath.Join(dir, "review.csv")
		out, err := runCLI(t, "--data", data, "diff", "--device", "lidar-01",
			"--root", "2024-03-05T09:30:07Z", "--comparison", "2024-03-05T09:30:20Z", "--out", path)
		require.NoError(t, err, out)
		assert.Contains(t, out, "root:       2\n")
		assert.Contains(t, out, "comparison: 5\n")
		assert.FileExists(t, path)
	})

	t.Run("diff with missing capture", func(t *testing.T) {
		_, err := runCLI(t, "--data", data, "diff", "--device", "lidar-01",
			"--root", "2024-03-05T09:30:08Z", "--comparison", "2024-03-05T09:30:20Z")
		require.Error(t, err)
		assert.ErrorIs(t, err, snapshot.ErrMissingDataset)
	})

	t.Run("migrate version", func(t *testing.T) {
		out, err := runCLI(t, "--data", data, "migrate", "version")
		require.NoError(t, err, out)
		assert.Equal(t, "schema version 1 (clean)\n", out)
	})
}

func TestIngestReportsFailures(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"is_init": true, "bogus": 1}`), 0o644))
	orphan := writeMessage(t, filepath.Join(dir, "orphan.json"), scanMessage(t, 7, false, nil))

	out, err := runCLI(t, "--data", filepath.Join(dir, "data"), "ingest", "--no-db", bad, orphan)
	require.Error(t, err)
	assert.EqualError(t, err, "2 of 2 scans failed")
	assert.Contains(t, out, "FAIL "+bad)
	assert.Contains(t, out, "FAIL lidar-01")
	assert.NoFileExists(t, filepath.Join(dir, "data", "tunnel.db"))
}

func TestMigrateUpDown(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "meta", "tunnel.db")

	out, err := runCLI(t, "--db", db, "migrate", "down")
	require.NoError(t, err, out)
	assert.Equal(t, "schema version 0 (clean)\n", out)

	out, err = runCLI(t, "--db", db, "migrate", "up")
	require.NoError(t, err, out)
	assert.Equal(t, "schema version 1 (clean)\n", out)
}

func TestStructureRegistryFlag(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := runCLI(t, "--structures", filepath.Join(dir, "missing.yaml"), "history", "--device", "lidar-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structure registry")
}
