package tunneldb

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tunnel.report/internal/testutil"
	"github.com/banshee-data/tunnel.report/internal/timeutil"
	"github.com/banshee-data/tunnel.report/internal/tunnel/anomaly"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tunnel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetClock(timeutil.NewMockClock(testutil.CaptureTime(3600)))
	return db
}

func testBundle(at time.Time) *anomaly.Bundle {
	r := anomaly.Report{Descriptors: []anomaly.Descriptor{
		{CellID: 3, Position: anomaly.Position{X: 1.25, Y: 0.5}, Deviation: 0.005, Severity: anomaly.Level1},
		{CellID: 1, Position: anomaly.Position{X: 0.25, Y: 0.5}, Deviation: 0, Severity: anomaly.None},
		{CellID: 7, Position: anomaly.Position{X: 3.75, Y: 0.5}, Deviation: -0.03, Severity: anomaly.Level3},
	}}
	return anomaly.NewBundle("lidar-01", at, r)
}

// ----------------------------------------------------------------------------
// Migrations
// ----------------------------------------------------------------------------

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"anomaly_log", "anomaly_log_desc", "snapshot_log"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}

	require.NoError(t, db.MigrateUp(), "second run is a no-op")
}

func TestMigrateDown(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='anomaly_log'`).Scan(&n))
	assert.Zero(t, n)
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tunnel.db")

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.RecordSnapshot(SnapshotRecord{DeviceID: "lidar-01", CaptureTime: testutil.CaptureTime(0), Kind: KindBaseline, Path: "/data/init"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.ListSnapshots("lidar-01")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// ----------------------------------------------------------------------------
// Anomalies
// ----------------------------------------------------------------------------

func TestRecordAndListAnomalies(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	b1 := testBundle(testutil.CaptureTime(60))
	b2 := testBundle(testutil.CaptureTime(120))
	require.NoError(t, db.RecordAnomaly(b2))
	require.NoError(t, db.RecordAnomaly(b1))

	all, err := db.ListAnomalies("lidar-01", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b1.Identification, all[0].AnomalyID)
	assert.True(t, all[0].CaptureTime.Equal(testutil.CaptureTime(60)))
	assert.True(t, all[0].RecordedAt.Equal(testutil.CaptureTime(3600)))
	assert.Equal(t, anomaly.Level3, all[0].MaxSeverity)

	cells := all[0].Cells
	require.Len(t, cells, 2, "None cells are not bundled")
	assert.Equal(t, grid.CellID(3), cells[0].CellID)
	assert.Equal(t, anomaly.Level1, cells[0].Severity)
	assert.Equal(t, anomaly.Position{X: 1.25, Y: 0.5}, cells[0].Position)
	assert.InDelta(t, 0.03, cells[1].Deviation, 1e-12, "magnitude is stored")
	assert.Contains(t, cells[1].Summary, "region 7")

	recent, err := db.ListAnomalies("lidar-01", testutil.CaptureTime(90))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, b2.Identification, recent[0].AnomalyID)

	other, err := db.ListAnomalies("lidar-02", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordAnomalyRejectsMalformedBundle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	assert.ErrorIs(t, db.RecordAnomaly(nil), ErrEmptyBundle)
	assert.ErrorIs(t, db.RecordAnomaly(&anomaly.Bundle{Identification: "x"}), ErrEmptyBundle)

	b := testBundle(testutil.CaptureTime(0))
	b.Summaries = b.Summaries[:1]
	assert.ErrorIs(t, db.RecordAnomaly(b), ErrEmptyBundle)
}

func TestRecordAnomalyDuplicateRollsBack(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	b := testBundle(testutil.CaptureTime(0))
	require.NoError(t, db.RecordAnomaly(b))
	assert.Error(t, db.RecordAnomaly(b))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM anomaly_log_desc`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestDeleteAnomalyCascades(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	b := testBundle(testutil.CaptureTime(0))
	require.NoError(t, db.RecordAnomaly(b))
	require.NoError(t, db.DeleteAnomaly(b.Identification))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM anomaly_log_desc`).Scan(&n))
	assert.Zero(t, n)

	assert.ErrorIs(t, db.DeleteAnomaly(b.Identification), sql.ErrNoRows)
}

// ----------------------------------------------------------------------------
// Snapshots
// ----------------------------------------------------------------------------

func TestLatestSnapshotPath(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	records := []SnapshotRecord{
		{DeviceID: "lidar-01", CaptureTime: testutil.CaptureTime(0), Kind: KindBaseline, Path: "init"},
		{DeviceID: "lidar-01", CaptureTime: testutil.CaptureTime(60), Kind: KindDelta, Path: "d60", Cells: 2, MaxSeverity: anomaly.Level2},
		{DeviceID: "lidar-01", CaptureTime: testutil.CaptureTime(120), Kind: KindDelta, Path: "d120", Cells: 1, MaxSeverity: anomaly.Level1},
		{DeviceID: "lidar-02", CaptureTime: testutil.CaptureTime(500), Kind: KindDelta, Path: "other"},
	}
	for _, r := range records {
		_, err := db.RecordSnapshot(r)
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		kind SnapshotKind
		at   time.Time
		want string
	}{
		{"latest of any kind", "", testutil.CaptureTime(1000), "d120"},
		{"latest baseline", KindBaseline, testutil.CaptureTime(1000), "init"},
		{"bounded by time", KindDelta, testutil.CaptureTime(90), "d60"},
		{"before first delta falls back to baseline", "", testutil.CaptureTime(30), "init"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.LatestSnapshotPath("lidar-01", tt.kind, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := db.LatestSnapshotPath("lidar-01", KindDelta, testutil.CaptureTime(10))
	assert.ErrorIs(t, err, ErrNoSnapshot)

	list, err := db.ListSnapshots("lidar-01")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, anomaly.None, list[0].MaxSeverity)
	assert.Equal(t, anomaly.Level2, list[1].MaxSeverity)
	assert.Equal(t, 2, list[1].Cells)
}

func TestRecordSnapshotRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	_, err := db.RecordSnapshot(SnapshotRecord{DeviceID: "lidar-01", Kind: "full"})
	assert.Error(t, err)
}
