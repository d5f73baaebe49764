package anomaly

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

var exampleThresholds = Thresholds{Level1: 0.003, Level2: 0.008, Level3: 0.02}

func TestGrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		deviation float64
		want      Severity
	}{
		{0.005, Level1},
		{0.01, Level2},
		{0.03, Level3},
		{0.001, None},
		{-0.01, Level2},
		{0.003, None}, // equal is not exceeded
		{math.NaN(), None},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exampleThresholds.Grade(tt.deviation), "deviation %v", tt.deviation)
	}
}

func TestSeverityOrderAndText(t *testing.T) {
	t.Parallel()

	assert.True(t, None < Level1 && Level1 < Level2 && Level2 < Level3)
	assert.Equal(t, Level3, MaxSeverity(Level1, Level3, None, Level2))
	assert.Equal(t, None, MaxSeverity())

	for _, s := range []Severity{None, Level1, Level2, Level3} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Severity
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	_, err := ParseSeverity("critical")
	assert.Error(t, err)
	_, err = Severity(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "severity(9)", Severity(9).String())
}

func TestColors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, scan.RGB{R: 118, G: 238, B: 198}, None.Color())
	assert.Equal(t, scan.RGB{R: 238, G: 180, B: 34}, Level1.Color())
	assert.Equal(t, scan.RGB{R: 238, G: 64, B: 0}, Level2.Color())
	assert.Equal(t, scan.RGB{R: 178, G: 34, B: 34}, Level3.Color())
}

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, exampleThresholds.Validate())
	for _, bad := range []Thresholds{
		{0, 0.1, 0.2},
		{0.1, 0.1, 0.2},
		{0.1, 0.3, 0.2},
		{0.1, 0.2, math.Inf(1)},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidThresholds)
	}

	th, err := ThresholdsFromSpec(scan.ThresholdSpec{Level1: 0.003, Level2: 0.008, Level3: 0.02})
	require.NoError(t, err)
	assert.Equal(t, exampleThresholds, th)
}

func classifyFixture(t *testing.T) (grid.Grid, grid.RegionCloud, grid.Aggregate) {
	t.Helper()
	g, err := grid.New(0, 2, 0, 1, 0.5)
	require.NoError(t, err)
	// cells: 0..3 on row 0, 4..7 on row 1
	cloud, _ := grid.Partition([]scan.Point{
		{X: 0.1, Y: 0.1, Z: 5.995}, // cell 0, sag 0.005
		{X: 0.6, Y: 0.1, Z: 5.99},  // cell 1, sag 0.01
		{X: 1.1, Y: 0.2, Z: 6.03},  // cell 2, heave 0.03
		{X: 1.3, Y: 0.4, Z: 6.03},  // cell 2
		{X: 1.6, Y: 0.1, Z: 5.999}, // cell 3, within tolerance
		{X: 0.1, Y: 0.6, Z: 5.0},   // cell 4, no baseline
	}, g)
	nan := math.NaN()
	baseline := grid.NewAggregate([]float64{6, 6, 6, 6, nan, 6, nan, nan})
	return g, cloud, baseline
}

func TestClassify(t *testing.T) {
	t.Parallel()

	g, cloud, baseline := classifyFixture(t)
	r, err := Classify(cloud.Aggregate(), baseline, exampleThresholds, g, cloud)
	require.NoError(t, err)

	require.Len(t, r.Descriptors, 4)
	got := map[grid.CellID]Severity{}
	for _, d := range r.Descriptors {
		got[d.CellID] = d.Severity
	}
	assert.Equal(t, map[grid.CellID]Severity{0: Level1, 1: Level2, 2: Level3, 3: None}, got)
	assert.Equal(t, Level3, r.Max())
	assert.Len(t, r.Anomalies(), 3)

	cell2 := r.Descriptors[2]
	assert.InDelta(t, -0.03, cell2.Deviation, 1e-9)
	assert.InDelta(t, 0.03, cell2.Magnitude(), 1e-9)
	assert.InDelta(t, 1.2, cell2.Position.X, 1e-12, "centroid of the cell's points")
	assert.InDelta(t, 0.3, cell2.Position.Y, 1e-12)
}

func TestClassifyWithoutCloudUsesCentres(t *testing.T) {
	t.Parallel()

	g, cloud, baseline := classifyFixture(t)
	r, err := Classify(cloud.Aggregate(), baseline, exampleThresholds, g, grid.RegionCloud{})
	require.NoError(t, err)
	assert.Equal(t, Position{X: 1.25, Y: 0.25}, r.Descriptors[2].Position)
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()

	g, cloud, baseline := classifyFixture(t)
	_, err := Classify(cloud.Aggregate(), grid.NewAggregate([]float64{1}), exampleThresholds, g, cloud)
	assert.ErrorIs(t, err, ErrGridMismatch)

	_, err = Classify(cloud.Aggregate(), baseline, Thresholds{}, g, cloud)
	assert.ErrorIs(t, err, ErrInvalidThresholds)
}

func TestNewBundle(t *testing.T) {
	t.Parallel()

	g, cloud, baseline := classifyFixture(t)
	r, err := Classify(cloud.Aggregate(), baseline, exampleThresholds, g, cloud)
	require.NoError(t, err)

	at := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	b := NewBundle("lidar-01", at, r)
	require.NotNil(t, b)

	_, err = uuid.Parse(b.Identification)
	assert.NoError(t, err)
	assert.Equal(t, []grid.CellID{0, 1, 2}, b.CellIDs)
	assert.Equal(t, []Severity{Level1, Level2, Level3}, b.Severities)
	assert.Equal(t, Level3, b.MaxSeverity)
	assert.Len(t, b.Positions, 3)
	assert.InDelta(t, 0.005, b.DeviationMagnitudes[0], 1e-9)
	assert.Contains(t, b.Summaries[0], "vertical offset of 5.00 mm")

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"max_severity":"level3"`)

	assert.Nil(t, NewBundle("lidar-01", at, Report{}))
}
