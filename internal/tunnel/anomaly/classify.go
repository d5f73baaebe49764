package anomaly

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
)

// ErrGridMismatch is returned when the current and baseline aggregates were
// built on different grids.
var ErrGridMismatch = errors.New("anomaly: aggregate and baseline differ in cell count")

// Position is the XY estimate of where an anomaly sits.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Descriptor grades one cell.
type Descriptor struct {
	CellID   grid.CellID `json:"cell_id"`
	Position Position    `json:"position"`
	// Deviation is baseline minus current height; positive means the
	// surface moved down.
	Deviation float64  `json:"deviation"`
	Severity  Severity `json:"severity"`
}

// Magnitude is |Deviation|.
func (d Descriptor) Magnitude() float64 { return math.Abs(d.Deviation) }

// Summary is the operator-facing one-line description of the anomaly.
func (d Descriptor) Summary() string {
	return fmt.Sprintf("region %d: vertical offset of %.2f mm at %.2f m (%s)",
		d.CellID, d.Deviation*1000, d.Position.X, d.Severity)
}

// Report holds the graded cells of one scan, ascending by cell id. Cells
// without data on either side are absent.
type Report struct {
	Descriptors []Descriptor
}

// Anomalies returns the descriptors graded above None.
func (r Report) Anomalies() []Descriptor {
	var out []Descriptor
	for _, d := range r.Descriptors {
		if d.Severity > None {
			out = append(out, d)
		}
	}
	return out
}

// Max is the highest severity in the report.
func (r Report) Max() Severity {
	out := None
	for _, d := range r.Descriptors {
		out = MaxSeverity(out, d.Severity)
	}
	return out
}

// Classify grades every cell that has data in both current and baseline.
// Positions come from the centroid of the cell's points in cloud; pass a
// zero RegionCloud to use cell centres from g instead.
func Classify(current, baseline grid.Aggregate, th Thresholds, g grid.Grid, cloud grid.RegionCloud) (Report, error) {
	if err := th.Validate(); err != nil {
		return Report{}, err
	}
	if current.Len() != baseline.Len() || current.Len() != g.NumCells() {
		return Report{}, fmt.Errorf("%w: current %d, baseline %d, grid %d",
			ErrGridMismatch, current.Len(), baseline.Len(), g.NumCells())
	}

	var r Report
	for i := 0; i < current.Len(); i++ {
		id := grid.CellID(i)
		if !current.HasData(id) || !baseline.HasData(id) {
			continue
		}
		dev := baseline.At(id) - current.At(id)

		var x, y float64
		if cloud.HasData(id) {
			x, y = cloud.Centroid(id)
		} else {
			x, y = g.Center(id)
		}
		r.Descriptors = append(r.Descriptors, Descriptor{
			CellID:    id,
			Position:  Position{X: x, Y: y},
			Deviation: dev,
			Severity:  th.Grade(dev),
		})
	}
	return r, nil
}

// Bundle is the anomaly record forwarded to the metadata store and alerting.
type Bundle struct {
	Identification      string        `json:"identification"`
	DeviceID            string        `json:"device_id"`
	CaptureTime         time.Time     `json:"capture_time"`
	CellIDs             []grid.CellID `json:"cell_ids"`
	Positions           []Position    `json:"positions"`
	DeviationMagnitudes []float64     `json:"deviation_magnitudes"`
	Severities          []Severity    `json:"severities"`
	MaxSeverity         Severity      `json:"max_severity"`
	Summaries           []string      `json:"summaries"`
}

// NewBundle collects the anomalies of r. It returns nil when r has none.
func NewBundle(deviceID string, at time.Time, r Report) *Bundle {
	anomalies := r.Anomalies()
	if len(anomalies) == 0 {
		return nil
	}
	b := &Bundle{
		Identification: uuid.New().String(),
		DeviceID:       deviceID,
		CaptureTime:    at,
	}
	for _, d := range anomalies {
		b.CellIDs = append(b.CellIDs, d.CellID)
		b.Positions = append(b.Positions, d.Position)
		b.DeviationMagnitudes = append(b.DeviationMagnitudes, d.Magnitude())
		b.Severities = append(b.Severities, d.Severity)
		b.Summaries = append(b.Summaries, d.Summary())
	}
	b.MaxSeverity = MaxSeverity(b.Severities...)
	return b
}
