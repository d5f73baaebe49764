package timeseries

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PointWriter is the part of the InfluxDB blocking write API the mirror
// needs. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// DefaultMeasurement is the InfluxDB measurement region heights go to.
const DefaultMeasurement = "tunnel_region_height"

// InfluxMirror copies appended rows to InfluxDB, one point per row with a
// field per cell. NaN cells are left out since InfluxDB cannot store them.
type InfluxMirror struct {
	w           PointWriter
	measurement string
}

// NewInfluxMirror returns a mirror writing to measurement, or
// DefaultMeasurement when it is empty.
func NewInfluxMirror(w PointWriter, measurement string) *InfluxMirror {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &InfluxMirror{w: w, measurement: measurement}
}

// Mirror writes row as a point tagged with the device and mode. A row with
// no finite value is skipped.
func (m *InfluxMirror) Mirror(ctx context.Context, deviceID string, at time.Time, mode Mode, row Row) error {
	if err := row.validate(); err != nil {
		return err
	}
	fields := make(map[string]interface{}, len(row.Columns))
	for i, c := range row.Columns {
		if v := row.Values[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			fields["cell_"+c] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	p := write.NewPoint(m.measurement, map[string]string{
		"device": deviceID,
		"mode":   mode.String(),
	}, fields, at)
	if err := m.w.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write for %s: %w", deviceID, err)
	}
	return nil
}
