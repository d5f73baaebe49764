package snapshot

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
	"github.com/banshee-data/tunnel.report/internal/tunnel/timeseries"
)

var pointHeader = []string{"X", "Y", "Z", "R", "G", "B"}

// EncodePoints renders points as X,Y,Z,R,G,B CSV. Uncoloured points leave
// the colour fields empty.
func EncodePoints(points []scan.Point) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(pointHeader); err != nil {
		return nil, err
	}
	rec := make([]string, len(pointHeader))
	for _, p := range points {
		rec[0] = timeseries.FormatValue(p.X)
		rec[1] = timeseries.FormatValue(p.Y)
		rec[2] = timeseries.FormatValue(p.Z)
		if p.RGB != nil {
			rec[3] = strconv.Itoa(int(p.RGB.R))
			rec[4] = strconv.Itoa(int(p.RGB.G))
			rec[5] = strconv.Itoa(int(p.RGB.B))
		} else {
			rec[3], rec[4], rec[5] = "", "", ""
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// DecodePoints parses a point file written by EncodePoints.
func DecodePoints(data []byte) ([]scan.Point, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(pointHeader)

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("point file has no header")
	}
	if err != nil {
		return nil, fmt.Errorf("read point header: %w", err)
	}
	for i, h := range pointHeader {
		if header[i] != h {
			return nil, fmt.Errorf("unexpected point header %v", header)
		}
	}

	var points []scan.Point
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			return points, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read point: %w", err)
		}
		var p scan.Point
		for i, dst := range []*float64{&p.X, &p.Y, &p.Z} {
			if *dst, err = timeseries.ParseValue(rec[i]); err != nil {
				return nil, fmt.Errorf("line %d %s: %w", line, pointHeader[i], err)
			}
		}
		if rec[3] != "" || rec[4] != "" || rec[5] != "" {
			var c [3]uint8
			for i := range c {
				v, err := strconv.ParseUint(rec[3+i], 10, 8)
				if err != nil {
					return nil, fmt.Errorf("line %d %s: %w", line, pointHeader[3+i], err)
				}
				c[i] = uint8(v)
			}
			p.RGB = &scan.RGB{R: c[0], G: c[1], B: c[2]}
		}
		points = append(points, p)
	}
}

// recolor returns a copy of points painted c.
func recolor(points []scan.Point, c scan.RGB) []scan.Point {
	out := make([]scan.Point, len(points))
	for i, p := range points {
		out[i] = p.WithColor(c)
	}
	return out
}
