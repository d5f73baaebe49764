// Package calibrate aligns a device's vertical origin with the known ceiling
// height of the structure it scans.
package calibrate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// DefaultTopFraction is the share of highest returns averaged to locate the
// ceiling.
const DefaultTopFraction = 0.0005

var (
	// ErrNoHeights is returned when no finite height remains after filtering.
	ErrNoHeights = errors.New("calibrate: no finite heights")
	// ErrInvalidFraction is returned for a top fraction outside (0, 1].
	ErrInvalidFraction = errors.New("calibrate: top fraction outside (0, 1]")
)

// Calibration is the offset computed from an INIT scan and stored with the
// baseline.
type Calibration struct {
	Offset      float64   `json:"offset"`
	HeightM     float64   `json:"height_m"`
	Reference   float64   `json:"reference"` // mean of the top sample
	TopFraction float64   `json:"top_fraction"`
	SampleSize  int       `json:"sample_size"`
	CaptureTime time.Time `json:"capture_time"`
}

// ComputeGap returns height minus the mean of the highest topFraction of zs.
// NaN and infinite values are discarded first; at least one sample is always
// averaged.
func ComputeGap(height float64, zs []float64, topFraction float64) (float64, error) {
	c, err := compute(height, zs, topFraction)
	if err != nil {
		return 0, err
	}
	return c.Offset, nil
}

// Calibrate computes the calibration of one INIT frame.
func Calibrate(height float64, frame scan.Frame, topFraction float64) (Calibration, error) {
	c, err := compute(height, frame.Heights(), topFraction)
	if err != nil {
		return Calibration{}, err
	}
	c.CaptureTime = frame.CaptureTime
	return c, nil
}

func compute(height float64, zs []float64, topFraction float64) (Calibration, error) {
	if !(topFraction > 0 && topFraction <= 1) {
		return Calibration{}, fmt.Errorf("%w: %v", ErrInvalidFraction, topFraction)
	}
	finite := make([]float64, 0, len(zs))
	for _, z := range zs {
		if !math.IsNaN(z) && !math.IsInf(z, 0) {
			finite = append(finite, z)
		}
	}
	if len(finite) == 0 {
		return Calibration{}, ErrNoHeights
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(finite)))

	n := max(1, int(topFraction*float64(len(finite))))
	ref := stat.Mean(finite[:n], nil)
	return Calibration{
		Offset:      height - ref,
		HeightM:     height,
		Reference:   ref,
		TopFraction: topFraction,
		SampleSize:  n,
	}, nil
}

// Apply returns a copy of points shifted vertically by offset.
func Apply(points []scan.Point, offset float64) []scan.Point {
	out := make([]scan.Point, len(points))
	for i, p := range points {
		p.Z += offset
		out[i] = p
	}
	return out
}
