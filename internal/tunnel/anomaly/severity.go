// Package anomaly compares a scan's per-cell heights against the baseline and
// grades each deviation.
package anomaly

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// Severity is an ordered anomaly level. The zero value is None.
type Severity uint8

const (
	None Severity = iota
	Level1
	Level2
	Level3
)

var severityNames = [...]string{"none", "level1", "level2", "level3"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if int(s) >= len(severityNames) {
		return nil, fmt.Errorf("unknown severity %d", uint8(s))
	}
	return []byte(severityNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return None, fmt.Errorf("unknown severity %q", name)
}

// MaxSeverity reduces severities with None < Level1 < Level2 < Level3.
func MaxSeverity(levels ...Severity) Severity {
	out := None
	for _, s := range levels {
		if s > out {
			out = s
		}
	}
	return out
}

// Fixed point colours for stored snapshots.
var (
	BaselineColor = scan.RGB{R: 118, G: 238, B: 198}
	Level1Color   = scan.RGB{R: 238, G: 180, B: 34}
	Level2Color   = scan.RGB{R: 238, G: 64, B: 0}
	Level3Color   = scan.RGB{R: 178, G: 34, B: 34}
)

// Color returns the snapshot colour of a severity. None maps to the baseline
// colour.
func (s Severity) Color() scan.RGB {
	switch s {
	case Level1:
		return Level1Color
	case Level2:
		return Level2Color
	case Level3:
		return Level3Color
	default:
		return BaselineColor
	}
}

// ErrInvalidThresholds is returned for thresholds that are not positive and
// strictly ascending.
var ErrInvalidThresholds = errors.New("anomaly: thresholds must satisfy 0 < level1 < level2 < level3")

// Thresholds are the per-structure deviation limits, metres.
type Thresholds struct {
	Level1, Level2, Level3 float64
}

// ThresholdsFromSpec converts and validates the wire form.
func ThresholdsFromSpec(s scan.ThresholdSpec) (Thresholds, error) {
	t := Thresholds{Level1: s.Level1, Level2: s.Level2, Level3: s.Level3}
	return t, t.Validate()
}

// Validate checks ordering.
func (t Thresholds) Validate() error {
	if !(t.Level1 > 0 && t.Level1 < t.Level2 && t.Level2 < t.Level3) || math.IsInf(t.Level3, 0) {
		return fmt.Errorf("%w: got %v/%v/%v", ErrInvalidThresholds, t.Level1, t.Level2, t.Level3)
	}
	return nil
}

// Grade returns the highest level whose threshold |deviation| strictly
// exceeds.
func (t Thresholds) Grade(deviation float64) Severity {
	d := math.Abs(deviation)
	switch {
	case d > t.Level3:
		return Level3
	case d > t.Level2:
		return Level2
	case d > t.Level1:
		return Level1
	default:
		return None
	}
}
