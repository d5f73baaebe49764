// Package scan defines the scan intake model: points, frames and the JSON
// message a scanner collaborator hands to the pipeline.
package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// RGB is an 8-bit colour attached to a stored point.
type RGB struct {
	R, G, B uint8
}

// Point is one laser return in the structure's coordinate frame, metres.
type Point struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	RGB *RGB    `json:"rgb,omitempty"`
}

// Finite reports whether every coordinate is a real number.
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}

// WithColor returns a copy of p carrying c.
func (p Point) WithColor(c RGB) Point {
	p.RGB = &c
	return p
}

// Frame is one full scan of a structure.
type Frame struct {
	DeviceID    string
	CaptureTime time.Time
	Points      []Point
}

// Heights returns the Z value of every point in frame order.
func (f Frame) Heights() []float64 {
	zs := make([]float64, len(f.Points))
	for i, p := range f.Points {
		zs[i] = p.Z
	}
	return zs
}

// GridSpec is the wire form of a region grid.
type GridSpec struct {
	MinX     float64 `json:"min_x" yaml:"min_x"`
	MaxX     float64 `json:"max_x" yaml:"max_x" validate:"gtfield=MinX"`
	MinY     float64 `json:"min_y" yaml:"min_y"`
	MaxY     float64 `json:"max_y" yaml:"max_y" validate:"gtfield=MinY"`
	CellSize float64 `json:"cell_size" yaml:"cell_size" validate:"gt=0"`
}

// ThresholdSpec is the wire form of the per-structure severity thresholds.
type ThresholdSpec struct {
	Level1 float64 `json:"level1" yaml:"level1" validate:"gt=0"`
	Level2 float64 `json:"level2" yaml:"level2" validate:"gtfield=Level1"`
	Level3 float64 `json:"level3" yaml:"level3" validate:"gtfield=Level2"`
}

// Structure describes the monitored tunnel section a device scans.
type Structure struct {
	DeviceID   string        `json:"device_id" yaml:"device_id" validate:"required,max=128"`
	HeightM    float64       `json:"height_m" yaml:"height_m" validate:"gt=0"`
	Grid       GridSpec      `json:"grid" yaml:"grid"`
	Thresholds ThresholdSpec `json:"thresholds" yaml:"thresholds"`
}

// Message is one scan as delivered by the intake collaborator.
type Message struct {
	IsInit      bool      `json:"is_init"`
	CaptureTime time.Time `json:"capture_time" validate:"required"`
	Structure   Structure `json:"structure"`
	Points      []Point   `json:"points" validate:"required,min=1"`
	// InterestingColumns names the cell ids tracked by STEADY rows. Empty
	// means the structure registry decides.
	InterestingColumns []string `json:"interesting_columns,omitempty" validate:"dive,cellid"`
}

// ErrNonFinitePoint is returned when a message carries a NaN or infinite
// coordinate. JSON cannot encode either, so this only fires for messages
// built in code.
var ErrNonFinitePoint = errors.New("scan: non-finite point")

var validate = newValidator()

// newValidator returns a validator that also knows the cellid tag.
func newValidator() *validator.Validate {
	v := validator.New()
	if err := RegisterValidations(v); err != nil {
		panic(err)
	}
	return v
}

// RegisterValidations adds the cellid tag to v. A cellid is a cell index
// written the way CSV headers and file names write it.
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("cellid", func(fl validator.FieldLevel) bool {
		return IsCellColumn(fl.Field().String())
	})
}

// IsCellColumn reports whether s is a non-negative decimal with no sign,
// leading zero or fraction.
func IsCellColumn(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && strconv.Itoa(n) == s
}

// Validate checks the message shape and the structure's grid and thresholds.
func (m *Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid scan message: %w", err)
	}
	for i, p := range m.Points {
		if !p.Finite() {
			return fmt.Errorf("%w at index %d", ErrNonFinitePoint, i)
		}
	}
	return nil
}

// Frame returns the message's points as a frame.
func (m *Message) Frame() Frame {
	return Frame{DeviceID: m.Structure.DeviceID, CaptureTime: m.CaptureTime, Points: m.Points}
}

// Parse reads one JSON message from r without validating it, for callers
// that fill structure fields from elsewhere first.
func Parse(r io.Reader) (*Message, error) {
	var m Message
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode scan message: %w", err)
	}
	return &m, nil
}

// Decode reads one JSON message from r and validates it.
func Decode(r io.Reader) (*Message, error) {
	m, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ValidateStructure checks a structure on its own, as loaded from the registry.
func ValidateStructure(s Structure) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid structure %q: %w", s.DeviceID, err)
	}
	return nil
}
