package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tunnel.report/internal/security"
	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// ErrRegistryNotFound is returned when the structure registry file does not
// exist.
var ErrRegistryNotFound = errors.New("structure registry not found")

var validate = func() *validator.Validate {
	v := validator.New()
	if err := scan.RegisterValidations(v); err != nil {
		panic(err)
	}
	return v
}()

// StructureConfig is one device's registry entry. Every field is optional; a
// set field fills the same field of a scan message that left it zero.
type StructureConfig struct {
	HeightM            float64             `yaml:"height_m" validate:"gte=0"`
	Grid               *scan.GridSpec      `yaml:"grid,omitempty"`
	Thresholds         *scan.ThresholdSpec `yaml:"thresholds,omitempty"`
	InterestingColumns []string            `yaml:"interesting_columns" validate:"dive,cellid"`
}

// Registry maps device ids to their structure entries.
type Registry struct {
	Structures map[string]StructureConfig `yaml:"structures"`
}

// EmptyRegistry returns a registry with no entries.
func EmptyRegistry() *Registry {
	return &Registry{Structures: make(map[string]StructureConfig)}
}

// LoadRegistry reads a YAML structure registry. A missing file yields
// ErrRegistryNotFound.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRegistryNotFound
		}
		return nil, err
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates a YAML structure registry.
func ParseRegistry(data []byte) (*Registry, error) {
	r := EmptyRegistry()
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse structure registry: %w", err)
	}
	if r.Structures == nil {
		r.Structures = make(map[string]StructureConfig)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks every entry.
func (r *Registry) Validate() error {
	for _, id := range r.Devices() {
		s := r.Structures[id]
		if err := security.ValidateDeviceID(id); err != nil {
			return err
		}
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("structure %q: %w", id, err)
		}
		if s.Grid != nil {
			if err := validate.Struct(s.Grid); err != nil {
				return fmt.Errorf("structure %q grid: %w", id, err)
			}
		}
		if s.Thresholds != nil {
			if err := validate.Struct(s.Thresholds); err != nil {
				return fmt.Errorf("structure %q thresholds: %w", id, err)
			}
		}
	}
	return nil
}

// Devices returns the registered device ids in sorted order.
func (r *Registry) Devices() []string {
	ids := make([]string, 0, len(r.Structures))
	for id := range r.Structures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the entry for deviceID.
func (r *Registry) Lookup(deviceID string) (StructureConfig, bool) {
	if r == nil {
		return StructureConfig{}, false
	}
	s, ok := r.Structures[deviceID]
	return s, ok
}

// Apply fills the zero-valued structure fields and the interesting columns
// of msg from the registry. Values carried by the message win.
func (r *Registry) Apply(msg *scan.Message) {
	s, ok := r.Lookup(msg.Structure.DeviceID)
	if !ok {
		return
	}
	if msg.Structure.HeightM == 0 {
		msg.Structure.HeightM = s.HeightM
	}
	if s.Grid != nil && msg.Structure.Grid == (scan.GridSpec{}) {
		msg.Structure.Grid = *s.Grid
	}
	if s.Thresholds != nil && msg.Structure.Thresholds == (scan.ThresholdSpec{}) {
		msg.Structure.Thresholds = *s.Thresholds
	}
	if len(msg.InterestingColumns) == 0 && len(s.InterestingColumns) > 0 {
		msg.InterestingColumns = append([]string(nil), s.InterestingColumns...)
	}
}
