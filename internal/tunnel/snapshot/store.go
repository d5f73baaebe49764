// Package snapshot stores a structure's full baseline scan once and, after
// that, only the cells a scan flagged as anomalous. Any historical scene is
// rebuilt by overlaying those deltas on the baseline.
//
// Layout under the data root, per device:
//
//	{device}/data/init/init.csv                 full baseline scan
//	{device}/data/init/regions/{cell}.csv       baseline points per cell
//	{device}/data/init/baseline.csv             baseline mean height per cell
//	{device}/data/init/meta.json                grid, capture time, calibration
//	{device}/data/history/{Y}/{M}/{D}/{h}/{m}/{s}/{cell}.csv
//	{device}/data/log/{Y}/{M}/{D}/{h}/{m}/{s}/deviation.json
//
// Time components are unpadded and taken in the store's location.
package snapshot

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/tunnel.report/internal/fsutil"
	"github.com/banshee-data/tunnel.report/internal/monitoring"
	"github.com/banshee-data/tunnel.report/internal/security"
)

// Dataset names used in MissingDatasetError.
const (
	DatasetBaseline   = "baseline"
	DatasetRoot       = "root"
	DatasetComparison = "comparison"
)

// ErrMissingDataset matches every MissingDatasetError.
var ErrMissingDataset = errors.New("snapshot: dataset missing")

// MissingDatasetError names the dataset a read needed but did not find.
type MissingDatasetError struct {
	DeviceID string
	Dataset  string
	Path     string
}

func (e *MissingDatasetError) Error() string {
	return fmt.Sprintf("snapshot: %s dataset missing for %s (%s)", e.Dataset, e.DeviceID, e.Path)
}

func (e *MissingDatasetError) Is(target error) bool { return target == ErrMissingDataset }

// IsMissingBaseline reports whether err is a MissingDatasetError for the
// baseline.
func IsMissingBaseline(err error) bool {
	var m *MissingDatasetError
	return errors.As(err, &m) && m.Dataset == DatasetBaseline
}

var logf = monitoring.Component("SnapshotStore")

// Store reads and writes snapshot trees below root. It assumes one writer
// per device.
type Store struct {
	fsys fsutil.FileSystem
	root string
	loc  *time.Location
}

// New returns a Store rooted at root. Time directories are named in loc, UTC
// when loc is nil.
func New(fsys fsutil.FileSystem, root string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{fsys: fsys, root: root, loc: loc}
}

// Location is the zone time directories are named in.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) dataDir(deviceID string) (string, error) {
	if err := security.ValidateDeviceID(deviceID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, deviceID, "data"), nil
}

func (s *Store) initDir(deviceID string) (string, error) {
	d, err := s.dataDir(deviceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "init"), nil
}

// BaselineDir is where the device's baseline lives.
func (s *Store) BaselineDir(deviceID string) (string, error) {
	return s.initDir(deviceID)
}

// SeriesDir is where the device's time-series files live.
func (s *Store) SeriesDir(deviceID string) (string, error) {
	d, err := s.dataDir(deviceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "timeseries"), nil
}

// timeParts splits t into the unpadded directory components.
func (s *Store) timeParts(t time.Time) []string {
	t = t.In(s.loc)
	return []string{
		strconv.Itoa(t.Year()),
		strconv.Itoa(int(t.Month())),
		strconv.Itoa(t.Day()),
		strconv.Itoa(t.Hour()),
		strconv.Itoa(t.Minute()),
		strconv.Itoa(t.Second()),
	}
}

func (s *Store) historyDir(deviceID string, t time.Time) (string, error) {
	d, err := s.dataDir(deviceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{d, "history"}, s.timeParts(t)...)...), nil
}

func (s *Store) logPath(deviceID string, t time.Time) (string, error) {
	d, err := s.dataDir(deviceID)
	if err != nil {
		return "", err
	}
	parts := append([]string{d, "log"}, s.timeParts(t)...)
	return filepath.Join(append(parts, "deviation.json")...), nil
}

func cellFile(dir string, id fmt.Stringer) string {
	return filepath.Join(dir, id.String()+".csv")
}
