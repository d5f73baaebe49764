// Package timeseries keeps per-cell mean heights as a sequence of bounded CSV
// files, {dir}/0.csv, {dir}/1.csv, ..., one row per scan.
//
// The highest-numbered file is current. Once it holds Capacity rows, or a row
// carries a column its header lacks, the next append opens a new file whose
// header is the columns of that first row.
// Every rewrite goes through a temporary file and a rename.
package timeseries

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/tunnel.report/internal/fsutil"
	"github.com/banshee-data/tunnel.report/internal/monitoring"
	"github.com/banshee-data/tunnel.report/internal/tunnel/grid"
)

// DefaultCapacity is the number of data rows per file.
const DefaultCapacity = 130

// Mode selects which columns a scan contributes.
type Mode int

const (
	// Init rows carry every cell of the grid.
	Init Mode = iota
	// Steady rows carry only the configured interesting cells.
	Steady
)

func (m Mode) String() string {
	if m == Init {
		return "init"
	}
	return "steady"
}

var (
	// ErrEmptySeries is returned when patching a store with no files.
	ErrEmptySeries = errors.New("timeseries: no series file")
	// ErrNoPreviousFile is returned when a patch spills past the current file
	// and there is no earlier file to carry it.
	ErrNoPreviousFile = errors.New("timeseries: patch spans a missing previous file")
	// ErrPatchOverflow is returned when a patch is longer than the two most
	// recent files together.
	ErrPatchOverflow = errors.New("timeseries: patch longer than the two most recent files")
	// ErrNoColumns is returned for a STEADY append without interesting columns.
	ErrNoColumns = errors.New("timeseries: no columns to write")
)

var logf = monitoring.Component("TimeSeriesStore")

// Store appends rows for one structure. It holds an explicit counter of the
// current file and its row count, recovered once by Open, and assumes it is
// the only writer of dir.
type Store struct {
	fsys     fsutil.FileSystem
	dir      string
	capacity int

	files   []int // file numbers, ascending
	header  []string
	rows    int
	pending []byte // encoded content of the current file
}

// Open scans dir for series files and positions the store after the last
// row of the highest-numbered one. A missing dir is created.
func Open(fsys fsutil.FileSystem, dir string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("timeseries: capacity must be positive, got %d", capacity)
	}
	s := &Store{fsys: fsys, dir: dir, capacity: capacity}

	entries, err := fsys.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create series dir: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list series dir: %w", err)
	}
	for _, e := range entries {
		if n, ok := fileNumber(e.Name()); ok && !e.IsDir() {
			s.files = append(s.files, n)
		}
	}
	sort.Ints(s.files)

	if len(s.files) > 0 {
		t, raw, err := s.load(s.files[len(s.files)-1])
		if err != nil {
			return nil, err
		}
		s.header, s.rows, s.pending = t.Header, len(t.Rows), raw
	}
	return s, nil
}

func fileNumber(name string) (int, bool) {
	stem, ok := strings.CutSuffix(name, ".csv")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(stem)
	if err != nil || n < 0 || strconv.Itoa(n) != stem {
		return 0, false
	}
	return n, true
}

func (s *Store) path(n int) string {
	return filepath.Join(s.dir, strconv.Itoa(n)+".csv")
}

func (s *Store) load(n int) (*Table, []byte, error) {
	raw, err := s.fsys.ReadFile(s.path(n))
	if err != nil {
		return nil, nil, fmt.Errorf("read series file %d: %w", n, err)
	}
	t, err := DecodeTable(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode series file %d: %w", n, err)
	}
	return t, raw, nil
}

// Dir is the directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// Capacity is the maximum number of data rows per file.
func (s *Store) Capacity() int { return s.capacity }

// Files returns the series file names in write order.
func (s *Store) Files() []string {
	out := make([]string, len(s.files))
	for i, n := range s.files {
		out[i] = strconv.Itoa(n) + ".csv"
	}
	return out
}

// Current returns the number and row count of the file the next append
// targets. ok is false before the first append.
func (s *Store) Current() (n, rows int, ok bool) {
	if len(s.files) == 0 {
		return 0, 0, false
	}
	return s.files[len(s.files)-1], s.rows, true
}

// NewRow builds the row a scan contributes. Init rows carry every cell of
// agg; Steady rows carry only the interesting columns.
func NewRow(agg grid.Aggregate, mode Mode, interesting []string) (Row, error) {
	if mode == Init {
		values := agg.Values()
		cols := make([]string, len(values))
		for i := range cols {
			cols[i] = strconv.Itoa(i)
		}
		return Row{Columns: cols, Values: values}, nil
	}
	if len(interesting) == 0 {
		return Row{}, ErrNoColumns
	}
	return Row{Columns: append([]string(nil), interesting...), Values: agg.Select(interesting)}, nil
}

// Append writes one scan's row as built by NewRow.
func (s *Store) Append(agg grid.Aggregate, mode Mode, interesting []string) error {
	row, err := NewRow(agg, mode, interesting)
	if err != nil {
		return err
	}
	return s.AppendRow(row)
}

// AppendRow writes row to the current file, or to a new one when the current
// file is full or its header lacks one of row's columns. Appending to an
// existing file reindexes row onto its header, so a row whose columns are a
// subset of the header gets NaN for the rest.
func (s *Store) AppendRow(row Row) error {
	if err := row.validate(); err != nil {
		return err
	}
	if len(row.Columns) == 0 {
		return ErrNoColumns
	}

	if len(s.files) == 0 || s.rows >= s.capacity {
		return s.rotate(row)
	}
	if missing := missingColumns(s.header, row.Columns); len(missing) > 0 {
		logf("%s: header of %d.csv lacks columns %v, starting a new file", s.dir, s.files[len(s.files)-1], missing)
		return s.rotate(row)
	}

	n := s.files[len(s.files)-1]
	t := &Table{Rows: [][]float64{row.Reindex(s.header)}}
	line, err := t.encodeRows()
	if err != nil {
		return err
	}
	data := append([]byte(nil), s.pending...)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	data = append(data, line...)
	if err := fsutil.WriteFileAtomic(s.fsys, s.path(n), data, 0o644); err != nil {
		return fmt.Errorf("append to series file %d: %w", n, err)
	}
	s.pending = data
	s.rows++
	return nil
}

// missingColumns returns the columns not present in header.
func missingColumns(header, columns []string) []string {
	have := make(map[string]struct{}, len(header))
	for _, c := range header {
		have[c] = struct{}{}
	}
	var out []string
	for _, c := range columns {
		if _, ok := have[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) rotate(row Row) error {
	next := 0
	if len(s.files) > 0 {
		next = s.files[len(s.files)-1] + 1
	}
	t := &Table{Header: append([]string(nil), row.Columns...), Rows: [][]float64{append([]float64(nil), row.Values...)}}
	data, err := t.Encode()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.fsys, s.path(next), data, 0o644); err != nil {
		return fmt.Errorf("create series file %d: %w", next, err)
	}
	if len(s.files) > 0 {
		logf("rotated %s after %d rows, opened %d.csv", s.dir, s.rows, next)
	}
	s.files = append(s.files, next)
	s.header, s.rows, s.pending = t.Header, 1, data
	return nil
}

// PatchTrailingRows overwrites the most recent len(rows) rows. When the
// current file holds fewer rows than the patch, it is rewritten with the last
// rows of the patch and the leading remainder overwrites the trailing rows of
// the previous file. Every row is reindexed onto the header of the file it
// lands in. Nothing is written unless the whole patch fits.
func (s *Store) PatchTrailingRows(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	for i, r := range rows {
		if err := r.validate(); err != nil {
			return fmt.Errorf("patch row %d: %w", i, err)
		}
	}
	if len(s.files) == 0 {
		return ErrEmptySeries
	}

	curN := s.files[len(s.files)-1]
	cur, _, err := s.load(curN)
	if err != nil {
		return err
	}
	L, F := len(rows), len(cur.Rows)

	if F >= L {
		for i, r := range rows {
			cur.Rows[F-L+i] = r.Reindex(cur.Header)
		}
		return s.writeCurrent(curN, cur)
	}

	if len(s.files) < 2 {
		return fmt.Errorf("%w: patch of %d rows, current file holds %d", ErrNoPreviousFile, L, F)
	}
	prevN := s.files[len(s.files)-2]
	prev, _, err := s.load(prevN)
	if err != nil {
		return err
	}
	spill := L - F
	if spill > len(prev.Rows) {
		return fmt.Errorf("%w: %d rows, files hold %d and %d", ErrPatchOverflow, L, len(prev.Rows), F)
	}

	for i, r := range rows[spill:] {
		cur.Rows[i] = r.Reindex(cur.Header)
	}
	P := len(prev.Rows)
	for i, r := range rows[:spill] {
		prev.Rows[P-spill+i] = r.Reindex(prev.Header)
	}

	prevData, err := prev.Encode()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.fsys, s.path(prevN), prevData, 0o644); err != nil {
		return fmt.Errorf("patch series file %d: %w", prevN, err)
	}
	logf("patch of %d rows carried %d into %d.csv", L, spill, prevN)
	return s.writeCurrent(curN, cur)
}

func (s *Store) writeCurrent(n int, t *Table) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.fsys, s.path(n), data, 0o644); err != nil {
		return fmt.Errorf("patch series file %d: %w", n, err)
	}
	s.pending = data
	return nil
}

// TotalRows counts data rows across every file.
func (s *Store) TotalRows() (int, error) {
	total := 0
	for i, n := range s.files {
		if i == len(s.files)-1 {
			total += s.rows
			continue
		}
		t, _, err := s.load(n)
		if err != nil {
			return 0, err
		}
		total += len(t.Rows)
	}
	return total, nil
}

// ReadFile decodes one series file by number.
func (s *Store) ReadFile(n int) (*Table, error) {
	t, _, err := s.load(n)
	return t, err
}
