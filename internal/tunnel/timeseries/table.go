package timeseries

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrRowColumnMismatch is returned when a row's column and value counts
// differ, or a column name repeats.
var ErrRowColumnMismatch = errors.New("timeseries: row column mismatch")

// Row is one scan's per-cell heights keyed by column name. NaN marks a
// missing value.
type Row struct {
	Columns []string
	Values  []float64
}

func (r Row) validate() error {
	if len(r.Columns) != len(r.Values) {
		return fmt.Errorf("%w: %d columns, %d values", ErrRowColumnMismatch, len(r.Columns), len(r.Values))
	}
	seen := make(map[string]struct{}, len(r.Columns))
	for _, c := range r.Columns {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrRowColumnMismatch, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Reindex projects r onto header by column name. Header columns the row does
// not carry become NaN; row columns outside the header are discarded.
func (r Row) Reindex(header []string) []float64 {
	byName := make(map[string]float64, len(r.Columns))
	for i, c := range r.Columns {
		byName[c] = r.Values[i]
	}
	out := make([]float64, len(header))
	for i, c := range header {
		v, ok := byName[c]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// Table is the decoded content of one series file.
type Table struct {
	Header []string
	Rows   [][]float64
}

// Row returns row i keyed by the table header.
func (t *Table) Row(i int) Row {
	return Row{Columns: append([]string(nil), t.Header...), Values: append([]float64(nil), t.Rows[i]...)}
}

// Column returns the values of one column, or nil if the header lacks it.
func (t *Table) Column(name string) []float64 {
	idx := -1
	for i, c := range t.Header {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out
}

// FormatValue renders v for a series or point file. NaN becomes an empty
// field; everything else uses the shortest representation that parses back
// to the same float64.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseValue is the inverse of FormatValue. It also accepts "NaN" and "nan".
func ParseValue(s string) (float64, error) {
	switch strings.TrimSpace(s) {
	case "", "NaN", "nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func encodeRecord(w *csv.Writer, values []float64) error {
	rec := make([]string, len(values))
	for i, v := range values {
		rec[i] = FormatValue(v)
	}
	// A lone empty field encodes as a blank line, which csv.Reader skips.
	if len(rec) == 1 && rec[0] == "" {
		rec[0] = "NaN"
	}
	return w.Write(rec)
}

// Encode renders t as CSV.
func (t *Table) Encode() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return nil, err
	}
	for _, r := range t.Rows {
		if err := encodeRecord(w, r); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// encodeRows renders the data rows alone, for appending to an existing file.
func (t *Table) encodeRows() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range t.Rows {
		if err := encodeRecord(w, r); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// DecodeTable parses a series file.
func DecodeTable(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("timeseries: empty file, no header")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &Table{Header: append([]string(nil), header...)}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make([]float64, len(rec))
		for i, s := range rec {
			v, err := ParseValue(s)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, t.Header[i], err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
