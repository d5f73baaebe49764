// Package grid partitions a scan into fixed XY cells and reduces each cell to
// its mean height.
//
// Cell ids are assigned row-major from the grid's minimum corner:
//
//	id = floor((x-MinX)/CellSize) + floor((y-MinY)/CellSize)*NumCellsX
//
// so the id set [0, NumCells) depends on geometry alone and is stable across
// scans of the same structure.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// CellID identifies one grid cell.
type CellID int

// String renders the id the way it appears in file names and CSV headers.
func (c CellID) String() string { return strconv.Itoa(int(c)) }

// ParseCellID parses a header or file-name cell id. Only the form String
// produces is accepted, so "01" and "+1" are rejected.
func ParseCellID(s string) (CellID, error) {
	if !scan.IsCellColumn(s) {
		return 0, fmt.Errorf("invalid cell id %q", s)
	}
	n, _ := strconv.Atoi(s)
	return CellID(n), nil
}

// ErrInvalidGrid is returned by New for degenerate geometry.
var ErrInvalidGrid = errors.New("invalid grid")

// Grid is the XY partition of one structure. Bounds are inclusive.
type Grid struct {
	MinX, MaxX float64
	MinY, MaxY float64
	CellSize   float64

	nx, ny int
}

// New validates the geometry and precomputes cell counts.
func New(minX, maxX, minY, maxY, cellSize float64) (Grid, error) {
	for _, v := range []float64{minX, maxX, minY, maxY, cellSize} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Grid{}, fmt.Errorf("%w: non-finite bound", ErrInvalidGrid)
		}
	}
	if cellSize <= 0 {
		return Grid{}, fmt.Errorf("%w: cell size %v", ErrInvalidGrid, cellSize)
	}
	if maxX <= minX || maxY <= minY {
		return Grid{}, fmt.Errorf("%w: empty extent x[%v,%v] y[%v,%v]", ErrInvalidGrid, minX, maxX, minY, maxY)
	}
	return Grid{
		MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY, CellSize: cellSize,
		nx: cellCount(maxX-minX, cellSize),
		ny: cellCount(maxY-minY, cellSize),
	}, nil
}

// cellCount is ceil(extent/size), ignoring rounding noise such as 1.1/0.1.
func cellCount(extent, size float64) int {
	return max(1, int(math.Ceil(extent/size-1e-9)))
}

// FromSpec builds a Grid from its wire form.
func FromSpec(s scan.GridSpec) (Grid, error) {
	return New(s.MinX, s.MaxX, s.MinY, s.MaxY, s.CellSize)
}

func (g Grid) NumCellsX() int { return g.nx }
func (g Grid) NumCellsY() int { return g.ny }
func (g Grid) NumCells() int  { return g.nx * g.ny }

// Contains reports whether id is a cell of g.
func (g Grid) Contains(id CellID) bool {
	return id >= 0 && int(id) < g.NumCells()
}

// CellOf returns the cell holding (x, y). Points on MaxX or MaxY belong to
// the last column or row. ok is false outside the bounds or for NaN input.
func (g Grid) CellOf(x, y float64) (id CellID, ok bool) {
	if !(x >= g.MinX && x <= g.MaxX && y >= g.MinY && y <= g.MaxY) {
		return 0, false
	}
	ix := min(int(math.Floor((x-g.MinX)/g.CellSize)), g.nx-1)
	iy := min(int(math.Floor((y-g.MinY)/g.CellSize)), g.ny-1)
	return CellID(ix + iy*g.nx), true
}

// Center returns the XY centre of a cell.
func (g Grid) Center(id CellID) (x, y float64) {
	ix, iy := int(id)%g.nx, int(id)/g.nx
	return g.MinX + (float64(ix)+0.5)*g.CellSize, g.MinY + (float64(iy)+0.5)*g.CellSize
}

// Columns returns every cell id as a header string, in id order.
func (g Grid) Columns() []string {
	cols := make([]string, g.NumCells())
	for i := range cols {
		cols[i] = strconv.Itoa(i)
	}
	return cols
}
