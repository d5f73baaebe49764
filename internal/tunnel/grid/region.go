package grid

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// RegionCloud is a scan split into cells. Every cell of the grid is present;
// a cell nothing landed in reports HasData() == false. A RegionCloud is not
// modified after Partition returns it.
type RegionCloud struct {
	grid  Grid
	cells [][]scan.Point
	total int
}

// PartitionStats counts what Partition did with its input.
type PartitionStats struct {
	Kept    int
	Dropped int // outside the bounds or non-finite
}

// Partition assigns every in-bounds point to exactly one cell. Points outside
// the inclusive bounds, or with a NaN or infinite coordinate, are dropped and
// counted rather than clipped.
func Partition(points []scan.Point, g Grid) (RegionCloud, PartitionStats) {
	cells := make([][]scan.Point, g.NumCells())
	var stats PartitionStats
	for _, p := range points {
		if !p.Finite() {
			stats.Dropped++
			continue
		}
		id, ok := g.CellOf(p.X, p.Y)
		if !ok {
			stats.Dropped++
			continue
		}
		cells[id] = append(cells[id], p)
		stats.Kept++
	}
	return RegionCloud{grid: g, cells: cells, total: stats.Kept}, stats
}

// NewRegionCloud builds a cloud from explicit per-cell points, as read back
// from storage. Ids outside g are ignored.
func NewRegionCloud(g Grid, byCell map[CellID][]scan.Point) RegionCloud {
	cells := make([][]scan.Point, g.NumCells())
	total := 0
	for id, pts := range byCell {
		if !g.Contains(id) || len(pts) == 0 {
			continue
		}
		cells[id] = append([]scan.Point(nil), pts...)
		total += len(pts)
	}
	return RegionCloud{grid: g, cells: cells, total: total}
}

func (c RegionCloud) Grid() Grid { return c.grid }

// Len is the number of points across all cells.
func (c RegionCloud) Len() int { return c.total }

// NumCells is the number of cells, empty ones included.
func (c RegionCloud) NumCells() int { return len(c.cells) }

// HasData reports whether any point fell into id.
func (c RegionCloud) HasData(id CellID) bool {
	return c.grid.Contains(id) && len(c.cells[id]) > 0
}

// Points returns the points of one cell. Callers must not modify the slice.
func (c RegionCloud) Points(id CellID) []scan.Point {
	if !c.grid.Contains(id) {
		return nil
	}
	return c.cells[id]
}

// Occupied lists the cells holding at least one point, ascending.
func (c RegionCloud) Occupied() []CellID {
	var ids []CellID
	for i, pts := range c.cells {
		if len(pts) > 0 {
			ids = append(ids, CellID(i))
		}
	}
	return ids
}

// Centroid returns the mean XY of a cell's points, or the cell centre when
// the cell is empty.
func (c RegionCloud) Centroid(id CellID) (x, y float64) {
	pts := c.Points(id)
	if len(pts) == 0 {
		return c.grid.Center(id)
	}
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}
	return stat.Mean(xs, nil), stat.Mean(ys, nil)
}

// Aggregate reduces every cell to the mean Z of its points, NaN when empty.
func (c RegionCloud) Aggregate() Aggregate {
	values := make([]float64, len(c.cells))
	zs := make([]float64, 0, 64)
	for i, pts := range c.cells {
		if len(pts) == 0 {
			values[i] = math.NaN()
			continue
		}
		zs = zs[:0]
		for _, p := range pts {
			zs = append(zs, p.Z)
		}
		values[i] = stat.Mean(zs, nil)
	}
	return Aggregate{values: values}
}

// Aggregate is the mean height per cell, indexed by cell id. NaN marks a cell
// without data.
type Aggregate struct {
	values []float64
}

// NewAggregate copies values into an Aggregate.
func NewAggregate(values []float64) Aggregate {
	return Aggregate{values: append([]float64(nil), values...)}
}

func (a Aggregate) Len() int { return len(a.values) }

// At returns the mean height of id, NaN when the cell is empty or unknown.
func (a Aggregate) At(id CellID) float64 {
	if id < 0 || int(id) >= len(a.values) {
		return math.NaN()
	}
	return a.values[id]
}

// HasData reports whether id carries a value.
func (a Aggregate) HasData(id CellID) bool { return !math.IsNaN(a.At(id)) }

// Values returns a copy of the per-cell means.
func (a Aggregate) Values() []float64 {
	return append([]float64(nil), a.values...)
}

// Select returns the values of the named columns, NaN for ids that are not
// cells of the aggregate.
func (a Aggregate) Select(columns []string) []float64 {
	out := make([]float64, len(columns))
	for i, col := range columns {
		id, err := ParseCellID(col)
		if err != nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = a.At(id)
	}
	return out
}
