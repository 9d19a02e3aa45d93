package hotspot

import (
	"fmt"
	"math"
	"slices"

	"github.com/paulmach/orb"
)

// NeighborIndex answers eps-neighborhood queries over a fixed point set.
// Neighbors returns every index j != i with Haversine(i, j) <= eps, in
// ascending order.
type NeighborIndex interface {
	Neighbors(i int) []int
}

// IndexKind selects the neighborhood index implementation
type IndexKind string

const (
	IndexLinear IndexKind = "linear"
	IndexGrid   IndexKind = "grid"
)

// NewNeighborIndex builds the index of the given kind over coords
func NewNeighborIndex(kind IndexKind, coords []orb.Point, epsKm float64) (NeighborIndex, error) {
	switch kind {
	case IndexLinear:
		return NewLinearIndex(coords, epsKm), nil
	case IndexGrid, "":
		return NewGridIndex(coords, epsKm), nil
	default:
		return nil, fmt.Errorf("unknown index kind %q", kind)
	}
}

// LinearIndex scans every point on each query
type LinearIndex struct {
	coords []orb.Point
	eps    float64
}

func NewLinearIndex(coords []orb.Point, epsKm float64) *LinearIndex {
	return &LinearIndex{coords: coords, eps: epsKm}
}

func (l *LinearIndex) Neighbors(i int) []int {
	p := l.coords[i]
	var out []int
	for j, q := range l.coords {
		if j != i && Haversine(p, q) <= l.eps {
			out = append(out, j)
		}
	}
	return out
}

// kmPerDegree is the great-circle length of one degree of latitude
const kmPerDegree = EarthRadiusKm * degToRad

type gridCell struct {
	row, col int
}

// GridIndex buckets points into lat/lon cells at least eps wide so a query
// only inspects the 3x3 block around the point's own cell. Columns wrap at
// the antimeridian and widen with the highest latitude in the set.
type GridIndex struct {
	coords []orb.Point
	eps    float64

	latStep float64
	lonStep float64
	cols    int
	cells   map[gridCell][]int
}

func NewGridIndex(coords []orb.Point, epsKm float64) *GridIndex {
	g := &GridIndex{
		coords: coords,
		eps:    epsKm,
		cells:  make(map[gridCell][]int),
	}

	// Any pair within eps differs by at most eps/R radians in latitude.
	// The small margin keeps rounding at cell edges from skipping a row.
	g.latStep = epsKm / kmPerDegree * (1 + 1e-9)

	maxAbsLat := 0.0
	for _, c := range coords {
		maxAbsLat = math.Max(maxAbsLat, math.Abs(c[1]))
	}
	// Longitude bound: |dLon| <= (pi/2) * (eps/R) / cos(maxLat).
	cosLat := math.Cos(maxAbsLat * degToRad)
	minLonStep := 360.0
	if cosLat > 1e-9 {
		minLonStep = math.Min(360, (math.Pi/2)*g.latStep/cosLat)
	}
	g.cols = max(1, int(math.Floor(360/minLonStep)))
	g.lonStep = 360 / float64(g.cols)

	for i, c := range coords {
		key := g.cellOf(c)
		g.cells[key] = append(g.cells[key], i)
	}
	return g
}

func (g *GridIndex) cellOf(p orb.Point) gridCell {
	row := int(math.Floor((p[1] + 90) / g.latStep))
	col := int(math.Floor((p[0] + 180) / g.lonStep))
	if col >= g.cols {
		col = g.cols - 1
	}
	return gridCell{row: row, col: col}
}

func (g *GridIndex) Neighbors(i int) []int {
	p := g.coords[i]
	home := g.cellOf(p)

	cols := []int{home.col}
	if g.cols >= 3 {
		cols = []int{(home.col - 1 + g.cols) % g.cols, home.col, (home.col + 1) % g.cols}
	} else if g.cols == 2 {
		cols = []int{0, 1}
	}

	var out []int
	for dr := -1; dr <= 1; dr++ {
		for _, col := range cols {
			for _, j := range g.cells[gridCell{row: home.row + dr, col: col}] {
				if j != i && Haversine(p, g.coords[j]) <= g.eps {
					out = append(out, j)
				}
			}
		}
	}
	slices.Sort(out)
	return out
}
