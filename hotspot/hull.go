package hotspot

import (
	"cmp"
	"slices"

	"github.com/paulmach/orb"
)

// ConvexHull returns the closed counter-clockwise hull of pts (first vertex
// repeated at the end). It returns nil when fewer than three distinct points
// exist or when every point is collinear.
func ConvexHull(pts []orb.Point) orb.Ring {
	sorted := append([]orb.Point(nil), pts...)
	slices.SortFunc(sorted, func(a, b orb.Point) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})
	sorted = slices.Compact(sorted)
	if len(sorted) < 3 {
		return nil
	}

	hull := make([]orb.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// The chain ends on its starting point, so len-1 is the vertex count.
	if len(hull)-1 < 3 {
		return nil
	}
	return orb.Ring(hull)
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}
