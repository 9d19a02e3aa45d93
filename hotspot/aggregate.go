package hotspot

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/gonum/stat"
)

// Aggregator derives per-cluster statistics from member incidents
type Aggregator struct {
	Severity SeverityConfig

	// Location is the timezone hours of day are read in. Nil uses each
	// timestamp's own location.
	Location *time.Location
}

// Aggregate builds the Cluster for one set of members
func (a Aggregator) Aggregate(id int, members []Incident) Cluster {
	n := len(members)
	c := Cluster{
		ID:        id,
		Members:   members,
		CallCount: n,
	}
	if n == 0 {
		c.SeverityLabel = SeverityLabel(0)
		return c
	}

	lats := make([]float64, n)
	lons := make([]float64, n)
	coords := make([]orb.Point, n)
	var hours [24]int
	categories := make(map[string]int)
	for i, m := range members {
		lats[i] = m.Lat
		lons[i] = m.Lon
		coords[i] = m.Coord()
		categories[m.Category]++

		h := HourOf(m.Timestamp, a.Location)
		hours[h]++
		if IsDaytime(h) {
			c.DayCalls++
		} else {
			c.NightCalls++
		}
	}

	c.Centroid = LatLon{Lat: stat.Mean(lats, nil), Lon: stat.Mean(lons, nil)}

	primary, count := dominantCategory(categories)
	c.PrimaryCategory = primary
	c.PrimaryCategoryPct = int(math.Round(100 * float64(count) / float64(n)))

	for h := 1; h < len(hours); h++ {
		if hours[h] > hours[c.PeakHour] {
			c.PeakHour = h
		}
	}

	c.SeverityScore = a.Severity.Score(members, c.PeakHour)
	c.SeverityLabel = SeverityLabel(c.SeverityScore)

	c.Bounds = orb.MultiPoint(coords).Bound()
	if ring := ConvexHull(coords); ring != nil {
		c.Polygon = ring
		c.AreaKm2 = math.Abs(geo.Area(orb.Polygon{ring})) / 1e6
	}
	return c
}

// dominantCategory picks the most frequent category, breaking ties by
// lexical order
func dominantCategory(counts map[string]int) (string, int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestCount := "", 0
	for _, name := range names {
		if counts[name] > bestCount {
			best, bestCount = name, counts[name]
		}
	}
	return best, bestCount
}
