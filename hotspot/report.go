package hotspot

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Report is the consumer-facing view of a Result
type Report struct {
	Clusters         []ReportCluster `json:"clusters"`
	Outliers         []ReportOutlier `json:"outliers"`
	TemporalAnalysis []TemporalShift `json:"temporal_analysis"`
	Summary          Summary         `json:"summary"`
}

// ReportCluster is one cluster. Polygon vertices are [lat, lon] and the
// ring is closed; it is null when the cluster has no hull.
type ReportCluster struct {
	ClusterID          int          `json:"cluster_id"`
	Centroid           LatLon       `json:"centroid"`
	CallCount          int          `json:"call_count"`
	PrimaryCategory    string       `json:"primary_category"`
	PrimaryCategoryPct int          `json:"primary_category_pct"`
	PeakHour           int          `json:"peak_hour"`
	SeverityScore      float64      `json:"severity_score"`
	SeverityLabel      string       `json:"severity_label"`
	AreaKm2            float64      `json:"area_km2"`
	Polygon            [][2]float64 `json:"polygon"`
}

type ReportOutlier struct {
	ID        string    `json:"id,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// TemporalShift compares night and day activity of a cluster
type TemporalShift struct {
	ClusterID       int     `json:"cluster_id"`
	DayCalls        int     `json:"day_calls"`
	NightCalls      int     `json:"night_calls"`
	ShiftPercentage float64 `json:"shift_percentage"`
}

type Summary struct {
	TotalClusters          int            `json:"total_clusters"`
	TotalOutliers          int            `json:"total_outliers"`
	TotalPoints            int            `json:"total_points"`
	FilteredClusters       int            `json:"filtered_clusters"`
	HighestSeverityCluster *ReportCluster `json:"highest_severity_cluster"`
}

// BuildReport converts res into a Report. Clusters scoring below
// minSeverity are left out of the report but counted in
// Summary.FilteredClusters. Clusters are ordered by severity, highest
// first, then by id.
func BuildReport(res *Result, minSeverity *float64) *Report {
	rep := &Report{
		Clusters:         []ReportCluster{},
		Outliers:         []ReportOutlier{},
		TemporalAnalysis: []TemporalShift{},
	}
	if res == nil {
		return rep
	}

	for _, c := range res.Clusters {
		if minSeverity != nil && c.SeverityScore < *minSeverity {
			rep.Summary.FilteredClusters++
			continue
		}
		rep.Clusters = append(rep.Clusters, reportCluster(c))
		rep.TemporalAnalysis = append(rep.TemporalAnalysis, TemporalShift{
			ClusterID:       c.ID,
			DayCalls:        c.DayCalls,
			NightCalls:      c.NightCalls,
			ShiftPercentage: shiftPercentage(c.DayCalls, c.NightCalls),
		})
	}
	slices.SortStableFunc(rep.Clusters, func(a, b ReportCluster) int {
		if c := cmp.Compare(b.SeverityScore, a.SeverityScore); c != 0 {
			return c
		}
		return cmp.Compare(a.ClusterID, b.ClusterID)
	})

	for _, o := range res.Outliers {
		rep.Outliers = append(rep.Outliers, ReportOutlier(o))
	}

	rep.Summary.TotalClusters = len(rep.Clusters)
	rep.Summary.TotalOutliers = len(rep.Outliers)
	rep.Summary.TotalPoints = res.Points
	if len(rep.Clusters) > 0 {
		top := rep.Clusters[0]
		rep.Summary.HighestSeverityCluster = &top
	}
	return rep
}

func reportCluster(c Cluster) ReportCluster {
	rc := ReportCluster{
		ClusterID:          c.ID,
		Centroid:           c.Centroid,
		CallCount:          c.CallCount,
		PrimaryCategory:    c.PrimaryCategory,
		PrimaryCategoryPct: c.PrimaryCategoryPct,
		PeakHour:           c.PeakHour,
		SeverityScore:      c.SeverityScore,
		SeverityLabel:      c.SeverityLabel,
		AreaKm2:            math.Round(c.AreaKm2*1000) / 1000,
	}
	if c.Polygon != nil {
		rc.Polygon = make([][2]float64, len(c.Polygon))
		for i, p := range c.Polygon {
			rc.Polygon[i] = [2]float64{p[1], p[0]}
		}
	}
	return rc
}

func shiftPercentage(day, night int) float64 {
	if day == 0 {
		return 0
	}
	return math.Round(float64(night-day)/float64(day)*1000) / 10
}

// ToFeatureCollection renders the report as GeoJSON. Clusters with a hull
// become Polygons, the rest Points at their centroid; every outlier is a
// Point.
func ToFeatureCollection(rep *Report) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range rep.Clusters {
		var geom orb.Geometry = orb.Point{c.Centroid.Lon, c.Centroid.Lat}
		if len(c.Polygon) > 0 {
			ring := make(orb.Ring, len(c.Polygon))
			for i, v := range c.Polygon {
				ring[i] = orb.Point{v[1], v[0]}
			}
			geom = orb.Polygon{ring}
		}
		f := geojson.NewFeature(geom)
		f.Properties["kind"] = "cluster"
		f.Properties["cluster_id"] = c.ClusterID
		f.Properties["call_count"] = c.CallCount
		f.Properties["primary_category"] = c.PrimaryCategory
		f.Properties["primary_category_pct"] = c.PrimaryCategoryPct
		f.Properties["peak_hour"] = c.PeakHour
		f.Properties["severity_score"] = c.SeverityScore
		f.Properties["severity_label"] = c.SeverityLabel
		f.Properties["area_km2"] = c.AreaKm2
		f.Properties["centroid"] = []float64{c.Centroid.Lat, c.Centroid.Lon}
		fc.Append(f)
	}
	for _, o := range rep.Outliers {
		f := geojson.NewFeature(orb.Point{o.Lon, o.Lat})
		f.Properties["kind"] = "outlier"
		f.Properties["cluster_id"] = NoiseID
		f.Properties["category"] = o.Category
		f.Properties["timestamp"] = o.Timestamp.Format(time.RFC3339)
		if o.ID != "" {
			f.Properties["id"] = o.ID
		}
		fc.Append(f)
	}
	return fc
}

// unknownCategoryIntensity is the heatmap weight of categories with no
// configured priority
const unknownCategoryIntensity = 0.4

// HeatmapData returns [lat, lon, intensity] triples where intensity is the
// category priority weight
func HeatmapData(points []Incident, cfg SeverityConfig) [][3]float64 {
	out := make([][3]float64, 0, len(points))
	for _, p := range points {
		w, ok := cfg.CategoryWeights[p.Category]
		if !ok {
			w = unknownCategoryIntensity
		}
		out = append(out, [3]float64{p.Lat, p.Lon, w})
	}
	return out
}
