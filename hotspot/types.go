package hotspot

import (
	"time"

	"github.com/paulmach/orb"
)

// NoiseID is the cluster id carried by outliers
const NoiseID = -1

// Incident is one geolocated emergency call
type Incident struct {
	ID        string    `json:"id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	District  string    `json:"district,omitempty"`
	Age       *int      `json:"age,omitempty"`
	Gender    string    `json:"gender,omitempty"`
}

// Coord returns the incident location as an orb point (lon, lat)
func (i Incident) Coord() orb.Point {
	return orb.Point{i.Lon, i.Lat}
}

// LatLon is a coordinate pair in degrees
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Params controls a single clustering run
type Params struct {
	EpsKm       float64    `json:"eps_km" yaml:"epsKm"`
	MinSamples  int        `json:"min_samples" yaml:"minSamples"`
	TimeBucket  TimeBucket `json:"time_bucket,omitempty" yaml:"timeBucket,omitempty"`
	MinSeverity *float64   `json:"min_severity,omitempty" yaml:"minSeverity,omitempty"`
}

// DefaultParams returns the parameters used when none are supplied
func DefaultParams() Params {
	return Params{
		EpsKm:      0.5,
		MinSamples: 5,
		TimeBucket: BucketAll,
	}
}

// Cluster is a dense group of incidents with its derived statistics
type Cluster struct {
	ID                 int
	Members            []Incident
	Centroid           LatLon
	CallCount          int
	PrimaryCategory    string
	PrimaryCategoryPct int
	PeakHour           int
	SeverityScore      float64
	SeverityLabel      string
	DayCalls           int
	NightCalls         int

	// Polygon is the closed convex hull; nil when the members span fewer
	// than three non-collinear locations.
	Polygon orb.Ring
	AreaKm2 float64
	Bounds  orb.Bound
}

// Outlier is an incident that belongs to no cluster
type Outlier struct {
	ID        string
	Lat       float64
	Lon       float64
	Category  string
	Timestamp time.Time
}

// Result is the complete output of one clustering run. Clusters are in
// discovery order and Outliers keep input order.
type Result struct {
	Clusters []Cluster
	Outliers []Outlier

	// Labels holds the cluster id (or NoiseID) of every clustered point,
	// aligned with the input after time-bucket filtering.
	Labels []int

	Points   int
	Params   Params
	Duration time.Duration
}

// Clone returns a deep copy of the result
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.Params.MinSeverity != nil {
		v := *r.Params.MinSeverity
		out.Params.MinSeverity = &v
	}
	out.Labels = append([]int(nil), r.Labels...)
	out.Outliers = append([]Outlier(nil), r.Outliers...)
	out.Clusters = make([]Cluster, len(r.Clusters))
	for i, c := range r.Clusters {
		c.Members = cloneIncidents(c.Members)
		if c.Polygon != nil {
			c.Polygon = append(orb.Ring(nil), c.Polygon...)
		}
		out.Clusters[i] = c
	}
	return &out
}

func cloneIncidents(in []Incident) []Incident {
	if in == nil {
		return nil
	}
	out := make([]Incident, len(in))
	for i, inc := range in {
		if inc.Age != nil {
			age := *inc.Age
			inc.Age = &age
		}
		out[i] = inc
	}
	return out
}
