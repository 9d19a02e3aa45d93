package hotspot

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadiusKm is the mean Earth radius used for every distance in the engine
const EarthRadiusKm = 6371.0

const degToRad = math.Pi / 180

// ValidateCoordinate rejects non-finite or out-of-range latitude/longitude
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return &ClusterError{Kind: ErrInvalidCoordinate, Reason: "latitude out of range"}
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return &ClusterError{Kind: ErrInvalidCoordinate, Reason: "longitude out of range"}
	}
	return nil
}

// Distance returns the great-circle distance in km between two validated
// coordinates
func Distance(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := ValidateCoordinate(lat1, lon1); err != nil {
		return 0, err
	}
	if err := ValidateCoordinate(lat2, lon2); err != nil {
		return 0, err
	}
	return Haversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2}), nil
}

// Haversine returns the great-circle distance in km between a and b.
// Points are (lon, lat) in degrees and are assumed valid.
func Haversine(a, b orb.Point) float64 {
	dLat := (b[1] - a[1]) * degToRad
	dLon := (b[0] - a[0]) * degToRad
	sLat := math.Sin(dLat / 2)
	sLon := math.Sin(dLon / 2)

	h := sLat*sLat + math.Cos(a[1]*degToRad)*math.Cos(b[1]*degToRad)*sLon*sLon
	h = math.Min(math.Max(h, 0), 1)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
