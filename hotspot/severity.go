package hotspot

import (
	"math"
)

// Severity labels, highest first
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityModerate = "moderate"
	SeverityLow      = "low"
)

// SeverityConfig holds the weights behind the 0-10 cluster severity score
type SeverityConfig struct {
	VolumeWeight   float64 `yaml:"volumeWeight" json:"volumeWeight"`
	PriorityWeight float64 `yaml:"priorityWeight" json:"priorityWeight"`
	PeakWeight     float64 `yaml:"peakWeight" json:"peakWeight"`

	// VolumeSaturation is the member count at which the volume factor reaches 1
	VolumeSaturation int `yaml:"volumeSaturation" json:"volumeSaturation"`

	// HighPriorityThreshold is the category weight at or above which a call
	// counts as high priority
	HighPriorityThreshold float64 `yaml:"highPriorityThreshold" json:"highPriorityThreshold"`

	// Peak window in hours, inclusive on both ends. Wraps past midnight when
	// start > end.
	PeakStartHour int `yaml:"peakStartHour" json:"peakStartHour"`
	PeakEndHour   int `yaml:"peakEndHour" json:"peakEndHour"`

	CategoryWeights       map[string]float64 `yaml:"categoryWeights,omitempty" json:"categoryWeights,omitempty"`
	DefaultCategoryWeight float64            `yaml:"defaultCategoryWeight" json:"defaultCategoryWeight"`
}

// DefaultCategoryWeights maps incident categories to priority weights
func DefaultCategoryWeights() map[string]float64 {
	return map[string]float64{
		"Fire":              0.9,
		"Medical Emergency": 0.85,
		"Assault":           0.75,
		"Accident":          0.7,
		"Robbery":           0.65,
		"Burglary":          0.5,
		"Vandalism":         0.3,
		"Noise Complaint":   0.1,
	}
}

func DefaultSeverityConfig() SeverityConfig {
	return SeverityConfig{
		VolumeWeight:          0.45,
		PriorityWeight:        0.40,
		PeakWeight:            0.15,
		VolumeSaturation:      50,
		HighPriorityThreshold: 0.7,
		PeakStartHour:         17,
		PeakEndHour:           22,
		CategoryWeights:       DefaultCategoryWeights(),
		DefaultCategoryWeight: 0.5,
	}
}

// Validate checks weights and the peak window
func (c SeverityConfig) Validate() error {
	weights := []struct {
		name  string
		value float64
	}{
		{"volumeWeight", c.VolumeWeight},
		{"priorityWeight", c.PriorityWeight},
		{"peakWeight", c.PeakWeight},
	}
	for _, w := range weights {
		if w.value < 0 || math.IsNaN(w.value) {
			return invalidParams("severity.%s must be >= 0", w.name)
		}
	}
	if c.VolumeWeight+c.PriorityWeight+c.PeakWeight <= 0 {
		return invalidParams("severity weights must not all be zero")
	}
	if c.VolumeSaturation < 1 {
		return invalidParams("severity.volumeSaturation must be >= 1")
	}
	if c.PeakStartHour < 0 || c.PeakStartHour > 23 || c.PeakEndHour < 0 || c.PeakEndHour > 23 {
		return invalidParams("severity peak hours must be within 0-23")
	}
	return nil
}

// CategoryWeight returns the priority weight of a category
func (c SeverityConfig) CategoryWeight(category string) float64 {
	if w, ok := c.CategoryWeights[category]; ok {
		return w
	}
	return c.DefaultCategoryWeight
}

func (c SeverityConfig) IsPeakHour(hour int) bool {
	if c.PeakStartHour <= c.PeakEndHour {
		return hour >= c.PeakStartHour && hour <= c.PeakEndHour
	}
	return hour >= c.PeakStartHour || hour <= c.PeakEndHour
}

// Score computes the severity of a cluster from its members and peak hour.
// The result is clamped to [0, 10] and rounded to one decimal.
func (c SeverityConfig) Score(members []Incident, peakHour int) float64 {
	n := len(members)
	if n == 0 {
		return 0
	}

	volume := math.Min(float64(n)/float64(c.VolumeSaturation), 1)

	high := 0
	for _, m := range members {
		if c.CategoryWeight(m.Category) >= c.HighPriorityThreshold {
			high++
		}
	}
	priority := float64(high) / float64(n)

	peak := 0.0
	if c.IsPeakHour(peakHour) {
		peak = 1
	}

	total := c.VolumeWeight + c.PriorityWeight + c.PeakWeight
	score := 10 * (c.VolumeWeight*volume + c.PriorityWeight*priority + c.PeakWeight*peak) / total
	score = math.Min(math.Max(score, 0), 10)
	return math.Round(score*10) / 10
}

// SeverityLabel maps a score to its band
func SeverityLabel(score float64) string {
	switch {
	case score >= 8:
		return SeverityCritical
	case score >= 6.5:
		return SeverityHigh
	case score >= 5:
		return SeverityMedium
	case score >= 3.5:
		return SeverityModerate
	default:
		return SeverityLow
	}
}
