package hotspot

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// TimeBucket restricts a run to incidents whose hour of day falls in a
// window. Besides the named buckets it accepts "H-H" hour ranges (start
// inclusive, end exclusive) that may wrap past midnight, e.g. "22-4".
type TimeBucket string

const (
	BucketAll   TimeBucket = "all"
	BucketDay   TimeBucket = "day"
	BucketNight TimeBucket = "night"
)

const (
	dayStartHour = 6
	dayEndHour   = 18
)

// hourRange is [start, end) over hours of the day
type hourRange struct {
	start, end int
	all        bool
}

func (r hourRange) contains(h int) bool {
	if r.all {
		return true
	}
	if r.start < r.end {
		return h >= r.start && h < r.end
	}
	return h >= r.start || h < r.end
}

func (b TimeBucket) parse() (hourRange, error) {
	switch b {
	case "", BucketAll:
		return hourRange{all: true}, nil
	case BucketDay:
		return hourRange{start: dayStartHour, end: dayEndHour}, nil
	case BucketNight:
		return hourRange{start: dayEndHour, end: dayStartHour}, nil
	}

	startStr, endStr, ok := strings.Cut(string(b), "-")
	if !ok {
		return hourRange{}, invalidParams("unknown time bucket %q", b)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(startStr))
	end, err2 := strconv.Atoi(strings.TrimSpace(endStr))
	if err1 != nil || err2 != nil || start < 0 || start > 23 || end < 0 || end > 24 {
		return hourRange{}, invalidParams("time bucket %q must be H-H with hours 0-24", b)
	}
	if start == 0 && end == 24 {
		return hourRange{all: true}, nil
	}
	if start == end%24 {
		return hourRange{}, invalidParams("time bucket %q is empty", b)
	}
	return hourRange{start: start, end: end % 24}, nil
}

// Validate reports whether the bucket is a known name or a valid hour range
func (b TimeBucket) Validate() error {
	_, err := b.parse()
	return err
}

// Contains reports whether hour (0-23) falls inside the bucket
func (b TimeBucket) Contains(hour int) bool {
	r, err := b.parse()
	if err != nil {
		return false
	}
	return r.contains(hour)
}

// HourOf returns the hour of day of t in loc, or in t's own location when
// loc is nil
func HourOf(t time.Time, loc *time.Location) int {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Hour()
}

// IsDaytime reports whether hour lies in the 06:00-17:59 day window
func IsDaytime(hour int) bool {
	return hour >= dayStartHour && hour < dayEndHour
}

// FilterByTimeBucket returns the incidents whose hour falls in bucket,
// preserving order
func FilterByTimeBucket(points []Incident, bucket TimeBucket, loc *time.Location) ([]Incident, error) {
	r, err := bucket.parse()
	if err != nil {
		return nil, err
	}
	if r.all {
		return points, nil
	}
	out := make([]Incident, 0, len(points))
	for _, p := range points {
		if r.contains(HourOf(p.Timestamp, loc)) {
			out = append(out, p)
		}
	}
	return out, nil
}

// IncidentQuery selects incidents before they are submitted for clustering.
// Zero-valued fields match everything.
type IncidentQuery struct {
	Categories []string
	Start      time.Time
	End        time.Time
	District   string
}

// Matches reports whether inc passes every set filter. End is inclusive.
func (q IncidentQuery) Matches(inc Incident) bool {
	if len(q.Categories) > 0 && !slices.Contains(q.Categories, inc.Category) {
		return false
	}
	if !q.Start.IsZero() && inc.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && inc.Timestamp.After(q.End) {
		return false
	}
	if q.District != "" && !strings.EqualFold(q.District, inc.District) {
		return false
	}
	return true
}

// Apply returns the matching incidents in their original order
func (q IncidentQuery) Apply(points []Incident) []Incident {
	out := make([]Incident, 0, len(points))
	for _, p := range points {
		if q.Matches(p) {
			out = append(out, p)
		}
	}
	return out
}

// ParseDate accepts a plain date (start of day) or an RFC 3339 timestamp
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

// ParseEndDate is ParseDate with plain dates extended to the last instant
// of that day
func ParseEndDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Add(24*time.Hour - time.Nanosecond), nil
	}
	return ParseDate(s)
}
