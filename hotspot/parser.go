package hotspot

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// timestampLayouts are tried in order when parsing textual timestamps
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseTimestamp accepts RFC 3339, ISO-like local forms, plain dates and
// unix seconds
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// rawIncident accepts the field aliases used by the various incident feeds
type rawIncident struct {
	ID            any      `json:"id"`
	Lat           *float64 `json:"lat"`
	Latitude      *float64 `json:"latitude"`
	Lon           *float64 `json:"lon"`
	Lng           *float64 `json:"lng"`
	Longitude     *float64 `json:"longitude"`
	Timestamp     any      `json:"timestamp"`
	Category      string   `json:"category"`
	CallType      string   `json:"call_type"`
	EmergencyType string   `json:"emergency_type"`
	District      string   `json:"district"`
	Age           *int     `json:"age"`
	Gender        string   `json:"gender"`
}

// UnmarshalJSON decodes an incident, accepting lat/latitude,
// lon/lng/longitude and category/call_type/emergency_type
func (i *Incident) UnmarshalJSON(data []byte) error {
	var raw rawIncident
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	inc := Incident{
		District: raw.District,
		Age:      raw.Age,
		Gender:   raw.Gender,
	}
	switch v := raw.ID.(type) {
	case string:
		inc.ID = v
	case float64:
		inc.ID = strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
	default:
		return fmt.Errorf("unsupported id type %T", v)
	}

	lat := firstFloat(raw.Lat, raw.Latitude)
	lon := firstFloat(raw.Lon, raw.Lng, raw.Longitude)
	if lat == nil || lon == nil {
		return &ClusterError{Kind: ErrInvalidCoordinate, PointID: inc.ID, Reason: "missing latitude or longitude"}
	}
	inc.Lat, inc.Lon = *lat, *lon

	switch v := raw.Timestamp.(type) {
	case string:
		t, err := ParseTimestamp(v)
		if err != nil {
			return err
		}
		inc.Timestamp = t
	case float64:
		inc.Timestamp = time.Unix(int64(v), 0).UTC()
	case nil:
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}

	inc.Category = firstNonEmpty(raw.Category, raw.CallType, raw.EmergencyType, "Unknown")
	*i = inc
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseIncidentsJSON parses a JSON array of incidents or a single incident
// object
func ParseIncidentsJSON(data []byte) ([]Incident, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("parsing JSON: empty payload")
	}
	if trimmed[0] == '{' {
		var inc Incident
		if err := json.Unmarshal(trimmed, &inc); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		return []Incident{inc}, nil
	}
	var incidents []Incident
	if err := json.Unmarshal(trimmed, &incidents); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return incidents, nil
}

// ParseIncidentsCSV reads incidents from CSV with a header row. Columns are
// matched by name; lat, lon and timestamp are required.
func ParseIncidentsCSV(r io.Reader) ([]Incident, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	col := func(names ...string) int {
		for _, n := range names {
			if i, ok := cols[n]; ok {
				return i
			}
		}
		return -1
	}
	idCol := col("id")
	latCol := col("lat", "latitude")
	lonCol := col("lon", "lng", "longitude")
	tsCol := col("timestamp", "time", "datetime")
	catCol := col("category", "call_type", "emergency_type")
	districtCol := col("district")
	ageCol := col("age")
	genderCol := col("gender")
	if latCol < 0 || lonCol < 0 || tsCol < 0 {
		return nil, fmt.Errorf("CSV header must include lat, lon and timestamp columns")
	}

	field := func(rec []string, i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var incidents []Incident
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", line, err)
		}

		lat, err := strconv.ParseFloat(field(rec, latCol), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing lat: %w", line, err)
		}
		lon, err := strconv.ParseFloat(field(rec, lonCol), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing lon: %w", line, err)
		}
		ts, err := ParseTimestamp(field(rec, tsCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		inc := Incident{
			ID:        field(rec, idCol),
			Lat:       lat,
			Lon:       lon,
			Timestamp: ts,
			Category:  firstNonEmpty(field(rec, catCol), "Unknown"),
			District:  field(rec, districtCol),
			Gender:    field(rec, genderCol),
		}
		if s := field(rec, ageCol); s != "" {
			age, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing age: %w", line, err)
			}
			inc.Age = &age
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// ParseIncidentsFile reads a .json or .csv incident file
func ParseIncidentsFile(path string) ([]Incident, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()
		return ParseIncidentsCSV(f)
	case ".json", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		return ParseIncidentsJSON(data)
	default:
		return nil, fmt.Errorf("unsupported incident file type %q", filepath.Ext(path))
	}
}

// LoadIncidentFiles parses files concurrently and concatenates them in
// argument order. The first failure cancels the rest.
func LoadIncidentFiles(ctx context.Context, paths []string) ([]Incident, error) {
	parsed := make([][]Incident, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			incidents, err := ParseIncidentsFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			parsed[i] = incidents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Incident
	for _, incidents := range parsed {
		all = append(all, incidents...)
	}
	return all, nil
}
