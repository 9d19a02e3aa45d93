package hotspot

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "modernc.org/sqlite"
)

// DefaultIncidentTable is read when no table name is configured
const DefaultIncidentTable = "incidents"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadIncidentsSQLite reads incidents with coordinates from a SQLite table
// with columns id, lat, lon, timestamp, category and district; category and
// district may be NULL. Rows come back in rowid order.
func LoadIncidentsSQLite(ctx context.Context, path, table string) ([]Incident, error) {
	if table == "" {
		table = DefaultIncidentTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	defer db.Close()

	query := fmt.Sprintf(`SELECT CAST(id AS TEXT), lat, lon, CAST(timestamp AS TEXT),
		COALESCE(category, 'Unknown'), COALESCE(district, '')
		FROM %s WHERE lat IS NOT NULL AND lon IS NOT NULL ORDER BY rowid`, table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		var (
			inc Incident
			id  sql.NullString
			ts  sql.NullString
		)
		if err := rows.Scan(&id, &inc.Lat, &inc.Lon, &ts, &inc.Category, &inc.District); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		inc.ID = id.String
		if ts.Valid && ts.String != "" {
			t, err := ParseTimestamp(ts.String)
			if err != nil {
				return nil, fmt.Errorf("row %s: %w", inc.ID, err)
			}
			inc.Timestamp = t
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return incidents, nil
}
