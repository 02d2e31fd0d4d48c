package mbtiles

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Metadata reads the optional name/value "metadata" table. Containers without
// one yield an empty map rather than an error.
func (c *Container) Metadata(ctx context.Context) (map[string]string, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	out := make(map[string]string)
	if !c.hasTable("metadata") {
		return out, nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: read metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value *string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("mbtiles: scan metadata: %w", err)
		}
		if name == nil {
			continue
		}
		if value == nil {
			out[*name] = ""
			continue
		}
		out[*name] = *value
	}
	return out, rows.Err()
}

// ParseBounds parses the MBTiles "bounds" value "minLon,minLat,maxLon,maxLat".
func ParseBounds(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("mbtiles: bounds %q: want 4 values, got %d", s, len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("mbtiles: bounds %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("mbtiles: bounds %q: min exceeds max", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
