package mbtiles

import (
	"bytes"
	"context"
	"fmt"
)

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether b starts with the gzip magic number.
func IsGzip(b []byte) bool {
	return bytes.HasPrefix(b, gzipMagic)
}

// Sniff samples one tile payload and reports whether it is gzip-compressed.
// The probes run in a fixed order: classic table by ascending zoom, then
// tiles_shallow with tiles_data, map with tile_data and map with images, each
// join tried over every link column name. Probes that fail (missing table or
// column) are skipped; no sample at all means "not gzipped".
func Sniff(ctx context.Context, db Querier, cfg SchemaConfig) bool {
	for _, q := range sniffQueries(cfg) {
		var sample []byte
		if err := db.QueryRowContext(ctx, q).Scan(&sample); err != nil {
			continue
		}
		if len(sample) == 0 {
			continue
		}
		return IsGzip(sample)
	}
	return false
}

func sniffQueries(cfg SchemaConfig) []string {
	var out []string
	if cfg.HasClassicTable {
		out = append(out, fmt.Sprintf(`SELECT %s FROM tiles ORDER BY %s ASC LIMIT 1`,
			cfg.Classic.Data, cfg.Classic.Zoom))
	}
	joins := []struct{ coord, data string }{
		{"tiles_shallow", "tiles_data"},
		{"map", "tile_data"},
		{"map", "images"},
	}
	for _, j := range joins {
		for _, link := range linkCandidates {
			out = append(out, fmt.Sprintf(
				`SELECT d.tile_data FROM %s s JOIN %s d ON s.%s = d.%s LIMIT 1`,
				j.coord, j.data, link, link))
		}
	}
	return out
}
