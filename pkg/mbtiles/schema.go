package mbtiles

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Querier is the read side of *sql.DB that detection and lookups need.
// Accepting the interface keeps the helpers usable with *sql.Conn in tests.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ShapeKind tags the physical layout a lookup runs against.
type ShapeKind int

const (
	// ShapeClassic is the single "tiles" table with one row per tile.
	ShapeClassic ShapeKind = iota
	// ShapeShallow is tiles_shallow joined with tiles_data (or images).
	ShapeShallow
	// ShapeMap is the OpenMapTiles style map joined with tile_data (or images).
	ShapeMap
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeClassic:
		return "classic"
	case ShapeShallow:
		return "normalized-shallow"
	case ShapeMap:
		return "normalized-map"
	default:
		return fmt.Sprintf("shape(%d)", int(k))
	}
}

// Table and column names interpolated into SQL only ever come from the fixed
// candidate lists in this file. They are left unquoted: SQLite reads an
// unknown double-quoted identifier as a string literal, which would turn a
// missing column into a bogus tile.

// linkCandidates is the resolution order for the join column of normalized
// layouts. Real-world files depend on this precedence.
var linkCandidates = []string{"tile_id", "tile_hash", "tile_data_id"}

// ClassicColumns holds the resolved column names of the classic "tiles" table.
type ClassicColumns struct {
	Zoom string
	X    string
	Y    string
	Data string
}

// NormalizedShape describes one detected deduplicated layout. Coordinates live
// in CoordTable (zoom_level, tile_column, tile_row, LinkColumn) and payloads in
// DataTable (LinkColumn, tile_data).
type NormalizedShape struct {
	Kind       ShapeKind
	CoordTable string
	DataTable  string
	LinkColumn string
}

// SchemaConfig is the immutable outcome of Detect. It is computed once when a
// container is opened and then shared read-only by every request handler.
type SchemaConfig struct {
	HasClassicTable bool
	Classic         ClassicColumns

	HasNormalizedTables bool
	// Normalized lists usable shapes in lookup order: tiles_shallow first,
	// then map.
	Normalized []NormalizedShape

	// Tables is the sorted catalog listing, kept for diagnostics.
	Tables []string
}

func (c SchemaConfig) clone() SchemaConfig {
	c.Normalized = append([]NormalizedShape(nil), c.Normalized...)
	c.Tables = append([]string(nil), c.Tables...)
	return c
}

// LinkColumn returns the join column of the first normalized shape, or "".
func (c SchemaConfig) LinkColumn() string {
	if len(c.Normalized) == 0 {
		return ""
	}
	return c.Normalized[0].LinkColumn
}

// DataTableName returns the payload table of the first normalized shape, or "".
func (c SchemaConfig) DataTableName() string {
	if len(c.Normalized) == 0 {
		return ""
	}
	return c.Normalized[0].DataTable
}

// String renders a one-line summary for startup logs and -info output.
func (c SchemaConfig) String() string {
	var parts []string
	if c.HasClassicTable {
		parts = append(parts, fmt.Sprintf("classic(zoom=%s x=%s y=%s data=%s)",
			c.Classic.Zoom, c.Classic.X, c.Classic.Y, c.Classic.Data))
	}
	for _, s := range c.Normalized {
		parts = append(parts, fmt.Sprintf("%s(%s->%s via %s)", s.Kind, s.CoordTable, s.DataTable, s.LinkColumn))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// normalizedCandidate pairs a coordinate table with the payload tables it may
// join, in preference order.
type normalizedCandidate struct {
	kind       ShapeKind
	coordTable string
	dataTables []string
}

var normalizedCandidates = []normalizedCandidate{
	{kind: ShapeShallow, coordTable: "tiles_shallow", dataTables: []string{"tiles_data", "images"}},
	{kind: ShapeMap, coordTable: "map", dataTables: []string{"tile_data", "images"}},
}

// Detect inspects the catalog of db and resolves which tile layouts it
// carries. It fails with *UnsupportedSchemaError when neither the classic nor
// any normalized layout is usable. logf may be nil.
func Detect(ctx context.Context, db Querier, logf func(string, ...any)) (SchemaConfig, error) {
	logf = orDiscard(logf)

	tables, err := listTables(ctx, db)
	if err != nil {
		return SchemaConfig{}, fmt.Errorf("mbtiles: list tables: %w", err)
	}
	var cfg SchemaConfig
	for name := range tables {
		cfg.Tables = append(cfg.Tables, name)
	}
	sort.Strings(cfg.Tables)
	logf("mbtiles: tables: %v", cfg.Tables)

	if tables["tiles"] {
		cols, err := listColumns(ctx, db, "tiles")
		if err != nil {
			return SchemaConfig{}, fmt.Errorf("mbtiles: inspect tiles: %w", err)
		}
		cfg.HasClassicTable = true
		cfg.Classic = ClassicColumns{
			Zoom: pickColumn(cols, "zoom_level", "zoom"),
			X:    pickColumn(cols, "tile_column", "x"),
			Y:    pickColumn(cols, "tile_row", "y"),
			Data: pickColumn(cols, "tile_data", "data"),
		}
	}

	for _, cand := range normalizedCandidates {
		if !tables[cand.coordTable] {
			continue
		}
		dataTable := ""
		for _, t := range cand.dataTables {
			if tables[t] {
				dataTable = t
				break
			}
		}
		if dataTable == "" {
			continue
		}
		coordCols, err := listColumns(ctx, db, cand.coordTable)
		if err != nil {
			return SchemaConfig{}, fmt.Errorf("mbtiles: inspect %s: %w", cand.coordTable, err)
		}
		dataCols, err := listColumns(ctx, db, dataTable)
		if err != nil {
			return SchemaConfig{}, fmt.Errorf("mbtiles: inspect %s: %w", dataTable, err)
		}
		link := ""
		for _, c := range linkCandidates {
			if coordCols[c] && dataCols[c] {
				link = c
				break
			}
		}
		if link == "" {
			logf("mbtiles: no link column shared by %s and %s; %s disabled", cand.coordTable, dataTable, cand.kind)
			continue
		}
		cfg.Normalized = append(cfg.Normalized, NormalizedShape{
			Kind:       cand.kind,
			CoordTable: cand.coordTable,
			DataTable:  dataTable,
			LinkColumn: link,
		})
	}
	cfg.HasNormalizedTables = len(cfg.Normalized) > 0

	if !cfg.HasClassicTable && !cfg.HasNormalizedTables {
		return SchemaConfig{}, &UnsupportedSchemaError{Tables: cfg.Tables}
	}
	logf("mbtiles: schema: %s", cfg)
	return cfg, nil
}

// pickColumn returns the first candidate present in cols. When none is
// present the preferred name is returned and the lookup fails soft later.
func pickColumn(cols map[string]bool, preferred, alias string) string {
	if cols[preferred] {
		return preferred
	}
	if cols[alias] {
		return alias
	}
	return preferred
}

// listTables reads table and view names from sqlite_master. Views are
// included because several packagers expose "tiles" as a view over map/images.
func listTables(ctx context.Context, db Querier) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table', 'view')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// listColumns uses the pragma_table_info table-valued function so the table
// name travels as a bound parameter.
func listColumns(ctx context.Context, db Querier, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func orDiscard(logf func(string, ...any)) func(string, ...any) {
	if logf == nil {
		return func(string, ...any) {}
	}
	return logf
}
