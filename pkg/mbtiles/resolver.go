package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Lookup is a resolved tile payload together with the layout that served it.
type Lookup struct {
	Data  []byte
	Shape ShapeKind
}

type shapeQuery struct {
	kind ShapeKind
	sql  string
}

// Resolver turns (z, x, tmsY) into tile bytes using the statements prepared
// from a SchemaConfig. It holds no mutable state and is safe for concurrent
// use.
type Resolver struct {
	db      Querier
	queries []shapeQuery
	logf    func(string, ...any)
}

// NewResolver builds one parameterized point lookup per detected layout, in
// lookup order: classic, then tiles_shallow, then map.
func NewResolver(db Querier, cfg SchemaConfig, logf func(string, ...any)) *Resolver {
	r := &Resolver{db: db, logf: orDiscard(logf)}
	if cfg.HasClassicTable {
		c := cfg.Classic
		r.queries = append(r.queries, shapeQuery{
			kind: ShapeClassic,
			sql: fmt.Sprintf(`SELECT %s FROM tiles WHERE %s = ? AND %s = ? AND %s = ? LIMIT 1`,
				c.Data, c.Zoom, c.X, c.Y),
		})
	}
	for _, s := range cfg.Normalized {
		r.queries = append(r.queries, shapeQuery{
			kind: s.Kind,
			sql: fmt.Sprintf(`SELECT d.tile_data FROM %s s JOIN %s d ON s.%s = d.%s
WHERE s.zoom_level = ? AND s.tile_column = ? AND s.tile_row = ? LIMIT 1`,
				s.CoordTable, s.DataTable, s.LinkColumn, s.LinkColumn),
		})
	}
	return r
}

// Resolve returns the first non-NULL payload stored at (z, x, tmsY). Query
// faults are logged and treated as a miss for that layout so one broken
// statement never takes the server down.
func (r *Resolver) Resolve(ctx context.Context, z, x, tmsY int) (Lookup, bool) {
	for _, q := range r.queries {
		var data []byte
		err := r.db.QueryRowContext(ctx, q.sql, z, x, tmsY).Scan(&data)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			if ctx.Err() == nil {
				r.logf("mbtiles: %s lookup failed for z=%d x=%d tmsY=%d: %v", q.kind, z, x, tmsY, err)
			}
			continue
		case data == nil:
			continue
		}
		return Lookup{Data: data, Shape: q.kind}, true
	}
	return Lookup{}, false
}
