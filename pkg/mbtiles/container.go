// Package mbtiles opens SQLite tile containers read-only and resolves tile
// payloads across the classic single-table layout and the deduplicated
// tiles_shallow and map layouts, whichever the file happens to use.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	// CGO-free SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// DefaultMaxReaders caps the read-only connection pool when Options leaves it
// unset.
const DefaultMaxReaders = 4

// Options tunes Open. The zero value is usable.
type Options struct {
	// MaxReaders bounds concurrent read connections. Every connection is
	// opened with mode=ro, so the pool only ever runs SELECT statements.
	MaxReaders int
	// Logf receives diagnostics; nil disables logging.
	Logf func(string, ...any)
}

// Container is an opened read-only tile archive together with its detected
// schema and gzip default. Everything except the pool is immutable after Open.
type Container struct {
	Path       string
	LikelyGzip bool

	schema   SchemaConfig
	db       *sql.DB
	resolver *Resolver
	tables   map[string]bool
	logf     func(string, ...any)
	closed   atomic.Bool
}

// Open opens path read-only, detects its schema and samples one tile to
// decide the gzip default. Unsupported layouts yield *UnsupportedSchemaError
// and leave nothing open.
func Open(ctx context.Context, path string, opts Options) (*Container, error) {
	logf := orDiscard(opts.Logf)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: resolve path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: open %s: %w", abs, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("mbtiles: open %s: is a directory", abs)
	}

	logf("mbtiles: opening %s", abs)
	db, err := sql.Open("sqlite", readOnlyDSN(abs))
	if err != nil {
		return nil, fmt.Errorf("mbtiles: open %s: %w", abs, err)
	}

	readers := opts.MaxReaders
	if readers <= 0 {
		readers = DefaultMaxReaders
	}
	db.SetMaxOpenConns(readers)
	db.SetMaxIdleConns(readers)
	// Never recycle connections; the file does not change under us.
	db.SetConnMaxLifetime(0)

	// Cheap liveness probe with timeout so a locked or bogus file fails fast.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mbtiles: connect %s: %w", abs, err)
	}

	schema, err := Detect(ctx, db, logf)
	if err != nil {
		_ = db.Close()
		var use *UnsupportedSchemaError
		if errors.As(err, &use) {
			use.Path = abs
		}
		return nil, err
	}

	c := &Container{
		Path:     abs,
		schema:   schema,
		db:       db,
		resolver: NewResolver(db, schema, logf),
		tables:   make(map[string]bool, len(schema.Tables)),
		logf:     logf,
	}
	for _, t := range schema.Tables {
		c.tables[t] = true
	}
	c.LikelyGzip = Sniff(ctx, db, schema)
	logf("mbtiles: likelyGzipped=%t", c.LikelyGzip)
	return c, nil
}

// readOnlyDSN builds a SQLite URI filename. The modernc driver applies the
// _pragma parameters on each new connection; SQLite itself honours mode=ro.
func readOnlyDSN(abs string) string {
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	escaped := (&url.URL{Path: p}).EscapedPath()
	return "file://" + escaped + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=cache_size(-20000)"
}

// Schema returns a copy of the detected layout. Callers cannot reach the
// configuration the resolver was built from.
func (c *Container) Schema() SchemaConfig { return c.schema.clone() }

// Resolve looks up the tile at (z, x, tmsY) across the detected layouts.
func (c *Container) Resolve(ctx context.Context, z, x, tmsY int) (Lookup, bool) {
	if c.isClosed() {
		return Lookup{}, false
	}
	return c.resolver.Resolve(ctx, z, x, tmsY)
}

// Close releases the database handle. Calling it more than once is harmless.
func (c *Container) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logf("mbtiles: closing %s", c.Path)
	return c.db.Close()
}

func (c *Container) isClosed() bool { return c.closed.Load() }

func (c *Container) hasTable(name string) bool { return c.tables[name] }
