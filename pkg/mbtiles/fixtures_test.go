package mbtiles

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// gzipTile is a 12-byte payload that starts with the gzip magic number.
var gzipTile = []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03, 0x01, 0x02}

// plainTile looks like an uncompressed protobuf tile.
var plainTile = []byte{0x1a, 0x05, 'w', 'a', 't', 'e', 'r'}

// buildFixture writes a fresh SQLite file with the given statements and
// returns its path. Statements are pairs of SQL and args.
func buildFixture(t *testing.T, stmts ...fixtureStmt) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.mbtiles")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, s := range stmts {
		_, err := db.Exec(s.sql, s.args...)
		require.NoError(t, err, s.sql)
	}
	require.NoError(t, db.Close())
	return path
}

type fixtureStmt struct {
	sql  string
	args []any
}

func exec(q string, args ...any) fixtureStmt { return fixtureStmt{sql: q, args: args} }

func classicFixture(zoom, x, y, data string, rows ...[]any) []fixtureStmt {
	out := []fixtureStmt{exec(fmt.Sprintf(`CREATE TABLE tiles (%s INTEGER, %s INTEGER, %s INTEGER, %s BLOB)`, zoom, x, y, data))}
	for _, r := range rows {
		out = append(out, exec(fmt.Sprintf(`INSERT INTO tiles (%s, %s, %s, %s) VALUES (?, ?, ?, ?)`, zoom, x, y, data), r...))
	}
	return out
}

// normalizedFixture creates coordTable(zoom_level, tile_column, tile_row, link)
// and dataTable(link, tile_data) with one tile linked through linkValue.
func normalizedFixture(coordTable, dataTable, link string, z, x, y int, linkValue any, data []byte) []fixtureStmt {
	return []fixtureStmt{
		exec(fmt.Sprintf(`CREATE TABLE %s (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, %s)`, coordTable, link)),
		exec(fmt.Sprintf(`CREATE TABLE %s (%s, tile_data BLOB)`, dataTable, link)),
		exec(fmt.Sprintf(`INSERT INTO %s VALUES (?, ?, ?, ?)`, coordTable), z, x, y, linkValue),
		exec(fmt.Sprintf(`INSERT INTO %s VALUES (?, ?)`, dataTable), linkValue, data),
	}
}

// logSink collects log lines from concurrent callers.
type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (l *logSink) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logSink) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
