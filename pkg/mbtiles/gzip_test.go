package mbtiles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsGzip(t *testing.T) {
	require.True(t, IsGzip([]byte{0x1f, 0x8b}))
	require.True(t, IsGzip(gzipTile))
	require.False(t, IsGzip(plainTile))
	require.False(t, IsGzip([]byte{0x1f}))
	require.False(t, IsGzip(nil))
	require.False(t, IsGzip([]byte{0x8b, 0x1f}))
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name  string
		stmts []fixtureStmt
		want  bool
	}{
		{
			name: "classic lowest zoom decides",
			stmts: classicFixture("zoom", "x", "y", "data",
				[]any{3, 0, 0, plainTile},
				[]any{0, 0, 0, gzipTile},
			),
			want: true,
		},
		{
			name:  "classic plain",
			stmts: classicFixture("zoom_level", "tile_column", "tile_row", "tile_data", []any{0, 0, 0, plainTile}),
			want:  false,
		},
		{
			name:  "classic empty table",
			stmts: classicFixture("zoom_level", "tile_column", "tile_row", "tile_data"),
			want:  false,
		},
		{name: "shallow tile_hash", stmts: normalizedFixture("tiles_shallow", "tiles_data", "tile_hash", 0, 0, 0, "h", gzipTile), want: true},
		{name: "map tile_data", stmts: normalizedFixture("map", "tile_data", "tile_data_id", 0, 0, 0, 1, gzipTile), want: true},
		{name: "map images", stmts: normalizedFixture("map", "images", "tile_id", 0, 0, 0, 1, gzipTile), want: true},
		{name: "map images plain", stmts: normalizedFixture("map", "images", "tile_id", 0, 0, 0, 1, plainTile), want: false},
		{
			name: "empty classic sample falls through",
			stmts: append(
				classicFixture("zoom_level", "tile_column", "tile_row", "tile_data", []any{0, 0, 0, []byte{}}),
				normalizedFixture("map", "images", "tile_id", 0, 0, 0, 1, gzipTile)...,
			),
			want: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Open(context.Background(), buildFixture(t, tc.stmts...), Options{})
			require.NoError(t, err)
			defer c.Close()
			require.Equal(t, tc.want, c.LikelyGzip)
			require.Equal(t, tc.want, Sniff(context.Background(), c.db, c.Schema()))
		})
	}
}
