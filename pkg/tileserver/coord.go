package tileserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom keeps 1<<z inside a 32-bit tile index.
const MaxZoom = 30

// TileExt is the only suffix the server routes.
const TileExt = ".pbf"

var (
	// ErrNotFound marks paths that are not shaped like /{z}/{x}/{y}.pbf.
	ErrNotFound = errors.New("tileserver: not found")
	// ErrRequestParse marks tile paths with a bad component.
	ErrRequestParse = errors.New("tileserver: bad z/x/y")
)

// Coordinate is a tile address in the XYZ convention used by web clients
// (row 0 at the top).
type Coordinate struct {
	Z, X, Y int
}

func (c Coordinate) String() string { return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y) }

// FlipY converts a row index between XYZ and TMS at zoom z. The mapping is
// its own inverse.
func FlipY(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

// TMSY is the row as stored in the container.
func (c Coordinate) TMSY() int { return FlipY(c.Z, c.Y) }

// Bound returns the WGS84 extent of the tile. ok is false for addresses
// outside the zoom level's grid, which the server still looks up.
func (c Coordinate) Bound() (orb.Bound, bool) {
	n := 1 << uint(c.Z)
	if c.X < 0 || c.Y < 0 || c.X >= n || c.Y >= n {
		return orb.Bound{}, false
	}
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z)).Bound(), true
}

// ParsePath extracts a Coordinate from /{z}/{x}/{y}.pbf. Paths with the wrong
// number of segments wrap ErrNotFound; a missing suffix, non-numeric part or
// out-of-range zoom wraps ErrRequestParse.
func ParsePath(path string) (Coordinate, error) {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	yStr, ok := strings.CutSuffix(parts[2], TileExt)
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: %q lacks %s suffix", ErrRequestParse, path, TileExt)
	}
	z, err := strconv.Atoi(parts[0])
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: zoom %q", ErrRequestParse, parts[0])
	}
	if z < 0 || z > MaxZoom {
		return Coordinate{}, fmt.Errorf("%w: zoom %d outside 0..%d", ErrRequestParse, z, MaxZoom)
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: x %q", ErrRequestParse, parts[1])
	}
	y, err := strconv.Atoi(yStr)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: y %q", ErrRequestParse, yStr)
	}
	return Coordinate{Z: z, X: x, Y: y}, nil
}
