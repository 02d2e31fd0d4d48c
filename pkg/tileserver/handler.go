package tileserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"mbtiles-http/pkg/mbtiles"
)

// TileSource is what the handler needs from a container.
type TileSource interface {
	Resolve(ctx context.Context, z, x, tmsY int) (mbtiles.Lookup, bool)
}

// HandlerOptions configures a tile handler.
type HandlerOptions struct {
	// LikelyGzip is the container-wide sniff result.
	LikelyGzip bool
	// LegacyGzipDefault adds Content-Encoding: gzip to every tile when
	// LikelyGzip is set, even if the tile bytes are not gzip. Off by default
	// because it corrupts plain tiles in mixed containers.
	LegacyGzipDefault bool
	// Verbose logs every request with its branch and tile bounds.
	Verbose bool
	Logf    func(string, ...any)
}

// Handler serves GET /{z}/{x}/{y}.pbf from a TileSource.
type Handler struct {
	tiles TileSource
	opts  HandlerOptions
	logf  func(string, ...any)
}

// NewHandler wraps src. Logf is optional; pass nil if logging is not required.
func NewHandler(src TileSource, opts HandlerOptions) *Handler {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Handler{tiles: src, opts: opts, logf: logf}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	coord, err := ParsePath(r.URL.Path)
	switch {
	case errors.Is(err, ErrNotFound):
		h.logf("tileserver: unsupported path %s", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	case err != nil:
		h.logf("tileserver: %v", err)
		http.Error(w, "Bad z/x/y", http.StatusBadRequest)
		return
	}

	tmsY := coord.TMSY()
	tile, ok := h.tiles.Resolve(r.Context(), coord.Z, coord.X, tmsY)
	if h.opts.Verbose {
		h.logRequest(coord, tmsY, tile, ok)
	}
	if !ok || len(tile.Data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "application/x-protobuf")
	if mbtiles.IsGzip(tile.Data) || (h.opts.LegacyGzipDefault && h.opts.LikelyGzip) {
		hdr.Set("Content-Encoding", "gzip")
	}
	hdr.Set("Cache-Control", "max-age=3600")
	hdr.Set("Content-Length", strconv.Itoa(len(tile.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(tile.Data); err != nil && !isClientDisconnect(err) {
		h.logf("tileserver: write %s: %v", coord, err)
	}
}

func (h *Handler) logRequest(coord Coordinate, tmsY int, tile mbtiles.Lookup, ok bool) {
	branch := "none"
	if ok {
		branch = tile.Shape.String()
	}
	where := "outside grid"
	if b, inGrid := coord.Bound(); inGrid {
		where = fmt.Sprintf("lon %.5f..%.5f lat %.5f..%.5f", b.Min.X(), b.Max.X(), b.Min.Y(), b.Max.Y())
	}
	h.logf("tileserver: %s tmsY=%d branch=%s size=%d (%s)", coord, tmsY, branch, len(tile.Data), where)
}
