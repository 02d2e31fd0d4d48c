package tileserver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mbtiles-http/pkg/mbtiles"
)

func writeContainer(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiles.mbtiles")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	require.NoError(t, db.Close())
	return path
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv := New(opts)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

// rawClient never negotiates or decodes gzip, so tiles arrive byte for byte
// with their Content-Encoding header intact, the way a map renderer sees them.
var rawClient = &http.Client{
	Transport: &http.Transport{DisableCompression: true},
	Timeout:   5 * time.Second,
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := rawClient.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// classicGzipContainer holds a single 12-byte gzip tile at z=5 x=3 tmsY=10.
func classicGzipContainer(t *testing.T) string {
	return writeContainer(t,
		`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`INSERT INTO tiles VALUES (5, 3, 10, x'1f8b08000000000000030102')`,
	)
}

func TestServerClassicScenario(t *testing.T) {
	srv := startServer(t, Options{Path: classicGzipContainer(t), Version: "test"})
	base := srv.BaseURL()

	resp, body := get(t, fmt.Sprintf("%s/5/3/%d.pbf", base, (1<<5)-1-10))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, gzipTile, body)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	require.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))
	require.Equal(t, "max-age=3600", resp.Header.Get("Cache-Control"))
	require.Equal(t, "mbtiles-http/test", resp.Header.Get("Server"))

	resp, body = get(t, base+"/5/3/999.pbf")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, body)

	resp, _ = get(t, base+"/five/3/1.pbf")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, base+"/5/3/1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get(t, base+"/5/3")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerMapImagesScenario(t *testing.T) {
	path := writeContainer(t,
		`CREATE TABLE map (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_id INTEGER)`,
		`CREATE TABLE images (tile_id INTEGER, tile_data BLOB)`,
		`INSERT INTO map VALUES (2, 1, 3, 7)`,
		`INSERT INTO images VALUES (7, x'1a05726f616473')`,
	)
	srv := startServer(t, Options{Path: path})

	resp, body := get(t, fmt.Sprintf("%s/2/1/%d.pbf", srv.BaseURL(), FlipY(2, 3)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, plainTile, body)
	require.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestServerUnsupportedSchemaNeverListens(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	path := writeContainer(t, `CREATE TABLE journeys (id INTEGER PRIMARY KEY)`)
	srv := New(Options{Path: path, Port: port})
	err = srv.Start(context.Background())
	require.ErrorIs(t, err, mbtiles.ErrUnsupportedSchema)
	require.Zero(t, srv.Port())
	require.Nil(t, srv.Container())

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.Error(t, err)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerLifecycle(t *testing.T) {
	srv := New(Options{Path: classicGzipContainer(t)})
	require.NoError(t, srv.Stop(context.Background()), "stop before start")
	require.Nil(t, srv.Done())

	require.NoError(t, srv.Start(context.Background()))
	require.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyStarted)
	require.NotZero(t, srv.Port())
	require.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/{z}/{x}/{y}.pbf", srv.Port()), srv.TileURLTemplate())
	done := srv.Done()
	container := srv.Container()
	require.NotNil(t, container)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()), "double stop")
	select {
	case <-done:
	default:
		t.Fatal("serve loop still running after Stop")
	}
	_, ok := container.Resolve(context.Background(), 5, 3, 10)
	require.False(t, ok, "container closed by Stop")

	// A stopped server can be started again on a fresh port.
	require.NoError(t, srv.Start(context.Background()))
	resp, _ := get(t, srv.BaseURL()+"/5/3/21.pbf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerAccessorsDuringDrain(t *testing.T) {
	srv := New(Options{Path: classicGzipContainer(t)})
	require.NoError(t, srv.Start(context.Background()))

	// A connection that never finishes its request headers keeps Shutdown
	// waiting until the stop context expires.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /5/3/21.pbf HTTP/1.1\r\n"))
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- srv.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	answered := make(chan int, 1)
	go func() { answered <- srv.Port() }()
	select {
	case port := <-answered:
		require.Zero(t, port)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Port blocked while Stop was draining")
	}
	require.Nil(t, srv.Container())
	require.Nil(t, srv.Done())

	select {
	case <-stopped:
		t.Fatal("Stop returned before the stalled connection was dealt with")
	default:
	}
	require.ErrorIs(t, <-stopped, context.DeadlineExceeded)
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerMissingFile(t *testing.T) {
	srv := New(Options{Path: filepath.Join(t.TempDir(), "nope.mbtiles")})
	require.Error(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestServerConcurrentRequests(t *testing.T) {
	srv := startServer(t, Options{Path: classicGzipContainer(t), MaxReaders: 2})
	url := srv.BaseURL() + "/5/3/21.pbf"
	miss := srv.BaseURL() + "/5/3/22.pbf"

	var wg sync.WaitGroup
	type result struct {
		code int
		body []byte
		err  error
	}
	results := make(chan result, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := url
			if i%2 == 1 {
				target = miss
			}
			resp, err := rawClient.Get(target)
			if err != nil {
				results <- result{err: err}
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			results <- result{code: resp.StatusCode, body: body, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	counts := map[int]int{}
	for r := range results {
		require.NoError(t, r.err)
		switch r.code {
		case http.StatusOK:
			require.Equal(t, gzipTile, r.body)
		case http.StatusNoContent:
			require.Empty(t, r.body)
		}
		counts[r.code]++
	}
	require.Equal(t, map[int]int{http.StatusOK: 20, http.StatusNoContent: 20}, counts)
}
