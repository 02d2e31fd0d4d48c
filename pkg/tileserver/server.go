// Package tileserver exposes an MBTiles container over HTTP at
// /{z}/{x}/{y}.pbf for a map client running on the same host.
package tileserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"mbtiles-http/pkg/mbtiles"
)

// DefaultHost keeps the listener on loopback unless the caller opts out.
const DefaultHost = "127.0.0.1"

// ErrAlreadyStarted is returned by Start on a running server.
var ErrAlreadyStarted = errors.New("tileserver: already started")

// Options holds everything the embedding application supplies.
type Options struct {
	Path string // tile container file
	Host string // listen host; empty means DefaultHost
	Port int    // listen port; 0 picks a free one

	// TLSConfig switches the listener to HTTPS when set.
	TLSConfig *tls.Config

	LegacyGzipDefault bool
	Verbose           bool
	MaxReaders        int
	Version           string
	Logf              func(string, ...any)
}

// Server owns one container and one listener. Start and Stop may be called
// from different goroutines.
type Server struct {
	opts Options
	logf func(string, ...any)

	mu        sync.Mutex
	container *mbtiles.Container
	httpSrv   *http.Server
	listener  net.Listener
	done      chan struct{}
}

// New prepares a server; nothing is opened until Start.
func New(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Server{opts: opts, logf: logf}
}

// Start opens the container, detects its schema, samples the gzip default and
// begins accepting connections. Any failure leaves nothing open and nothing
// listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return ErrAlreadyStarted
	}

	container, err := mbtiles.Open(ctx, s.opts.Path, mbtiles.Options{
		MaxReaders: s.opts.MaxReaders,
		Logf:       s.logf,
	})
	if err != nil {
		return err
	}
	if md, err := container.Metadata(ctx); err != nil {
		s.logf("tileserver: metadata unavailable: %v", err)
	} else if len(md) > 0 {
		s.logf("tileserver: metadata name=%q format=%q minzoom=%s maxzoom=%s",
			md["name"], md["format"], md["minzoom"], md["maxzoom"])
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("tileserver: listen %s: %w", addr, err)
	}
	if s.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}

	tiles := NewHandler(container, HandlerOptions{
		LikelyGzip:        container.LikelyGzip,
		LegacyGzipDefault: s.opts.LegacyGzipDefault,
		Verbose:           s.opts.Verbose,
		Logf:              s.logf,
	})
	httpSrv := &http.Server{
		Handler:           withRecovery(s.logf, withServerHeader(s.opts.Version, tiles)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logf("tileserver: serve error: %v", err)
		}
	}()

	s.container = container
	s.httpSrv = httpSrv
	s.listener = ln
	s.done = done
	s.logf("tileserver: started on %s serving %s", s.baseURLLocked(), filepath.Base(container.Path))
	return nil
}

// Stop stops accepting connections, waits for in-flight requests until ctx
// expires and closes the container. Stopping a server that never started or
// is already stopped does nothing. The lock is released before draining, so
// Port, BaseURL and friends answer immediately (as stopped) meanwhile.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpSrv, done, container := s.httpSrv, s.done, s.container
	s.httpSrv = nil
	s.listener = nil
	s.container = nil
	s.done = nil
	s.mu.Unlock()
	if httpSrv == nil {
		return nil
	}

	shutdownErr := httpSrv.Shutdown(ctx)
	if shutdownErr != nil {
		s.logf("tileserver: graceful shutdown cut short: %v", shutdownErr)
		_ = httpSrv.Close()
	}
	<-done
	closeErr := container.Close()
	s.logf("tileserver: stopped")
	return errors.Join(shutdownErr, closeErr)
}

// Done is closed when the listener stops serving, whether through Stop or a
// fatal accept error. It returns nil before Start and once Stop has begun.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Port reports the bound port, which differs from Options.Port when that was
// 0. It returns 0 while the server is not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portLocked()
}

func (s *Server) portLocked() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// BaseURL is the loopback URL the embedding application hands to its map
// client, e.g. http://127.0.0.1:8080.
func (s *Server) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURLLocked()
}

func (s *Server) baseURLLocked() string {
	scheme := "http"
	if s.opts.TLSConfig != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(DefaultHost, strconv.Itoa(s.portLocked())))
}

// TileURLTemplate is BaseURL plus the {z}/{x}/{y}.pbf placeholder path.
func (s *Server) TileURLTemplate() string {
	return s.BaseURL() + "/{z}/{x}/{y}" + TileExt
}

// Container exposes the open container, or nil while stopped.
func (s *Server) Container() *mbtiles.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container
}
