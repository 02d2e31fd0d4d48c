package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"mbtiles-http/pkg/mbtiles"
	"mbtiles-http/pkg/tileserver"
)

// CompileVersion is injected with -ldflags "-X main.CompileVersion=...".
var CompileVersion = "dev"

var (
	mbtilesPath       = flag.String("mbtiles", "", "Path to the MBTiles container to serve (required)")
	host              = flag.String("host", tileserver.DefaultHost, "Listen host for the tile server")
	port              = flag.Int("port", 8766, "Listen port for the tile server (0 picks a free port)")
	domain            = flag.String("domain", "", "Serve tiles on :443 with an automatic Let's Encrypt certificate for this domain (ACME and redirect on :80)")
	legacyGzipDefault = flag.Bool("legacy-gzip-default", false, "Mark every tile gzip-encoded when the sampled tile was gzip, even if its own bytes are not")
	verbose           = flag.Bool("verbose", false, "Log every tile request with its lookup branch and bounds")
	maxReaders        = flag.Int("max-readers", mbtiles.DefaultMaxReaders, "Maximum concurrent read connections to the container")
	showQR            = flag.Bool("qr", false, "Print the tile URL template as a QR code in the terminal")
	qrPNG             = flag.String("qr-png", "", "Write the tile URL template as a QR code PNG to this file")
	info              = flag.Bool("info", false, "Print the detected schema and metadata, then exit")
	version           = flag.Bool("version", false, "Show the application version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("mbtiles-http version %s\n", CompileVersion)
		return
	}
	if *mbtilesPath == "" {
		fmt.Fprintln(os.Stderr, "-mbtiles is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *info {
		if err := printInfo(ctx, *mbtilesPath); err != nil {
			log.Fatalf("info: %v", err)
		}
		return
	}

	opts := tileserver.Options{
		Path:              *mbtilesPath,
		Host:              *host,
		Port:              *port,
		LegacyGzipDefault: *legacyGzipDefault,
		Verbose:           *verbose,
		MaxReaders:        *maxReaders,
		Version:           CompileVersion,
		Logf:              log.Printf,
	}

	g, gctx := errgroup.WithContext(ctx)
	template := ""
	if *domain != "" {
		certMgr := newCertManager(*domain)
		opts.Host, opts.Port = domainListen(explicitFlags())
		opts.TLSConfig = certMgr.TLSConfig()
		template = "https://" + *domain + "/{z}/{x}/{y}" + tileserver.TileExt
		if opts.Port != 443 {
			template = "https://" + net.JoinHostPort(*domain, strconv.Itoa(opts.Port)) + "/{z}/{x}/{y}" + tileserver.TileExt
		}
		g.Go(func() error { return serveACME(gctx, *domain, certMgr) })
		g.Go(func() error {
			watchCertificate(gctx, certMgr, *domain, 24*time.Hour, log.Printf)
			return nil
		})
	}

	srv := tileserver.New(opts)
	if err := srv.Start(gctx); err != nil {
		log.Fatalf("tile server: %v", err)
	}
	served := srv.Done()
	if template == "" {
		template = srv.TileURLTemplate()
	}
	log.Printf("Tile URL template ➜ %s", template)
	if err := announce(template); err != nil {
		log.Printf("qr: %v", err)
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-served:
			return errors.New("tile listener stopped unexpectedly")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("exit: %v", err)
		_ = srv.Stop(context.Background())
		os.Exit(1)
	}
}

// explicitFlags reports which flags were set on the command line.
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// domainListen picks the listener for -domain mode: every interface on :443,
// unless -host or -port were given explicitly.
func domainListen(set map[string]bool) (string, int) {
	h, p := "0.0.0.0", 443
	if set["host"] {
		h = *host
	}
	if set["port"] {
		p = *port
	}
	return h, p
}

// certGetter is the part of autocert.Manager the renewal watcher calls.
type certGetter interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// watchCertificate asks for the domain certificate once per interval so
// autocert renews it ahead of expiry even when no client connects.
func watchCertificate(ctx context.Context, certs certGetter, domain string, interval time.Duration, logf func(string, ...any)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := certs.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				logf("autocert renewal check: %v", err)
			}
		}
	}
}

// announce prints or writes the QR code for the tile template when asked to,
// so a phone on the same network can pick up the URL.
func announce(template string) error {
	if !*showQR && *qrPNG == "" {
		return nil
	}
	code, err := qrcode.New(template, qrcode.Medium)
	if err != nil {
		return err
	}
	if *showQR {
		fmt.Println(code.ToSmallString(false))
	}
	if *qrPNG != "" {
		if err := code.WriteFile(256, *qrPNG); err != nil {
			return err
		}
		log.Printf("QR code written to %s", *qrPNG)
	}
	return nil
}

// printInfo opens the container the same way the server does and reports
// what it found without starting a listener.
func printInfo(ctx context.Context, path string) error {
	c, err := mbtiles.Open(ctx, path, mbtiles.Options{MaxReaders: 1})
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("file:          %s\n", c.Path)
	fmt.Printf("tables:        %v\n", c.Schema().Tables)
	fmt.Printf("schema:        %s\n", c.Schema())
	fmt.Printf("likely gzip:   %t\n", c.LikelyGzip)

	md, err := c.Metadata(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "json" {
			continue
		}
		fmt.Printf("metadata:      %s=%s\n", k, md[k])
	}

	bounds, err := mbtiles.ParseBounds(md["bounds"])
	if err != nil {
		// bounds is optional metadata
		return nil
	}
	minZoom, err := strconv.Atoi(md["minzoom"])
	if err != nil {
		minZoom = 0
	}
	maxZoom, err := strconv.Atoi(md["maxzoom"])
	if err != nil || maxZoom > tileserver.MaxZoom {
		maxZoom = minZoom
	}
	for _, z := range []int{minZoom, maxZoom} {
		topLeft, bottomRight := tileRange(bounds, z)
		fmt.Printf("tiles at z%-2d:  x %d..%d  y %d..%d (XYZ)\n", z, topLeft.X, bottomRight.X, topLeft.Y, bottomRight.Y)
		if minZoom == maxZoom {
			break
		}
	}
	return nil
}

// tileRange returns the XYZ tiles covering the north-west and south-east
// corners of b at zoom z.
func tileRange(b orb.Bound, z int) (maptile.Tile, maptile.Tile) {
	zoom := maptile.Zoom(z)
	return maptile.At(orb.Point{b.Min.X(), b.Max.Y()}, zoom), maptile.At(orb.Point{b.Max.X(), b.Min.Y()}, zoom)
}

// newCertManager accepts the bare domain and its www. alias. IP hosts are not
// rejected, they simply never get a certificate.
func newCertManager(domain string) *autocert.Manager {
	return &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, h string) error {
			if h == domain || h == "www."+domain {
				return nil
			}
			if net.ParseIP(h) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}
}

// serveACME answers HTTP-01 challenges on :80 and redirects everything else
// to https://<domain>/… until ctx is cancelled.
func serveACME(ctx context.Context, domain string, certMgr *autocert.Manager) error {
	mux := http.NewServeMux()
	mux.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	srv := &http.Server{
		Addr:              ":80",
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("acme listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
