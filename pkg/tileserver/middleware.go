package tileserver

import (
	"fmt"
	"net/http"
)

// withServerHeader stamps "Server: mbtiles-http/<version>" on every response.
func withServerHeader(version string, h http.Handler) http.Handler {
	value := "mbtiles-http/" + version
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", value)
		h.ServeHTTP(w, r)
	})
}

// withRecovery turns a panic inside one request into a 500 and closes that
// connection; the listener keeps serving everyone else.
func withRecovery(logf func(string, ...any), h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logf("tileserver: serve fault for uri=%s remote=%s: %v", r.URL.RequestURI(), r.RemoteAddr, rec)
			w.Header().Del("Content-Encoding")
			w.Header().Del("Content-Length")
			w.Header().Set("Connection", "close")
			http.Error(w, fmt.Sprintf("Error: %v", rec), http.StatusInternalServerError)
		}()
		h.ServeHTTP(w, r)
	})
}
