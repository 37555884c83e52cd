// Package httpserver constructs the process's HTTP server with shared
// timeouts.
package httpserver

import (
	"net/http"
	"time"
)

// New wraps handler in an http.Server for the sync API. Trigger and status
// endpoints respond immediately (runs execute on the worker pool), so tight
// header and idle timeouts are safe.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
