package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/satstream/internal/logging"
)

// WebServer exposes the hub API over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server for hub listening on addr.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.Field{Key: "subsystem", Value: "http"}),
		srv: &http.Server{
			Addr:              addr,
			Handler:           hub.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves until ctx is cancelled. Bind errors
// are returned immediately; the server itself runs in the background and
// done is closed once it has shut down.
func (w *WebServer) Start(ctx context.Context) (done <-chan struct{}, err error) {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return nil, err
	}
	w.logger.Info("stats server listening", logging.Field{Key: "addr", Value: ln.Addr().String()})

	finished := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("stats server shutdown", logging.Field{Key: "error", Value: err})
		}
	}()
	go func() {
		defer close(finished)
		if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("stats server error", logging.Field{Key: "error", Value: err})
		}
	}()
	return finished, nil
}
