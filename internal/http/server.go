package httpx

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"
)

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/collect", e.Collect)
	mux.HandleFunc("/hmac/public-key", e.HMACPublicKey)

	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(mux)))
}

// Server runs the relay mux.
type Server struct {
	server *http.Server
}

func NewServer(e Env) *Server {
	return &Server{server: &http.Server{
		Addr:              e.Cfg.Addr,
		Handler:           NewMux(e),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Start listens on the configured address and serves in a separate
// goroutine. Listen errors are returned; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.server.Addr = ln.Addr().String()
	log.Printf("relay: listening on %s", s.server.Addr)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("relay: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listen address, resolved once Start has run.
func (s *Server) Addr() string { return s.server.Addr }

func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("relay: shutting down server...")
	return s.server.Shutdown(ctx)
}
