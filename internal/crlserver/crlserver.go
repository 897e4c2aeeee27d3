// Package crlserver serves the proxy's certificate revocation list over
// plain HTTP so clients that honor a leaf certificate's CRL distribution
// point can fetch it without going through the MITM tunnel itself.
package crlserver

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"rangeproxy/internal/logging"
)

// Server serves GET /crl.pem from a path on disk.
type Server struct {
	addr string
	path string
	log  *logging.Logger
	srv  *http.Server
}

// New builds a crlserver bound to addr, serving the CRL file at crlPath.
func New(addr, crlPath string, log *logging.Logger) *Server {
	s := &Server{addr: addr, path: crlPath, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/crl.pem", s.handleCRL)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleCRL(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		http.Error(w, "crl unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Serve runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("crl server shutdown: %v", err)
		}
		return nil
	}
}
